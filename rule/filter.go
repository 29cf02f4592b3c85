// Package rule implements the declarative filter/action model the proxy
// evaluates against every request, response, and WebSocket message.
package rule

import (
	"regexp"

	"github.com/tidwall/match"
)

// MatchStyle selects how a Filter's Host/Path patterns are interpreted.
type MatchStyle string

const (
	// MatchExact requires a byte-for-byte match.
	MatchExact MatchStyle = "exact"
	// MatchGlob interprets the pattern with shell-style wildcards (*, ?).
	MatchGlob MatchStyle = "glob"
	// MatchRegex interprets the pattern as a Go regular expression.
	MatchRegex MatchStyle = "regex"
)

// Filter selects which requests, responses, or messages a Rule applies to.
// A zero-value field means "don't constrain on this dimension".
type Filter struct {
	Style MatchStyle

	Host string
	Path string

	// Methods restricts matching to these HTTP methods; empty matches any.
	Methods []string

	hostRegexp *regexp.Regexp
	pathRegexp *regexp.Regexp
}

// Compile pre-parses regex patterns so MatchHost/MatchPath don't recompile
// per call. Safe to call multiple times.
func (f *Filter) Compile() error {
	if f.Style != MatchRegex {
		return nil
	}
	if f.Host != "" {
		re, err := regexp.Compile(f.Host)
		if err != nil {
			return err
		}
		f.hostRegexp = re
	}
	if f.Path != "" {
		re, err := regexp.Compile(f.Path)
		if err != nil {
			return err
		}
		f.pathRegexp = re
	}
	return nil
}

// MatchHost reports whether host satisfies the filter's host predicate. An
// empty Filter.Host matches any host.
func (f *Filter) MatchHost(host string) bool {
	if f.Host == "" {
		return true
	}
	return f.matchString(host, f.Host, f.hostRegexp)
}

// MatchPath reports whether path satisfies the filter's path predicate. An
// empty Filter.Path matches any path.
func (f *Filter) MatchPath(path string) bool {
	if f.Path == "" {
		return true
	}
	return f.matchString(path, f.Path, f.pathRegexp)
}

// MatchMethod reports whether method satisfies the filter's method
// predicate. An empty Methods list matches any method.
func (f *Filter) MatchMethod(method string) bool {
	if len(f.Methods) == 0 {
		return true
	}
	for _, m := range f.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func (f *Filter) matchString(value, pattern string, compiled *regexp.Regexp) bool {
	switch f.Style {
	case MatchGlob:
		return match.Match(value, pattern)
	case MatchRegex:
		if compiled == nil {
			return false
		}
		return compiled.MatchString(value)
	default:
		return value == pattern
	}
}
