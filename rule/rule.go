package rule

import (
	"net/http"

	"github.com/samber/lo"
)

// Rule binds a Filter to the ordered Actions it contributes when matched.
type Rule struct {
	Name    string
	Filter  Filter
	Actions []Action

	// MessageFilter, when non-nil, is consulted for WebSocket message
	// matching, together with Filter's host predicate when Filter.Host is
	// set; a rule with only MessageFilter set does not apply to
	// requests/responses.
	MessageFilter *MessageFilter
}

// MessageFilter selects which WebSocket messages a Rule's Drop action
// applies to.
type MessageFilter struct {
	// Direction restricts matching to "client-to-server" or
	// "server-to-client"; empty matches both.
	Direction string

	// Contains, when non-empty, requires the text message body to contain
	// this substring.
	Contains string

	// Drop causes matching messages to be dropped instead of forwarded.
	Drop bool
}

// RuleSet is an immutable, process-wide snapshot of loaded rules.
// Lookup is a linear scan in declaration order — first-match semantics do
// NOT apply; every matching rule contributes its actions.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet compiles rules (resolving regex filters) into an immutable
// RuleSet.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if err := r.Filter.Compile(); err != nil {
			return nil, err
		}
		compiled[i] = r
	}
	return &RuleSet{rules: compiled}, nil
}

// Rules returns the declaration-ordered rule list.
func (s *RuleSet) Rules() []Rule {
	return s.rules
}

// InterceptsHost reports whether any rule's host filter would match host,
// i.e. whether a CONNECT to host should be intercepted rather than blind
// tunneled.
func (s *RuleSet) InterceptsHost(host string) bool {
	for _, r := range s.rules {
		if r.MessageFilter != nil && r.Filter.Host == "" && r.Filter.Path == "" {
			continue
		}
		if r.Filter.MatchHost(host) {
			return true
		}
	}
	return false
}

// MatchRequest returns the ordered, flattened action list contributed by
// every rule whose filter matches req.
func (s *RuleSet) MatchRequest(req *http.Request) []Action {
	matched := lo.Filter(s.rules, func(r Rule, _ int) bool {
		return r.Filter.MatchHost(req.URL.Hostname()) &&
			r.Filter.MatchPath(req.URL.Path) &&
			r.Filter.MatchMethod(req.Method)
	})
	return lo.FlatMap(matched, func(r Rule, _ int) []Action {
		return r.Actions
	})
}

// MatchMessageRules returns the rules whose MessageFilter applies to a
// message traveling in direction over host.
func (s *RuleSet) MatchMessageRules(host, direction string) []MessageFilter {
	var filters []MessageFilter
	for _, r := range s.rules {
		if r.MessageFilter == nil {
			continue
		}
		if r.Filter.Host != "" && !r.Filter.MatchHost(host) {
			continue
		}
		if r.MessageFilter.Direction != "" && r.MessageFilter.Direction != direction {
			continue
		}
		filters = append(filters, *r.MessageFilter)
	}
	return filters
}
