package rule

import (
	"net/http"
	"regexp"
	"strings"
)

// ApplyHeaders applies m's header operations to header in order.
func (m *Modify) ApplyHeaders(header http.Header) {
	if m == nil {
		return
	}
	for _, op := range m.Headers {
		applyHeaderOp(header, op)
	}
}

func applyHeaderOp(header http.Header, op HeaderOp) {
	if op.Pattern {
		re, err := regexp.Compile(op.Name)
		if err != nil {
			return
		}
		for name := range header {
			if re.MatchString(name) {
				applyHeaderOpToName(header, name, op)
			}
		}
		return
	}
	applyHeaderOpToName(header, op.Name, op)
}

func applyHeaderOpToName(header http.Header, name string, op HeaderOp) {
	switch op.Op {
	case HeaderAdd:
		header.Add(name, op.Value)
	case HeaderRemove:
		header.Del(name)
	case HeaderReplace:
		header.Set(name, op.Value)
	}
}

// ApplyBody applies m's body operation to body, returning the mutated
// body. A nil Modify or nil Body returns body unchanged.
func (m *Modify) ApplyBody(body []byte) []byte {
	if m == nil || m.Body == nil {
		return body
	}
	if m.Body.Replace != nil {
		return []byte(*m.Body.Replace)
	}
	if m.Body.Pattern == "" {
		return body
	}
	return []byte(strings.ReplaceAll(string(body), m.Body.Pattern, m.Body.With))
}
