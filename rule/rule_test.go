package rule_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruletap/ruletap/rule"
)

func TestRuleSetMatchRequestAppendsInDeclarationOrder(t *testing.T) {
	rules := []rule.Rule{
		{
			Name:    "first",
			Filter:  rule.Filter{Host: "example.com"},
			Actions: []rule.Action{rule.LogRequest()},
		},
		{
			Name:    "second",
			Filter:  rule.Filter{Host: "example.com"},
			Actions: []rule.Action{rule.Reject()},
		},
	}
	set, err := rule.NewRuleSet(rules)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	actions := set.MatchRequest(req)

	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	if actions[0].Kind != rule.ActionLogRequest || actions[1].Kind != rule.ActionReject {
		t.Fatalf("actions out of order: %+v", actions)
	}
}

func TestRuleSetMatchRequestSkipsNonMatchingHost(t *testing.T) {
	rules := []rule.Rule{
		{Filter: rule.Filter{Host: "other.com"}, Actions: []rule.Action{rule.Reject()}},
	}
	set, err := rule.NewRuleSet(rules)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	if actions := set.MatchRequest(req); len(actions) != 0 {
		t.Fatalf("got %d actions, want 0", len(actions))
	}
}

func TestFilterGlobMatchesPath(t *testing.T) {
	f := rule.Filter{Style: rule.MatchGlob, Path: "/ads/*"}
	if err := f.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !f.MatchPath("/ads/a.js") {
		t.Fatal("expected glob match for /ads/a.js")
	}
	if f.MatchPath("/safe/a.js") {
		t.Fatal("unexpected glob match for /safe/a.js")
	}
}

func TestFilterRegexMatchesHost(t *testing.T) {
	f := rule.Filter{Style: rule.MatchRegex, Host: `^api\.\w+\.test$`}
	if err := f.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !f.MatchHost("api.foo.test") {
		t.Fatal("expected regex match for api.foo.test")
	}
	if f.MatchHost("web.foo.test") {
		t.Fatal("unexpected regex match for web.foo.test")
	}
}

func TestInterceptsHostOnlyForRequestFilters(t *testing.T) {
	rules := []rule.Rule{
		{Filter: rule.Filter{Host: "api.test"}, Actions: []rule.Action{rule.LogRequest()}},
		{
			Filter:        rule.Filter{Host: "chat.x"},
			MessageFilter: &rule.MessageFilter{Drop: true, Contains: "drop-me"},
		},
	}
	set, err := rule.NewRuleSet(rules)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}

	if !set.InterceptsHost("api.test") {
		t.Fatal("expected api.test to be intercepted")
	}
	if !set.InterceptsHost("chat.x") {
		t.Fatal("expected chat.x to be intercepted for message filtering")
	}
	if set.InterceptsHost("vpn.example") {
		t.Fatal("unexpected interception for vpn.example")
	}
}

func TestModifyApplyHeadersAddRemoveReplace(t *testing.T) {
	m := &rule.Modify{
		Headers: []rule.HeaderOp{
			{Name: "X-Tag", Op: rule.HeaderAdd, Value: "1"},
			{Name: "X-Drop", Op: rule.HeaderRemove},
			{Name: "X-Set", Op: rule.HeaderReplace, Value: "final"},
		},
	}

	h := http.Header{}
	h.Set("X-Drop", "gone")
	h.Set("X-Set", "initial")

	m.ApplyHeaders(h)

	if h.Get("X-Tag") != "1" {
		t.Fatalf("X-Tag = %q, want %q", h.Get("X-Tag"), "1")
	}
	if h.Get("X-Drop") != "" {
		t.Fatalf("X-Drop = %q, want empty", h.Get("X-Drop"))
	}
	if h.Get("X-Set") != "final" {
		t.Fatalf("X-Set = %q, want %q", h.Get("X-Set"), "final")
	}
}

func TestModifyApplyBodyReplace(t *testing.T) {
	replacement := "new body"
	m := &rule.Modify{Body: &rule.BodyOp{Replace: &replacement}}

	got := m.ApplyBody([]byte("old body"))
	if string(got) != replacement {
		t.Fatalf("got %q, want %q", got, replacement)
	}
}

func TestModifyApplyBodyPatternReplace(t *testing.T) {
	m := &rule.Modify{Body: &rule.BodyOp{Pattern: "foo", With: "bar"}}

	got := m.ApplyBody([]byte("foo baz foo"))
	if string(got) != "bar baz bar" {
		t.Fatalf("got %q, want %q", got, "bar baz bar")
	}
}

func TestEvaluatorMatchMessageDropsOnSubstring(t *testing.T) {
	rules := []rule.Rule{
		{
			Filter:        rule.Filter{Host: "chat.x"},
			MessageFilter: &rule.MessageFilter{Drop: true, Contains: "drop-me"},
		},
	}
	set, err := rule.NewRuleSet(rules)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	eval := rule.NewEvaluator(set)

	keep1 := eval.MatchMessage("chat.x", &rule.Message{Direction: "client-to-server", Data: []byte("keep1")})
	if keep1 == nil {
		t.Fatal("expected keep1 to be forwarded")
	}

	dropped := eval.MatchMessage("chat.x", &rule.Message{Direction: "client-to-server", Data: []byte("drop-me")})
	if dropped != nil {
		t.Fatal("expected drop-me to be dropped")
	}
}

func TestEvaluatorSwapReplacesActiveRuleSet(t *testing.T) {
	first, err := rule.NewRuleSet(nil)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	eval := rule.NewEvaluator(first)

	second, err := rule.NewRuleSet([]rule.Rule{
		{Filter: rule.Filter{Host: "example.com"}, Actions: []rule.Action{rule.Reject()}},
	})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	eval.Swap(second)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	if actions := eval.MatchRequest(req); len(actions) != 1 {
		t.Fatalf("got %d actions after swap, want 1", len(actions))
	}
}
