package rule_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruletap/ruletap/rule"
)

func TestScriptRunnerEvalReadsRequestFields(t *testing.T) {
	runner, err := rule.NewScriptRunner()
	if err != nil {
		t.Fatalf("NewScriptRunner: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	req.Header.Set("X-Tag", "abc")

	out, err := runner.Eval(`method == "GET" && host == "example.com" && header["X-Tag"] == "abc"`, rule.RequestActivation(req))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if b, ok := out.(bool); !ok || !b {
		t.Fatalf("Eval result = %v, want true", out)
	}
}

func TestScriptRunnerEvalReportsCompileError(t *testing.T) {
	runner, err := rule.NewScriptRunner()
	if err != nil {
		t.Fatalf("NewScriptRunner: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	if _, err := runner.Eval("method ===", rule.RequestActivation(req)); err == nil {
		t.Fatal("expected compile error")
	}
}
