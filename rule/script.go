package rule

import (
	"fmt"
	"net/http"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// ScriptRunner evaluates the Script action's CEL expression against a
// restricted view of the request/response: method, url, header, host.
// Script errors never abort a flow — callers log the error and let the
// request/response pass through unmodified.
type ScriptRunner struct {
	env *cel.Env
}

// NewScriptRunner builds a ScriptRunner with the fixed activation variables
// the core specifies for scripted actions.
func NewScriptRunner() (*ScriptRunner, error) {
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("rule: build CEL environment: %w", err)
	}
	return &ScriptRunner{env: env}, nil
}

// RequestActivation builds the restricted CEL activation for req.
func RequestActivation(req *http.Request) map[string]any {
	header := make(map[string]string, len(req.Header))
	for name := range req.Header {
		header[name] = req.Header.Get(name)
	}
	return map[string]any{
		"method": req.Method,
		"url":    req.URL.String(),
		"host":   req.URL.Hostname(),
		"header": header,
	}
}

// Eval compiles and evaluates source against vars. A boolean or string
// result is returned as a Go bool or string, any other result as its CEL
// native Go value; compile/evaluate failures return a nil value and an
// error the caller should log, never propagate as a flow failure.
func (r *ScriptRunner) Eval(source string, vars map[string]any) (any, error) {
	ast, issues := r.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule: compile script: %w", issues.Err())
	}

	program, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule: build script program: %w", err)
	}

	out, _, err := program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("rule: evaluate script: %w", err)
	}

	return toGoValue(out), nil
}

func toGoValue(val ref.Val) any {
	if val == nil {
		return nil
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.String:
		return string(v)
	default:
		return val.Value()
	}
}
