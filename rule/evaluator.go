package rule

import (
	"log/slog"
	"net/http"
	"strings"

	"go.uber.org/atomic"
)

// Message is one WebSocket application message passing through the bridge.
type Message struct {
	Direction string // "client-to-server" or "server-to-client"
	Binary    bool
	Data      []byte
}

// Evaluator matches requests, responses, and WebSocket messages against the
// currently loaded RuleSet. The RuleSet can be hot-swapped without
// disturbing flows already mid-evaluation.
type Evaluator struct {
	ruleSet *atomic.Pointer[RuleSet]
	scripts *ScriptRunner
}

// NewEvaluator builds an Evaluator over initial, building the CEL script
// environment up front (construction failure disables the Script action but
// never the evaluator itself).
func NewEvaluator(initial *RuleSet) *Evaluator {
	p := atomic.NewPointer(initial)
	runner, err := NewScriptRunner()
	if err != nil {
		slog.Error("rule: script runner unavailable, js actions will be skipped", "error", err)
		runner = nil
	}
	return &Evaluator{ruleSet: p, scripts: runner}
}

// Swap atomically replaces the active RuleSet.
func (e *Evaluator) Swap(next *RuleSet) {
	e.ruleSet.Store(next)
}

// RuleSet returns the currently active RuleSet.
func (e *Evaluator) RuleSet() *RuleSet {
	return e.ruleSet.Load()
}

// InterceptsHost reports whether host should be intercepted (MITM'd)
// rather than blind-tunneled.
func (e *Evaluator) InterceptsHost(host string) bool {
	return e.RuleSet().InterceptsHost(host)
}

// MatchRequest returns the ordered action list for req, running any Script
// actions inline (script errors are logged, never propagated).
func (e *Evaluator) MatchRequest(req *http.Request) []Action {
	actions := e.RuleSet().MatchRequest(req)
	for _, a := range actions {
		if a.Kind == ActionScript {
			e.runScript(a.Script, req)
		}
	}
	return actions
}

func (e *Evaluator) runScript(source string, req *http.Request) {
	if e.scripts == nil {
		return
	}
	if _, err := e.scripts.Eval(source, RequestActivation(req)); err != nil {
		slog.Warn("rule: script action failed, request continues unmodified", "error", err)
	}
}

// MatchMessage applies the message-direction rules to msg, returning the
// (possibly unchanged) message to forward, or nil to drop it.
func (e *Evaluator) MatchMessage(host string, msg *Message) *Message {
	filters := e.RuleSet().MatchMessageRules(host, msg.Direction)
	for _, f := range filters {
		if !f.Drop {
			continue
		}
		if f.Contains == "" {
			return nil
		}
		if !msg.Binary && strings.Contains(string(msg.Data), f.Contains) {
			return nil
		}
	}
	return msg
}
