// Package ruleconfig loads rule.Rule records from YAML files: a single
// file, or every .yaml/.yml file under a directory, walked in
// lexicographic order so rule precedence is deterministic.
package ruleconfig

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruletap/ruletap/rule"
)

// Load reads path, which may be a single rule file or a directory of rule
// files, and returns the combined, declaration-ordered rule list.
func Load(path string) ([]rule.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ruleconfig: stat %s: %w", path, err)
	}

	if !info.IsDir() {
		return loadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ruleconfig: walk %s: %w", path, err)
	}
	sort.Strings(files)

	var rules []rule.Rule
	for _, f := range files {
		fileRules, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	return rules, nil
}

// loadFile decodes one YAML rule file, rejecting unknown fields so a typo
// in a rule file fails loudly instead of silently doing nothing.
func loadFile(path string) ([]rule.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ruleconfig: open %s: %w", path, err)
	}
	defer f.Close()

	rules, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("ruleconfig: %s: %w", path, err)
	}
	return rules, nil
}

// decode parses a rule file from r.
func decode(r io.Reader) ([]rule.Rule, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode: %w", err)
	}

	rules := make([]rule.Rule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		r, err := rd.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rd.Name, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// fileDoc is the top-level shape of a rule file.
type fileDoc struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Name          string      `yaml:"name"`
	Host          string      `yaml:"host"`
	Path          string      `yaml:"path"`
	Style         string      `yaml:"style"`
	Methods       []string    `yaml:"methods"`
	Actions       []actionDoc `yaml:"actions"`
	MessageFilter *messageDoc `yaml:"message_filter"`
}

type messageDoc struct {
	Direction string `yaml:"direction"`
	Contains  string `yaml:"contains"`
	Drop      bool   `yaml:"drop"`
}

type actionDoc struct {
	Kind       string     `yaml:"kind"`
	RedirectTo string     `yaml:"redirect_to"`
	Modify     *modifyDoc `yaml:"modify"`
	Script     string     `yaml:"script"`
}

type modifyDoc struct {
	Headers []headerOpDoc `yaml:"headers"`
	Body    *bodyOpDoc    `yaml:"body"`
}

type headerOpDoc struct {
	Name    string `yaml:"name"`
	Pattern bool   `yaml:"pattern"`
	Op      string `yaml:"op"`
	Value   string `yaml:"value"`
}

type bodyOpDoc struct {
	Replace *string `yaml:"replace"`
	Pattern string  `yaml:"pattern"`
	With    string  `yaml:"with"`
}

func (rd ruleDoc) toRule() (rule.Rule, error) {
	style, err := toMatchStyle(rd.Style)
	if err != nil {
		return rule.Rule{}, err
	}

	actions := make([]rule.Action, 0, len(rd.Actions))
	for i, ad := range rd.Actions {
		a, err := ad.toAction()
		if err != nil {
			return rule.Rule{}, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}

	r := rule.Rule{
		Name: rd.Name,
		Filter: rule.Filter{
			Style:   style,
			Host:    rd.Host,
			Path:    rd.Path,
			Methods: rd.Methods,
		},
		Actions: actions,
	}
	if rd.MessageFilter != nil {
		r.MessageFilter = &rule.MessageFilter{
			Direction: rd.MessageFilter.Direction,
			Contains:  rd.MessageFilter.Contains,
			Drop:      rd.MessageFilter.Drop,
		}
	}
	return r, nil
}

func toMatchStyle(s string) (rule.MatchStyle, error) {
	switch s {
	case "", "exact":
		return rule.MatchExact, nil
	case "glob":
		return rule.MatchGlob, nil
	case "regex":
		return rule.MatchRegex, nil
	default:
		return "", fmt.Errorf("unknown match style %q", s)
	}
}

func (ad actionDoc) toAction() (rule.Action, error) {
	switch rule.ActionKind(ad.Kind) {
	case rule.ActionReject:
		return rule.Reject(), nil
	case rule.ActionRedirect:
		if ad.RedirectTo == "" {
			return rule.Action{}, fmt.Errorf("redirect action requires redirect_to")
		}
		return rule.Redirect(ad.RedirectTo), nil
	case rule.ActionModifyRequest:
		m, err := ad.Modify.toModify()
		if err != nil {
			return rule.Action{}, err
		}
		return rule.ModifyRequestAction(m), nil
	case rule.ActionModifyResponse:
		m, err := ad.Modify.toModify()
		if err != nil {
			return rule.Action{}, err
		}
		return rule.ModifyResponseAction(m), nil
	case rule.ActionLogRequest:
		return rule.LogRequest(), nil
	case rule.ActionLogResponse:
		return rule.LogResponse(), nil
	case rule.ActionScript:
		if ad.Script == "" {
			return rule.Action{}, fmt.Errorf("js action requires script")
		}
		return rule.ScriptAction(ad.Script), nil
	default:
		return rule.Action{}, fmt.Errorf("unknown action kind %q", ad.Kind)
	}
}

func (md *modifyDoc) toModify() (rule.Modify, error) {
	if md == nil {
		return rule.Modify{}, fmt.Errorf("modify-request/modify-response action requires a modify block")
	}

	headers := make([]rule.HeaderOp, 0, len(md.Headers))
	for i, hd := range md.Headers {
		op, err := toHeaderOpKind(hd.Op)
		if err != nil {
			return rule.Modify{}, fmt.Errorf("header %d: %w", i, err)
		}
		headers = append(headers, rule.HeaderOp{
			Name:    hd.Name,
			Pattern: hd.Pattern,
			Op:      op,
			Value:   hd.Value,
		})
	}

	m := rule.Modify{Headers: headers}
	if md.Body != nil {
		m.Body = &rule.BodyOp{
			Replace: md.Body.Replace,
			Pattern: md.Body.Pattern,
			With:    md.Body.With,
		}
	}
	return m, nil
}

func toHeaderOpKind(s string) (rule.HeaderOpKind, error) {
	switch rule.HeaderOpKind(s) {
	case rule.HeaderAdd, rule.HeaderRemove, rule.HeaderReplace:
		return rule.HeaderOpKind(s), nil
	default:
		return "", fmt.Errorf("unknown header op %q", s)
	}
}
