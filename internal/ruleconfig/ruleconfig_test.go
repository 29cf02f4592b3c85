package ruleconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruletap/ruletap/internal/ruleconfig"
	"github.com/ruletap/ruletap/rule"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yaml", `
rules:
  - name: block-ads
    host: "*.ads.example.com"
    style: glob
    actions:
      - kind: reject
  - name: strip-server-header
    host: api.example.com
    actions:
      - kind: modify-response
        modify:
          headers:
            - name: Server
              op: remove
  - name: ws-drop-secrets
    host: chat.example.com
    message_filter:
      direction: client-to-server
      contains: secret
      drop: true
`)

	rules, err := ruleconfig.Load(filepath.Join(dir, "rules.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].Name != "block-ads" || rules[0].Filter.Style != rule.MatchGlob {
		t.Errorf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].Actions[0].Modify == nil || rules[1].Actions[0].Modify.Headers[0].Op != rule.HeaderRemove {
		t.Errorf("unexpected second rule: %+v", rules[1])
	}
	if rules[2].MessageFilter == nil || !rules[2].MessageFilter.Drop {
		t.Errorf("unexpected third rule: %+v", rules[2])
	}

	if _, err := rule.NewRuleSet(rules); err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
}

func TestLoadDirectoryWalksInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "10-first.yaml", `
rules:
  - name: a
    host: a.example.com
    actions:
      - kind: log-req
`)
	writeFile(t, dir, "20-second.yml", `
rules:
  - name: b
    host: b.example.com
    actions:
      - kind: log-req
`)
	writeFile(t, dir, "ignored.txt", "not yaml")

	rules, err := ruleconfig.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Name != "a" || rules[1].Name != "b" {
		t.Errorf("unexpected order: %s, %s", rules[0].Name, rules[1].Name)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `
rules:
  - name: typo
    hosst: example.com
    actions:
      - kind: reject
`)

	if _, err := ruleconfig.Load(filepath.Join(dir, "bad.yaml")); err == nil {
		t.Fatal("expected an error for the unknown field, got nil")
	}
}

func TestLoadRejectsUnknownActionKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `
rules:
  - name: typo
    host: example.com
    actions:
      - kind: not-a-real-action
`)

	if _, err := ruleconfig.Load(filepath.Join(dir, "bad.yaml")); err == nil {
		t.Fatal("expected an error for the unknown action kind, got nil")
	}
}

func TestLoadRequiresModifyBlockForModifyActions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `
rules:
  - name: missing-modify
    host: example.com
    actions:
      - kind: modify-request
`)

	if _, err := ruleconfig.Load(filepath.Join(dir, "bad.yaml")); err == nil {
		t.Fatal("expected an error for the missing modify block, got nil")
	}
}
