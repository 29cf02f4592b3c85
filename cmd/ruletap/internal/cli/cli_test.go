package cli

import (
	"errors"
	"testing"
)

func TestExitCodeMapsRuleParseFailureToThree(t *testing.T) {
	err := &ruleParseError{err: errors.New("bad rule")}
	if code := ExitCode(err); code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
}

func TestExitCodeMapsOtherErrorsToOne(t *testing.T) {
	if code := ExitCode(errors.New("boom")); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestExitCodeMapsNilToZero(t *testing.T) {
	if code := ExitCode(nil); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestCAStoreDirRequiresSharedParent(t *testing.T) {
	if _, err := caStoreDir("ca/private.key", "ca/cert.crt"); err != nil {
		t.Errorf("expected no error for shared parent, got %v", err)
	}
	if _, err := caStoreDir("a/private.key", "b/cert.crt"); err == nil {
		t.Error("expected an error for mismatched parents, got nil")
	}
}
