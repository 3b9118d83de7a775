package hooks

import (
	"context"
	"strings"
	"testing"
)

func TestRunEmptyArgv(t *testing.T) {
	if err := NewExecRunner().Run(context.Background(), nil); err != nil {
		t.Fatalf("empty argv should be a no-op, got %v", err)
	}
}

func TestRunSuccess(t *testing.T) {
	if err := NewExecRunner().Run(context.Background(), []string{"true"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestRunFailureIncludesOutput(t *testing.T) {
	err := NewExecRunner().Run(context.Background(), []string{"sh", "-c", "echo boom >&2; exit 1"})
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error should include command output, got: %v", err)
	}
}

func TestRunMissingCommand(t *testing.T) {
	err := NewExecRunner().Run(context.Background(), []string{"definitely-not-a-command-xyz"})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}
