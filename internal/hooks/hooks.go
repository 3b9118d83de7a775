package hooks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes the configured post-update command.
type Runner interface {
	// Run executes argv and returns an error including the command's
	// output on failure.
	Run(ctx context.Context, argv []string) error
}

// ExecRunner implements Runner by executing the command directly.
type ExecRunner struct{}

// NewExecRunner creates a runner that shells out to the configured
// command.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes argv. An empty argv is a no-op.
func (r *ExecRunner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("post-update command %q failed: %w: %s",
			strings.Join(argv, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
