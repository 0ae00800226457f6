package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fleetedge/fleetedge/internal/engine/errs"
)

// LocalExecutor runs commands on the machine driving the orchestrator itself
// (where builds happen for Built workloads), implementing the same Exec /
// ExecWithStdin surface session.Session exposes for remote hosts. Grounded
// on the teacher's direct os/exec.Command use for local git/ssh preflight
// calls (vault_git_guard.go, paas_target_check.go), generalized into a
// argv-in/stdout-out executor the image pipeline can target uniformly
// alongside a remote session.
type LocalExecutor struct{}

func (LocalExecutor) Exec(ctx context.Context, argv []string) (string, error) {
	return LocalExecutor{}.ExecWithStdin(ctx, argv, nil)
}

func (LocalExecutor) ExecWithStdin(ctx context.Context, argv []string, stdin []byte) (string, error) {
	if len(argv) == 0 {
		return "", errs.New(errs.KindCommandFailed, "exec", "", "", "", nil)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		cmdErr := &localCommandError{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
		return "", errs.New(errs.KindCommandFailed, "exec_local", "", "", "inspect stderr and correct the local command or its preconditions", cmdErr)
	}
	return trimTrailingNewline(stdout.String()), nil
}

type localCommandError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *localCommandError) Error() string {
	return fmt.Sprintf("local command failed (exit %d): %s", e.ExitCode, trimTrailingNewline(e.Stderr))
}

func trimTrailingNewline(s string) string {
	return strings.TrimRight(s, "\r\n")
}
