package orchestrator

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/fleetedge/fleetedge/internal/engine/errs"
)

// workspaceDirty reports whether the current working directory's git
// checkout has uncommitted changes. Grounded directly on the teacher's
// vault.GitDirty (internal/vault/git.go): `git status --porcelain`, non-empty
// output means dirty. A directory with no git repository is never dirty —
// deploys outside version control are out of this check's scope.
func workspaceDirty(dir string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil // not a git repository; nothing to guard
		}
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// checkSafetyGate enforces the pre-deploy safety gate: abort if the
// workspace has uncommitted changes and force was not requested.
func checkSafetyGate(dir string, force bool) error {
	if force {
		return nil
	}
	dirty, err := workspaceDirty(dir)
	if err != nil {
		return nil // git unavailable or inapplicable; do not block on an inconclusive check
	}
	if dirty {
		return errs.New(errs.KindConfigInvalid, "safety_gate", "", "", "commit or stash local changes, or pass --force to deploy anyway", fmt.Errorf("workspace has uncommitted changes"))
	}
	return nil
}
