package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fleetedge/fleetedge/internal/engine/errs"
)

// TargetCheck is one host's preflight report, run before setup ever writes
// anything to that host. Grounded on the teacher's paasTargetCheckResult /
// runPaasTargetCheck (paas_target_check.go), adapted to run its probes
// through the already-serialized session.Session instead of spawning a raw
// ssh subprocess per probe.
type TargetCheck struct {
	Host          string
	SSHOK         bool
	RuntimeOK     bool
	RuntimeVer    string
	DiskOK        bool
	DiskFreeKB    int64
	Status        string // "ok" or "failed"
	Error         string
	DurationMs    int64
}

// Check runs the SSH reachability, container-runtime presence, and
// disk-space probes for one host.
func (o *Orchestrator) Check(ctx context.Context, host string) TargetCheck {
	started := time.Now()
	result := TargetCheck{Host: host, Status: "failed"}
	sess := o.sessionFor(host)

	if _, err := sess.Exec(ctx, []string{"echo", "fleetedge-preflight-ok"}); err != nil {
		result.Error = "ssh check failed: " + err.Error()
		result.DurationMs = time.Since(started).Milliseconds()
		return result
	}
	result.SSHOK = true

	ver, err := sess.Exec(ctx, o.Adapter.VersionProbe())
	if err != nil {
		result.Error = "container runtime check failed: " + err.Error()
		result.DurationMs = time.Since(started).Milliseconds()
		return result
	}
	result.RuntimeOK = true
	result.RuntimeVer = strings.TrimSpace(ver)

	free, err := o.diskFreeKB(ctx, sess)
	if err != nil {
		result.Error = "disk space check failed: " + err.Error()
		result.DurationMs = time.Since(started).Milliseconds()
		return result
	}
	result.DiskOK = free > minFreeDiskKB
	result.DiskFreeKB = free
	if !result.DiskOK {
		result.Error = "insufficient free disk space on target host"
		result.DurationMs = time.Since(started).Milliseconds()
		return result
	}

	result.Status = "ok"
	result.DurationMs = time.Since(started).Milliseconds()
	return result
}

const minFreeDiskKB = 1 * 1024 * 1024 // 1 GiB

func (o *Orchestrator) diskFreeKB(ctx context.Context, sess Executor) (int64, error) {
	out, err := sess.Exec(ctx, []string{"df", "-Pk", "/"})
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, errs.New(errs.KindPreconditionMissing, "disk_check", "", "", "", nil)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, errs.New(errs.KindPreconditionMissing, "disk_check", "", "", "", nil)
	}
	var kb int64
	if _, scanErr := fmt.Sscanf(fields[3], "%d", &kb); scanErr != nil {
		return 0, scanErr
	}
	return kb, nil
}
