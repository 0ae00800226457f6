package proxyctl

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetedge/fleetedge/internal/engine/errs"
)

// Prober implements appdeploy.HealthProber by running curl inside the edge
// proxy container, so health checks exercise the exact network path
// production traffic will use once the alias flips.
type Prober struct {
	Controller *Controller
}

func NewProber(c *Controller) *Prober { return &Prober{Controller: c} }

// Probe polls http://containerAddr:port+path from inside the proxy
// container, waiting startPeriod before the first attempt and retrying up
// to maxTries times at timeout intervals.
func (p *Prober) Probe(ctx context.Context, containerAddr string, port int, path string, startPeriod, timeout time.Duration, maxTries int) error {
	if startPeriod > 0 {
		select {
		case <-time.After(startPeriod):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	url := fmt.Sprintf("http://%s:%d%s", containerAddr, port, path)
	argv := []string{"curl", "-fsS", "-o", "/dev/null", "--max-time", fmt.Sprintf("%d", int(timeout.Seconds())), url}

	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		if _, err := p.Controller.Exec.Exec(ctx, p.Controller.Adapter.ExecIn(containerName(), argv)); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errs.New(errs.KindHealthCheckFailed, "probe", "", "", "inspect application startup logs; the health endpoint never returned success", lastErr)
}
