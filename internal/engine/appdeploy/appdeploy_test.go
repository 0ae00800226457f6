package appdeploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/engine/config"
	"github.com/fleetedge/fleetedge/internal/engine/fingerprint"
	"github.com/fleetedge/fleetedge/internal/engine/runtime"
)

// fakeExec records every argv it was given and fakes docker's observable
// container state (existence, running) from that history, so the state
// machine under test can be driven without a real container runtime.
type fakeExec struct {
	mu        sync.Mutex
	calls     [][]string
	existing  map[string]bool
	running   map[string]bool
	connected map[string]bool // container -> attached to its network, as Docker tracks per-endpoint
	failOn    string          // argv[0]+argv[1] substring that should fail
}

func newFakeExec() *fakeExec {
	return &fakeExec{existing: map[string]bool{}, running: map[string]bool{}, connected: map[string]bool{}}
}

func (f *fakeExec) Exec(ctx context.Context, argv []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	joined := strings.Join(argv, " ")
	if f.failOn != "" && strings.Contains(joined, f.failOn) {
		return "", fmt.Errorf("simulated failure: %s", joined)
	}
	switch {
	case len(argv) >= 3 && argv[1] == "ps" && argv[2] == "-aq":
		name := filterName(argv)
		if f.existing[name] {
			return name, nil
		}
		return "", nil
	case len(argv) >= 3 && argv[1] == "ps" && argv[2] == "-q":
		name := filterName(argv)
		if f.running[name] {
			return name, nil
		}
		return "", nil
	case len(argv) >= 2 && argv[1] == "create":
		name := argv[3]
		f.existing[name] = true
		// CreateContainer always passes --network, so a created container
		// starts out attached; connecting it again without disconnecting
		// first must fail, the same as real Docker.
		f.connected[name] = true
		return "", nil
	case len(argv) >= 2 && argv[1] == "start":
		f.running[argv[2]] = true
		return "", nil
	case len(argv) >= 2 && argv[1] == "rm":
		name := argv[len(argv)-1]
		delete(f.existing, name)
		delete(f.running, name)
		delete(f.connected, name)
		return "", nil
	case len(argv) >= 2 && argv[1] == "stop":
		f.running[argv[len(argv)-1]] = false
		return "", nil
	case len(argv) >= 3 && argv[1] == "network" && argv[2] == "disconnect":
		container := argv[len(argv)-1]
		f.connected[container] = false
		return "", nil
	case len(argv) >= 3 && argv[1] == "network" && argv[2] == "connect":
		container := argv[len(argv)-1]
		if f.connected[container] {
			return "", fmt.Errorf("endpoint with name %s already exists in network", container)
		}
		f.connected[container] = true
		return "", nil
	}
	return "", nil
}

// filterName extracts X from a "name=^X$" --filter argument, wherever it
// falls among the argv (ContainerRunning appends a second status filter
// after it).
func filterName(argv []string) string {
	for _, a := range argv {
		if strings.HasPrefix(a, "name=^") {
			return strings.TrimSuffix(strings.TrimPrefix(a, "name=^"), "$")
		}
	}
	return ""
}

type fakeProber struct{ fail bool }

func (p *fakeProber) Probe(ctx context.Context, containerAddr string, port int, path string, startPeriod, timeout time.Duration, maxTries int) error {
	if p.fail {
		return fmt.Errorf("probe failed")
	}
	return nil
}

func testApp() config.Workload {
	return config.Workload{
		Name: "web",
		App: &config.AppSpec{
			Common: config.Common{Host: "10.0.0.1", Replicas: 1},
			ProxyAppPort: 8080,
			HealthPath:   "/up",
		},
	}
}

func testInput() Input {
	return Input{
		Project:     "proj",
		App:         testApp(),
		ImageRef:    "proj/web:rel-1",
		ReleaseID:   "rel-1",
		Fingerprint: fingerprint.Fingerprint{Kind: fingerprint.KindBuilt, ConfigHash: "abc"},
		Network:     "proj-network",
	}
}

func TestRunFirstDeployCreatesBlueAndAttachesProxyAliasImmediately(t *testing.T) {
	exec := newFakeExec()
	d := New(runtime.New(), exec, &fakeProber{}, logrus.NewEntry(logrus.New()))

	result, err := d.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "blue", result.NewColor)
	assert.Equal(t, []string{"proj-web-blue"}, result.Containers)
	assert.True(t, exec.running["proj-web-blue"])

	var createArgv []string
	for _, c := range exec.calls {
		if len(c) > 1 && c[1] == "create" {
			createArgv = c
		}
	}
	assert.Contains(t, createArgv, "proj-web", "first deploy attaches the proxy alias at creation")
}

func TestRunSecondDeploySwitchesColorAndDrainsOld(t *testing.T) {
	exec := newFakeExec()
	d := New(runtime.New(), exec, &fakeProber{}, logrus.NewEntry(logrus.New()))

	_, err := d.Run(context.Background(), testInput())
	require.NoError(t, err)

	result, err := d.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "green", result.NewColor)

	// old blue container must have been drained (stopped then removed).
	assert.False(t, exec.existing["proj-web-blue"])
	assert.True(t, exec.running["proj-web-green"])
}

func TestRunAbortsAndCleansUpOnHealthCheckFailure(t *testing.T) {
	exec := newFakeExec()
	d := New(runtime.New(), exec, &fakeProber{fail: true}, logrus.NewEntry(logrus.New()))

	_, err := d.Run(context.Background(), testInput())
	assert.Error(t, err)
	assert.False(t, exec.existing["proj-web-blue"], "failed container must be cleaned up")
}

func TestRunMultiReplicaNamesContainersByIndex(t *testing.T) {
	exec := newFakeExec()
	d := New(runtime.New(), exec, &fakeProber{}, logrus.NewEntry(logrus.New()))

	in := testInput()
	in.App.App.Replicas = 2
	result, err := d.Run(context.Background(), in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"proj-web-blue-1", "proj-web-blue-2"}, result.Containers)
}
