package servicedeploy

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/engine/config"
	"github.com/fleetedge/fleetedge/internal/engine/fingerprint"
	"github.com/fleetedge/fleetedge/internal/engine/labels"
	"github.com/fleetedge/fleetedge/internal/engine/runtime"
)

type fakeExec struct {
	existing map[string]bool
	labels   map[string]map[string]string
	calls    []string
}

func newFakeExec() *fakeExec {
	return &fakeExec{existing: map[string]bool{}, labels: map[string]map[string]string{}}
}

func (f *fakeExec) Exec(ctx context.Context, argv []string) (string, error) {
	f.calls = append(f.calls, strings.Join(argv, " "))
	switch {
	case argv[1] == "ps":
		name := filterName(argv)
		if f.existing[name] {
			return name, nil
		}
		return "", nil
	case argv[1] == "create":
		name := argv[3]
		f.existing[name] = true
		return "", nil
	case argv[1] == "inspect":
		name := argv[2]
		return fmt.Sprintf(`[{"Image":"sha256:x","Config":{"Labels":%s}}]`, toJSON(f.labels[name])), nil
	case argv[1] == "rm":
		delete(f.existing, argv[len(argv)-1])
		return "", nil
	}
	return "", nil
}

func toJSON(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	out := "{"
	first := true
	for k, v := range m {
		if !first {
			out += ","
		}
		first = false
		out += fmt.Sprintf("%q:%q", k, v)
	}
	return out + "}"
}

func filterName(argv []string) string {
	for _, a := range argv {
		if strings.HasPrefix(a, "name=^") {
			return strings.TrimSuffix(strings.TrimPrefix(a, "name=^"), "$")
		}
	}
	return ""
}

func testInput(configHash string) Input {
	return Input{
		Project: "proj",
		Service: config.Workload{
			Name: "cache",
			Svc:  &config.ServiceSpec{Common: config.Common{Host: "10.0.0.1", ImageRef: "redis:7"}},
		},
		ImageRef:    "redis:7",
		Fingerprint: fingerprint.Fingerprint{Kind: fingerprint.KindExternal, ConfigHash: configHash, ImageReference: "redis:7"},
		Network:     "proj-network",
	}
}

func TestRunCreatesWhenAbsent(t *testing.T) {
	exec := newFakeExec()
	d := New(runtime.New(), exec, logrus.NewEntry(logrus.New()))

	result, err := d.Run(context.Background(), testInput("hash-1"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, result.Action)
	assert.True(t, exec.existing["proj-cache"])
}

func TestRunNoopsWhenConfigHashUnchanged(t *testing.T) {
	exec := newFakeExec()
	exec.existing["proj-cache"] = true
	exec.labels["proj-cache"] = map[string]string{labels.ConfigHash: "hash-1"}
	d := New(runtime.New(), exec, logrus.NewEntry(logrus.New()))

	result, err := d.Run(context.Background(), testInput("hash-1"))
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, result.Action)
}

func TestRunReplacesWhenConfigHashStale(t *testing.T) {
	exec := newFakeExec()
	exec.existing["proj-cache"] = true
	exec.labels["proj-cache"] = map[string]string{labels.ConfigHash: "hash-old"}
	d := New(runtime.New(), exec, logrus.NewEntry(logrus.New()))

	result, err := d.Run(context.Background(), testInput("hash-new"))
	require.NoError(t, err)
	assert.Equal(t, ActionReplaced, result.Action)
	assert.True(t, exec.existing["proj-cache"])
}
