package events

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetedge/fleetedge/internal/engine/errs"
)

func TestRecordAppendsSuccessLine(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	path, err := l.Record("proj", "deploy", "succeeded", map[string]string{"workload": "web"}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "deployments.jsonl"), path)

	recs, err := Tail[Record](path, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "succeeded", recs[0].Status)
	assert.Empty(t, recs[0].ErrorKind)
}

func TestRecordDerivesErrorFieldsFromFailure(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	failure := errs.New(errs.KindHealthCheckFailed, "probe", "10.0.0.1", "web", "check app logs", fmt.Errorf("timed out"))
	path, err := l.Record("proj", "deploy", "failed", nil, failure)
	require.NoError(t, err)

	recs, err := Tail[Record](path, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(errs.KindHealthCheckFailed), recs[0].ErrorKind)
	assert.Equal(t, "10.0.0.1", recs[0].ErrorHost)
	assert.Equal(t, "web", recs[0].ErrorWorkload)
	assert.Contains(t, recs[0].ErrorMessage, "timed out")
}

func TestAlertDefaultsSeverity(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	_, err := l.Alert("proj", "deploy", "", "10.0.0.1", "route programming failed", nil)
	require.NoError(t, err)

	recs, err := Tail[AlertRecord](filepath.Join(dir, "alerts.jsonl"), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, SeverityWarning, recs[0].Severity)
}

func TestTailReturnsMostRecentN(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	for i := 0; i < 5; i++ {
		_, err := l.Record("proj", "deploy", fmt.Sprintf("status-%d", i), nil, nil)
		require.NoError(t, err)
	}
	recs, err := Tail[Record](filepath.Join(dir, "deployments.jsonl"), 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "status-3", recs[0].Status)
	assert.Equal(t, "status-4", recs[1].Status)
}

func TestTailMissingFileReturnsNil(t *testing.T) {
	recs, err := Tail[Record](filepath.Join(t.TempDir(), "missing.jsonl"), 0)
	require.NoError(t, err)
	assert.Nil(t, recs)
}
