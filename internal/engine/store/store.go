// Package store tracks release history per (host, app|service): one JSON
// Lines record per deploy naming the release ID, image reference, and an
// Active flag that is set on every appended entry (older entries are never
// rewritten). "fleetctl prune" reads this history to report which releases
// are eligible for pruning; nothing is removed. Grounded on the teacher's paas_deploy_prune.go, adapted from its
// filesystem release-bundle directory scan (this repo has no release bundle
// directory — a Built workload's releases are Docker image tags, not files
// on disk) to an explicit append-only ledger the orchestrator itself writes.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fleetedge/fleetedge/internal/engine/events"
)

// Entry records one deploy's release for a given host/workload pair.
type Entry struct {
	Timestamp      string `json:"timestamp"`
	Host           string `json:"host"`
	Workload       string `json:"workload"`
	ReleaseID      string `json:"release_id"`
	ImageReference string `json:"image_reference"`
	Active         bool   `json:"active"`
}

// Ledger appends to and reads releases.jsonl under a project's state
// directory.
type Ledger struct {
	Path string
}

func New(dir string) *Ledger {
	return &Ledger{Path: filepath.Join(dir, "releases.jsonl")}
}

// Append records a new release as the active one for host/workload.
func (l *Ledger) Append(host, workload, releaseID, imageRef string) error {
	entry := Entry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Host:           host,
		Workload:       workload,
		ReleaseID:      releaseID,
		ImageReference: imageRef,
		Active:         true,
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(raw, '\n'))
	return err
}

// History returns every recorded entry for host/workload, oldest first.
func (l *Ledger) History(host, workload string) ([]Entry, error) {
	all, err := events.Tail[Entry](l.Path, 0)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Host == host && e.Workload == workload {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Prunable returns releases for host/workload that are safe to remove: any
// non-protected release beyond the newest keep entries, plus (if maxAge is
// non-zero) any non-protected release older than maxAge. The single newest
// entry is always protected, since it is presumed to be the live release.
func Prunable(history []Entry, keep int, maxAge time.Duration) []Entry {
	if len(history) <= 1 {
		return nil
	}
	candidates := history[:len(history)-1] // oldest-first, newest excluded (protected)

	beyondKeep := candidates
	if keep > 0 {
		if len(candidates) <= keep {
			beyondKeep = nil
		} else {
			beyondKeep = candidates[:len(candidates)-keep]
		}
	}

	marked := map[string]Entry{}
	for _, e := range beyondKeep {
		marked[e.ReleaseID] = e
	}
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		for _, e := range candidates {
			t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err == nil && t.Before(cutoff) {
				marked[e.ReleaseID] = e
			}
		}
	}

	out := make([]Entry, 0, len(marked))
	for _, e := range marked {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
