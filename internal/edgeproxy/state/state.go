// Package state implements the edge proxy's on-disk journal: every
// mutation is serialized to JSON and written via temp-file + fsync +
// rename so a crash mid-write never corrupts the file the daemon reloads
// on restart. Grounded on the teacher's atomic session-store writer
// (google_session_store.go), generalized from os.Rename-only durability
// into an fsync'd rename before return, since this state is load-bearing
// for which hosts get routed and that guarantee is worth the extra syscall.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CertStatus is the lifecycle state of one host's TLS certificate.
type CertStatus string

const (
	CertPending  CertStatus = "pending"
	CertRetrying CertStatus = "retrying"
	CertActive   CertStatus = "active"
	CertFailed   CertStatus = "failed"
)

// Certificate is the persisted record of one host's ACME certificate.
type Certificate struct {
	Status        CertStatus `json:"status"`
	CertPath      string     `json:"cert_path,omitempty"`
	KeyPath       string     `json:"key_path,omitempty"`
	AcquiredAt    string     `json:"acquired_at,omitempty"`
	ExpiresAt     string     `json:"expires_at,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
	NextAttemptAt string     `json:"next_attempt_at,omitempty"`
}

// Route is one app's proxy route within a project.
type Route struct {
	Host            string            `json:"host"`
	Target          string            `json:"target"`
	HealthPath      string            `json:"health_path"`
	SSL             bool              `json:"ssl"`
	SSLRedirect     bool              `json:"ssl_redirect"`
	ResponseTimeout string            `json:"response_timeout,omitempty"`
	ForwardHeaders  bool              `json:"forward_headers"`
	Healthy         bool              `json:"healthy"`
	Certificate     Certificate       `json:"certificate"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Project groups routes belonging to one deployed project.
type Project struct {
	Name  string           `json:"name"`
	Hosts map[string]Route `json:"hosts"`
}

// LetsEncrypt holds the ACME account configuration shared across all
// projects' certificates.
type LetsEncrypt struct {
	DirectoryURL string `json:"directory_url"`
	Email        string `json:"email"`
	AccountKey   string `json:"account_key,omitempty"`
	Staging      bool   `json:"staging"`
}

// Metadata is schema/versioning bookkeeping for the journal file itself.
type Metadata struct {
	SchemaVersion int    `json:"schema_version"`
	UpdatedAt     string `json:"updated_at"`
}

// Document is the full bit-stable layout persisted to state.json.
type Document struct {
	Projects    map[string]Project `json:"projects"`
	LetsEncrypt LetsEncrypt         `json:"lets_encrypt"`
	Metadata    Metadata            `json:"metadata"`
}

const currentSchemaVersion = 1

func empty() Document {
	return Document{
		Projects: map[string]Project{},
		Metadata: Metadata{SchemaVersion: currentSchemaVersion},
	}
}

// Store guards the journal with a single writer / many readers discipline:
// callers take a read-lock snapshot for status queries, and only the
// daemon's own mutation path holds the write lock.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  Document
}

// Open loads the journal at path. A missing file starts a fresh empty
// document; a file that fails to parse is treated the same way, logging a
// corruption warning via the returned bool rather than crashing the daemon.
func Open(path string) (store *Store, corrupted bool, err error) {
	raw, readErr := os.ReadFile(path) // #nosec G304 -- operator-configured state directory.
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return &Store{path: path, doc: empty()}, false, nil
		}
		return nil, false, readErr
	}
	var doc Document
	if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
		return &Store{path: path, doc: empty()}, true, nil
	}
	if doc.Projects == nil {
		doc.Projects = map[string]Project{}
	}
	return &Store{path: path, doc: doc}, false, nil
}

// Snapshot returns a read-locked copy of the current document for
// status/list queries.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDocument(s.doc)
}

// Mutate applies fn to the document under the write lock and persists the
// result atomically before returning, so a route is never observable to the
// forwarding path until its persist completes.
func (s *Store) Mutate(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := cloneDocument(s.doc)
	fn(&working)
	working.Metadata.SchemaVersion = currentSchemaVersion
	working.Metadata.UpdatedAt = nowString()
	if err := persist(s.path, working); err != nil {
		return fmt.Errorf("persist state journal: %w", err)
	}
	s.doc = working
	return nil
}

func persist(path string, doc Document) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func cloneDocument(in Document) Document {
	out := Document{
		Projects:    make(map[string]Project, len(in.Projects)),
		LetsEncrypt: in.LetsEncrypt,
		Metadata:    in.Metadata,
	}
	for name, p := range in.Projects {
		hosts := make(map[string]Route, len(p.Hosts))
		for h, r := range p.Hosts {
			hosts[h] = r
		}
		out.Projects[name] = Project{Name: p.Name, Hosts: hosts}
	}
	return out
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}
