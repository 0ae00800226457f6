// Package acme runs the certificate retry queue: a single worker that pops
// the head of the queue, attempts an ACME HTTP-01 order, and either
// activates the certificate or reschedules it with exponential backoff.
// Grounded on the session package's backoff.Retry usage, generalized from a
// bounded reconnect loop into a persistent, capped retry queue whose state
// is durable across restarts via the state journal.
package acme

import (
	"container/list"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme"

	"github.com/fleetedge/fleetedge/internal/edgeproxy/state"
	"github.com/fleetedge/fleetedge/internal/engine/errs"
)

// backoffSchedule mirrors the capped exponential backoff the certificate
// retry queue uses: 1m, 5m, 30m, 2h, 24h, then holds at 24h until the
// attempt cap marks the host failed.
var backoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

const maxAttempts = 10

func backoffFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// ChallengeResponder lets the HTTP listener answer ACME HTTP-01 challenges
// the worker is currently serving.
type ChallengeResponder interface {
	ServeChallenge(token, keyAuth string)
	ClearChallenge(token string)
}

// entry is one queued (project, host) awaiting a certificate.
type entry struct {
	project       string
	host          string
	attempts      int
	nextAttemptAt time.Time
}

// Worker is the single ACME worker described by the spec: one goroutine
// processes the queue serially so the retry queue has exactly one writer.
type Worker struct {
	Store        *state.Store
	Client       *acme.Client
	Responder    ChallengeResponder
	CertDir      string
	Log          *logrus.Entry
	PollInterval time.Duration

	mu    sync.Mutex
	queue *list.List // of *entry
}

// NewClient builds an ACME client against directoryURL, loading the account
// key persisted in the state journal's LetsEncrypt.AccountKey field if one
// exists, or generating one and persisting it otherwise. Reusing the same
// account key across restarts avoids re-registering a new ACME account
// every time the proxy container is recreated, which otherwise risks the
// directory's new-account rate limit.
func NewClient(directoryURL string, store *state.Store) (*acme.Client, error) {
	key, err := loadOrCreateAccountKey(store)
	if err != nil {
		return nil, err
	}
	return &acme.Client{DirectoryURL: directoryURL, Key: key}, nil
}

func loadOrCreateAccountKey(store *state.Store) (*ecdsa.PrivateKey, error) {
	if encoded := store.Snapshot().LetsEncrypt.AccountKey; encoded != "" {
		key, err := decodeAccountKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode persisted acme account key: %w", err)
		}
		return key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate acme account key: %w", err)
	}
	encoded, err := encodeAccountKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode acme account key: %w", err)
	}
	if err := store.Mutate(func(doc *state.Document) {
		doc.LetsEncrypt.AccountKey = encoded
	}); err != nil {
		return nil, fmt.Errorf("persist acme account key: %w", err)
	}
	return key, nil
}

func encodeAccountKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

func decodeAccountKey(encoded string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func NewWorker(store *state.Store, client *acme.Client, responder ChallengeResponder, certDir string, log *logrus.Entry) *Worker {
	return &Worker{
		Store:        store,
		Client:       client,
		Responder:    responder,
		CertDir:      certDir,
		Log:          log,
		PollInterval: 5 * time.Second,
		queue:        list.New(),
	}
}

// Enqueue adds (project, host) to the tail of the retry queue with
// attempts=0, as happens on route creation with SSL enabled and no active
// certificate.
func (w *Worker) Enqueue(project, host string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for e := w.queue.Front(); e != nil; e = e.Next() {
		if ent := e.Value.(*entry); ent.host == host {
			return // already queued
		}
	}
	w.queue.PushBack(&entry{project: project, host: host})
}

// Run processes the queue until ctx is cancelled. Only one Run call may be
// active at a time; it is the queue's single writer.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processHead(ctx)
		}
	}
}

func (w *Worker) processHead(ctx context.Context) {
	w.mu.Lock()
	front := w.queue.Front()
	if front == nil {
		w.mu.Unlock()
		return
	}
	ent := front.Value.(*entry)
	if time.Now().Before(ent.nextAttemptAt) {
		w.mu.Unlock()
		return
	}
	w.queue.Remove(front)
	w.mu.Unlock()

	if err := w.attempt(ctx, ent); err != nil {
		ent.attempts++
		if ent.attempts >= maxAttempts {
			w.markFailed(ent)
			w.Log.WithField("host", ent.host).WithError(err).Error("certificate acquisition failed permanently")
			return
		}
		ent.nextAttemptAt = time.Now().Add(backoffFor(ent.attempts))
		w.markRetrying(ent)
		w.Log.WithField("host", ent.host).WithField("attempts", ent.attempts).WithError(err).Warn("certificate attempt failed, requeued")
		w.mu.Lock()
		w.queue.PushBack(ent)
		w.mu.Unlock()
	}
}

// attempt runs one ACME HTTP-01 order end to end.
func (w *Worker) attempt(ctx context.Context, ent *entry) error {
	if _, err := w.Client.Register(ctx, &acme.Account{}, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return errs.New(errs.KindAcmeFailed, "register", "", ent.host, "verify the ACME directory URL and network access", err)
	}

	authz, err := w.Client.Authorize(ctx, ent.host)
	if err != nil {
		return errs.New(errs.KindAcmeFailed, "authorize", "", ent.host, "verify DNS for this host resolves to this proxy", err)
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return errs.New(errs.KindAcmeFailed, "no_http01_challenge", "", ent.host, "the ACME directory did not offer an http-01 challenge", fmt.Errorf("no http-01 challenge offered"))
	}

	keyAuth, err := w.Client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return errs.New(errs.KindAcmeFailed, "challenge_response", "", ent.host, "", err)
	}
	w.Responder.ServeChallenge(chal.Token, keyAuth)
	defer w.Responder.ClearChallenge(chal.Token)

	if _, err := w.Client.Accept(ctx, chal); err != nil {
		return errs.New(errs.KindAcmeFailed, "accept_challenge", "", ent.host, "verify port 80 is reachable from the ACME directory", err)
	}
	if _, err := w.Client.WaitAuthorization(ctx, authz.URI); err != nil {
		return errs.New(errs.KindAcmeFailed, "wait_authorization", "", ent.host, "", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errs.New(errs.KindAcmeFailed, "generate_key", "", ent.host, "", err)
	}
	csr, err := buildCSR(certKey, ent.host)
	if err != nil {
		return errs.New(errs.KindAcmeFailed, "build_csr", "", ent.host, "", err)
	}
	der, _, err := w.Client.CreateCert(ctx, csr, 0, true)
	if err != nil {
		return errs.New(errs.KindAcmeFailed, "create_cert", "", ent.host, "", err)
	}

	certPath, keyPath, err := writeCertKey(w.CertDir, ent.host, der, certKey)
	if err != nil {
		return errs.New(errs.KindAcmeFailed, "persist_cert", "", ent.host, "", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(90 * 24 * time.Hour)
	return w.Store.Mutate(func(doc *state.Document) {
		proj, ok := doc.Projects[ent.project]
		if !ok {
			return
		}
		route := proj.Hosts[ent.host]
		route.Certificate = state.Certificate{
			Status:     state.CertActive,
			CertPath:   certPath,
			KeyPath:    keyPath,
			AcquiredAt: now.Format(time.RFC3339),
			ExpiresAt:  expiresAt.Format(time.RFC3339),
		}
		proj.Hosts[ent.host] = route
		doc.Projects[ent.project] = proj
	})
}

func (w *Worker) markRetrying(ent *entry) {
	_ = w.Store.Mutate(func(doc *state.Document) {
		proj, ok := doc.Projects[ent.project]
		if !ok {
			return
		}
		route := proj.Hosts[ent.host]
		route.Certificate.Status = state.CertRetrying
		route.Certificate.Attempts = ent.attempts
		route.Certificate.NextAttemptAt = ent.nextAttemptAt.Format(time.RFC3339)
		proj.Hosts[ent.host] = route
		doc.Projects[ent.project] = proj
	})
}

func (w *Worker) markFailed(ent *entry) {
	_ = w.Store.Mutate(func(doc *state.Document) {
		proj, ok := doc.Projects[ent.project]
		if !ok {
			return
		}
		route := proj.Hosts[ent.host]
		route.Certificate.Status = state.CertFailed
		route.Certificate.Attempts = ent.attempts
		proj.Hosts[ent.host] = route
		doc.Projects[ent.project] = proj
	})
}

// ScanForRenewal re-enqueues any active certificate within 30 days of
// expiry; intended to be called from a background timer.
func (w *Worker) ScanForRenewal() {
	doc := w.Store.Snapshot()
	for name, p := range doc.Projects {
		for host, route := range p.Hosts {
			if route.Certificate.Status != state.CertActive {
				continue
			}
			expiresAt, err := time.Parse(time.RFC3339, route.Certificate.ExpiresAt)
			if err != nil {
				continue
			}
			if time.Until(expiresAt) < 30*24*time.Hour {
				w.Enqueue(name, host)
			}
		}
	}
}

func buildCSR(key *ecdsa.PrivateKey, host string) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: host},
		DNSNames: []string{host},
	}
	return x509.CreateCertificateRequest(rand.Reader, template, key)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeCertKey(dir, host string, certDER [][]byte, key *ecdsa.PrivateKey) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, host+".crt")
	keyPath = filepath.Join(dir, host+".key")

	certOut, err := encodeCertPEM(certDER)
	if err != nil {
		return "", "", err
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", err
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	if err := writeFileAtomic(certPath, certOut); err != nil {
		return "", "", err
	}
	if err := writeFileAtomic(keyPath, keyOut); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

func encodeCertPEM(der [][]byte) ([]byte, error) {
	var out []byte
	for _, block := range der {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block})...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	return out, nil
}

// LoadTLSCertificate reads a persisted cert/key pair for serving.
func LoadTLSCertificate(certPath, keyPath string) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(certPath, keyPath)
}

// NewQueueEntryID mints an identifier for queue/debug logging.
func NewQueueEntryID() string { return uuid.NewString() }
