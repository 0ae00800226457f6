package acme

import (
	"crypto/tls"
	"sync"

	"github.com/fleetedge/fleetedge/internal/edgeproxy/state"
)

// Cache loads and caches parsed TLS certificates for active routes, keyed by
// host, so the TLS listener's GetCertificate hook never reparses PEM files
// on every handshake. It implements router.CertificateSource.
type Cache struct {
	store *state.Store

	mu    sync.Mutex
	byKey map[string]cacheEntry
}

type cacheEntry struct {
	certPath string
	keyPath  string
	cert     tls.Certificate
}

func NewCache(store *state.Store) *Cache {
	return &Cache{store: store, byKey: map[string]cacheEntry{}}
}

// CertificateFor returns the active certificate for host, reloading it from
// disk if the persisted cert/key paths changed since the last load.
func (c *Cache) CertificateFor(host string) (*tls.Certificate, bool) {
	_, route, ok := c.store.Snapshot().Lookup(host)
	if !ok || route.Certificate.Status != state.CertActive {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, cached := c.byKey[host]; cached && entry.certPath == route.Certificate.CertPath && entry.keyPath == route.Certificate.KeyPath {
		return &entry.cert, true
	}

	cert, err := LoadTLSCertificate(route.Certificate.CertPath, route.Certificate.KeyPath)
	if err != nil {
		return nil, false
	}
	c.byKey[host] = cacheEntry{certPath: route.Certificate.CertPath, keyPath: route.Certificate.KeyPath, cert: cert}
	return &cert, true
}
