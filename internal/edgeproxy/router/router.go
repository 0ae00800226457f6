// Package router implements the edge proxy's request path: read SNI or
// Host, look the hostname up across all projects, terminate TLS if an
// active certificate exists, and forward to the route's target. Grounded
// on the teacher's alert-ingress TLS helper (paas_alert_ingress_tls.go)
// generalized from a single static listener into the full
// SNI-routed/ACME-challenge-aware reverse proxy the edge daemon runs.
package router

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetedge/fleetedge/internal/edgeproxy/state"
)

// CertificateSource resolves a hostname to its currently active TLS
// certificate, if any.
type CertificateSource interface {
	CertificateFor(host string) (*tls.Certificate, bool)
}

// Router owns the :80 and :443 listeners.
type Router struct {
	Store   *state.Store
	Certs   CertificateSource
	Log     *logrus.Entry
	Workers int // bounded upstream-forwarding worker pool size

	mu         sync.RWMutex
	challenges map[string]string // token -> key authorization, for ACME HTTP-01

	semOnce sync.Once
	sem     chan struct{} // bounds concurrent forward() calls to Workers
}

func New(store *state.Store, certs CertificateSource, log *logrus.Entry) *Router {
	return &Router{Store: store, Certs: certs, Log: log, Workers: 64, challenges: map[string]string{}}
}

// forwardSem lazily sizes the bounded worker pool from Workers, so a caller
// setting Workers right after New still gets the requested bound.
func (r *Router) forwardSem() chan struct{} {
	r.semOnce.Do(func() {
		n := r.Workers
		if n <= 0 {
			n = 64
		}
		r.sem = make(chan struct{}, n)
	})
	return r.sem
}

// ServeChallenge implements acme.ChallengeResponder.
func (r *Router) ServeChallenge(token, keyAuth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[token] = keyAuth
}

func (r *Router) ClearChallenge(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.challenges, token)
}

func (r *Router) challengeResponse(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.challenges[token]
	return v, ok
}

// HTTPHandler answers ACME HTTP-01 challenges on :80 and otherwise either
// 308-redirects to HTTPS (when the route requests ssl_redirect) or forwards
// in the clear.
func (r *Router) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(req.URL.Path, "/.well-known/acme-challenge/") {
			token := strings.TrimPrefix(req.URL.Path, "/.well-known/acme-challenge/")
			if keyAuth, ok := r.challengeResponse(token); ok {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte(keyAuth))
				return
			}
			http.NotFound(w, req)
			return
		}

		host := hostOnly(req.Host)
		_, route, ok := r.Store.Snapshot().Lookup(host)
		if !ok {
			r.Log.WithField("host", host).Warn("domain not configured")
			http.NotFound(w, req)
			return
		}
		if route.SSLRedirect {
			target := "https://" + host + req.URL.RequestURI()
			http.Redirect(w, req, target, http.StatusPermanentRedirect)
			return
		}
		r.forward(w, req, route)
	})
}

// TLSConfig returns the tls.Config the :443 listener uses, resolving the
// certificate per-SNI via GetCertificate.
func (r *Router) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hostOnly(hello.ServerName)
			cert, ok := r.Certs.CertificateFor(host)
			if !ok {
				return nil, fmt.Errorf("no active certificate for %q", host)
			}
			return cert, nil
		},
		MinVersion: tls.VersionTLS12,
	}
}

// HTTPSHandler forwards requests already TLS-terminated by the listener.
func (r *Router) HTTPSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		host := hostOnly(req.Host)
		_, route, ok := r.Store.Snapshot().Lookup(host)
		if !ok {
			http.NotFound(w, req)
			return
		}
		r.forward(w, req, route)
	})
}

func (r *Router) forward(w http.ResponseWriter, req *http.Request, route state.Route) {
	sem := r.forwardSem()
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-req.Context().Done():
		http.Error(w, "request cancelled while waiting for an upstream worker", http.StatusServiceUnavailable)
		return
	}

	target, err := url.Parse("http://" + route.Target)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	timeout := parseTimeout(route.ResponseTimeout, 30*time.Second)

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
	}
	if route.ForwardHeaders {
		originalDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			originalDirector(req)
			req.Header.Set("X-Forwarded-For", clientIP(req))
			req.Header.Set("X-Forwarded-Proto", schemeOf(req))
			req.Header.Set("X-Forwarded-Host", req.Host)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		r.Log.WithField("target", route.Target).WithError(err).Warn("upstream forward failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	proxy.ServeHTTP(w, req.WithContext(ctx))
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func schemeOf(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func parseTimeout(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
