// Command edge-proxy is the managed container the core deploys as the
// fleet's edge: an ACME-aware SNI router when run with no arguments (or
// "serve"), and the CLI surface C8 programs via exec_in for every other
// verb. Grounded on the teacher's thin main.go dispatcher (tools/si/main.go),
// kept flat in the same style.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetedge/fleetedge/internal/edgeproxy/acme"
	"github.com/fleetedge/fleetedge/internal/edgeproxy/cli"
	"github.com/fleetedge/fleetedge/internal/edgeproxy/router"
	"github.com/fleetedge/fleetedge/internal/edgeproxy/state"
)

func statePath() string {
	if v := os.Getenv("FLEETEDGE_STATE_DIR"); v != "" {
		return v + "/state.json"
	}
	return "/var/lib/fleetedge/state/state.json"
}

func certDir() string {
	if v := os.Getenv("FLEETEDGE_CERT_DIR"); v != "" {
		return v
	}
	return "/var/lib/fleetedge/certs"
}

func directoryURL() string {
	if v := os.Getenv("FLEETEDGE_ACME_DIRECTORY_URL"); v != "" {
		return v
	}
	return "https://acme-v02.api.letsencrypt.org/directory"
}

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	store, corrupted, err := state.Open(statePath())
	if err != nil {
		log.WithError(err).Fatal("failed to open state journal")
	}
	if corrupted {
		log.Warn("state journal failed to parse, starting from an empty state")
	}

	if len(os.Args) > 1 && os.Args[1] != "serve" {
		acmeWorker := acme.NewWorker(store, nil, nil, certDir(), log)
		if err := cli.Dispatch(os.Args[1:], cli.Deps{Store: store, Acme: acmeWorker, Out: os.Stdout}); err != nil {
			logrus.WithError(err).Error("command failed")
			os.Exit(1)
		}
		return
	}

	runDaemon(store, log)
}

func runDaemon(store *state.Store, log *logrus.Entry) {
	client, err := acme.NewClient(directoryURL(), store)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize acme client")
	}

	r := router.New(store, nil, log)
	worker := acme.NewWorker(store, client, r, certDir(), log)
	for _, p := range store.Snapshot().PendingCertificates() {
		worker.Enqueue(p.Project, p.Route.Host)
	}
	certCache := acme.NewCache(store)
	r.Certs = certCache

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)
	go renewalLoop(ctx, worker)

	httpServer := &http.Server{Addr: ":80", Handler: r.HTTPHandler()}
	httpsServer := &http.Server{
		Addr:      ":443",
		Handler:   r.HTTPSHandler(),
		TLSConfig: r.TLSConfig(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http listener stopped")
		}
	}()
	go func() {
		ln, err := net.Listen("tcp", httpsServer.Addr)
		if err != nil {
			log.WithError(err).Fatal("failed to bind :443")
		}
		if err := httpsServer.ServeTLS(ln, "", ""); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("https listener stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = httpsServer.Shutdown(shutdownCtx)
}

func renewalLoop(ctx context.Context, worker *acme.Worker) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worker.ScanForRenewal()
		}
	}
}
