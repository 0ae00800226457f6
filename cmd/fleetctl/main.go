// Command fleetctl is the operator-facing CLI: it loads a project's config
// file, builds an Orchestrator, and drives setup/deploy/status/proxy
// against the project's declared hosts. Grounded on the pack's cobra-driven
// deploy CLIs (cuemby-warren's cmd/warren/main.go: a root command with
// PersistentFlags for global options and one subcommand tree per concern),
// kept in the teacher's own flat, human-readable-output style rather than
// routing every line through the structured logger.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fleetedge/fleetedge/internal/cliutil"
	"github.com/fleetedge/fleetedge/internal/engine/events"
	"github.com/fleetedge/fleetedge/internal/engine/imagepipeline"
	"github.com/fleetedge/fleetedge/internal/engine/orchestrator"
	"github.com/fleetedge/fleetedge/internal/engine/proxyctl"
	"github.com/fleetedge/fleetedge/internal/engine/session"
	"github.com/fleetedge/fleetedge/internal/engine/store"
)

var (
	configPath     string
	secretsPath    string
	identityPath   string
	knownHostsPath string
	skipHostCheck  bool
	force          bool
	onlyServices   bool
	logLevel       string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		cliutil.Fail("%v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Declarative, agentless deploys for a small fleet of Linux hosts",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "fleetedge.yaml", "path to the project config file")
	rootCmd.PersistentFlags().StringVar(&secretsPath, "secrets", "", "path to a KEY: value secrets file")
	rootCmd.PersistentFlags().StringVar(&identityPath, "identity", os.Getenv("HOME")+"/.ssh/id_ed25519", "SSH identity file used to reach every host")
	rootCmd.PersistentFlags().StringVar(&knownHostsPath, "known-hosts", "", "known_hosts file (defaults to ~/.ssh/known_hosts)")
	rootCmd.PersistentFlags().BoolVar(&skipHostCheck, "insecure-skip-host-key-check", false, "skip SSH host key verification (first-connect only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd, setupCmd, deployCmd, statusCmd, proxyCmd, doctorCmd, pruneCmd)
}

func initLogging() {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter project config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		if err := os.WriteFile(configPath, []byte(starterConfig), 0o644); err != nil {
			return err
		}
		cliutil.OK("wrote %s", configPath)
		return nil
	},
}

const starterConfig = `name: example
ssh:
  username: deploy
  port: 22
docker:
  registry: ""
  username: ""
apps:
  web:
    host: 203.0.113.10
    build:
      context: .
    proxy_hosts: ["web.example.com"]
    proxy_app_port: 8080
    health_path: /up
    replicas: 1
services:
  postgres:
    host: 203.0.113.10
    image: postgres:16
    volumes: ["postgres-data:/var/lib/postgresql/data"]
`

func buildOrchestrator() (*orchestrator.Orchestrator, error) {
	project, err := cliutil.LoadProject(configPath)
	if err != nil {
		return nil, err
	}
	secrets, err := cliutil.LoadSecrets(secretsPath)
	if err != nil {
		return nil, err
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	orch := orchestrator.New(project, log)
	orch.Secrets = secrets
	orch.Auth = orchestrator.SSHAuth{
		Method:           session.AuthIdentityFile,
		IdentityPath:     identityPath,
		SkipHostKeyCheck: skipHostCheck,
		KnownHostsPath:   knownHostsPath,
	}
	orch.RegistryCreds = imagepipeline.Credentials{
		Username: project.Registry.Username,
		Password: secrets["REGISTRY_PASSWORD"],
	}
	orch.ProxyCfg = proxyctl.Config{
		Image:     envOr("FLEETEDGE_PROXY_IMAGE", "fleetedge/edge-proxy:latest"),
		CertsDir:  "/var/lib/fleetedge/certs",
		StateDir:  "/var/lib/fleetedge/state",
		BackupDir: "/var/lib/fleetedge/backup",
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	orch.WorkspaceDir = wd

	eventsDir := filepath.Join(".fleetedge", project.Name, "events")
	orch.Events = events.New(eventsDir)
	orch.Releases = store.New(filepath.Join(".fleetedge", project.Name, "releases"))

	return orch, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printSummary(summary *orchestrator.Summary) error {
	for _, o := range summary.Outcomes {
		if o.Err != nil {
			cliutil.Fail("%s/%s: %v", o.Host, o.Workload, o.Err)
			continue
		}
		if o.Action == "skipped" {
			cliutil.Dim("%s/%s up to date (%s)", o.Host, o.Workload, o.Decision.Reason)
			continue
		}
		cliutil.OK("%s/%s: %s (%s)", o.Host, o.Workload, o.Action, o.Decision.Reason)
	}
	for _, f := range summary.Failures {
		cliutil.Fail("host %s: %v", f.Host, f.Err)
	}
	if summary.Failed() {
		return fmt.Errorf("one or more hosts failed")
	}
	return nil
}

var setupCmd = &cobra.Command{
	Use:   "setup [hosts...]",
	Short: "Prepare hosts: runtime check, project network, edge proxy, pinned services",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		summary, err := orch.Setup(ctx, args)
		if err != nil {
			return err
		}
		return printSummary(summary)
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy [workloads...]",
	Short: "Deploy apps (or services with --services) whose fingerprint has changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		summary, err := orch.Deploy(ctx, args, orchestrator.DeployOptions{Services: onlyServices, Force: force})
		if err != nil {
			return err
		}
		return printSummary(summary)
	},
}

func init() {
	deployCmd.Flags().BoolVar(&force, "force", false, "deploy even with uncommitted workspace changes")
	deployCmd.Flags().BoolVar(&onlyServices, "services", false, "target services instead of apps")
}

var statusEventCount int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the edge proxy's current route state on every host, and recent deploy events",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		statuses, err := orch.ProxyStatus(ctx, args)
		if err != nil {
			return err
		}
		for host, out := range statuses {
			fmt.Printf("== %s ==\n%s\n", host, out)
		}
		if statusEventCount > 0 {
			if err := printRecentEvents(orch, statusEventCount); err != nil {
				cliutil.Warn("could not read deploy events: %v", err)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusEventCount, "events", 0, "also print the last N deploy events for each workload")
}

// printRecentEvents replays the last n deploy-event log entries per
// workload, grouped by workload name.
func printRecentEvents(orch *orchestrator.Orchestrator, n int) error {
	path := filepath.Join(orch.Events.Dir, "deployments.jsonl")
	records, err := events.Tail[events.Record](path, 0)
	if err != nil {
		return err
	}
	byWorkload := map[string][]events.Record{}
	for _, r := range records {
		name := r.Fields["workload"]
		byWorkload[name] = append(byWorkload[name], r)
	}
	for name, recs := range byWorkload {
		if len(recs) > n {
			recs = recs[len(recs)-n:]
		}
		fmt.Printf("-- %s --\n", name)
		for _, r := range recs {
			if r.ErrorMessage != "" {
				cliutil.Dim("%s %s %s: %s", r.Timestamp, r.Command, r.Status, r.ErrorMessage)
				continue
			}
			cliutil.Dim("%s %s %s", r.Timestamp, r.Command, r.Status)
		}
	}
	return nil
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage the edge proxy",
}

var proxyUpdateCmd = &cobra.Command{
	Use:   "update [hosts...]",
	Short: "Roll the edge-proxy image on every host",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		summary, err := orch.ProxyUpdate(ctx, args)
		if err != nil {
			return err
		}
		for _, f := range summary.Failures {
			cliutil.Fail("host %s: %v", f.Host, f.Err)
		}
		if len(summary.Failures) > 0 {
			return fmt.Errorf("one or more hosts failed to update")
		}
		cliutil.OK("edge proxy updated")
		return nil
	},
}

func init() {
	proxyCmd.AddCommand(proxyUpdateCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor [hosts...]",
	Short: "Preflight-check SSH reachability, runtime presence, and disk space on every host",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()
		workloads, err := orch.Project.Workloads()
		if err != nil {
			return err
		}
		hosts := args
		if len(hosts) == 0 {
			seen := map[string]bool{}
			for _, w := range workloads {
				h := ""
				if w.IsApp() {
					h = w.App.Host
				} else {
					h = w.Svc.Host
				}
				if h != "" && !seen[h] {
					seen[h] = true
					hosts = append(hosts, h)
				}
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		failed := false
		for _, host := range hosts {
			result := orch.Check(ctx, host)
			if result.Status == "ok" {
				cliutil.OK("%s: runtime %s, %d KB free", host, result.RuntimeVer, result.DiskFreeKB)
			} else {
				failed = true
				cliutil.Fail("%s: %s", host, result.Error)
			}
		}
		if failed {
			return fmt.Errorf("one or more hosts failed preflight")
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Report releases beyond the newest five or older than 30 days (nothing is deleted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := cliutil.LoadProject(configPath)
		if err != nil {
			return err
		}
		ledger := store.New(filepath.Join(".fleetedge", project.Name, "releases"))
		workloads, err := project.Workloads()
		if err != nil {
			return err
		}
		for _, w := range workloads {
			host := ""
			if w.IsApp() {
				host = w.App.Host
			} else {
				host = w.Svc.Host
			}
			history, err := ledger.History(host, w.Name)
			if err != nil {
				cliutil.Fail("%s/%s: %v", host, w.Name, err)
				continue
			}
			prunable := store.Prunable(history, 5, 30*24*time.Hour)
			if len(prunable) == 0 {
				continue
			}
			cliutil.Warn("%s/%s: %d release(s) eligible for pruning", host, w.Name, len(prunable))
			for _, e := range prunable {
				cliutil.Dim("%s (%s)", e.ReleaseID, e.Timestamp)
			}
		}
		return nil
	},
}
