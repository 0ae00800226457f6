// Package orchestrator is the top-level driver: it fans work out across a
// project's hosts, decides per workload whether a redeploy is needed, and
// aggregates per-host failures without ever aborting the whole run for one
// host's problem. Grounded on the teacher's own command dispatch style
// (tools/si/main.go's flat verb routing) generalized from a single-process
// CLI invocation into a driver that owns one session per host and fans
// per-host work out concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/fleetedge/fleetedge/internal/engine/appdeploy"
	"github.com/fleetedge/fleetedge/internal/engine/config"
	"github.com/fleetedge/fleetedge/internal/engine/errs"
	"github.com/fleetedge/fleetedge/internal/engine/events"
	"github.com/fleetedge/fleetedge/internal/engine/fingerprint"
	"github.com/fleetedge/fleetedge/internal/engine/imagepipeline"
	"github.com/fleetedge/fleetedge/internal/engine/labels"
	"github.com/fleetedge/fleetedge/internal/engine/planner"
	"github.com/fleetedge/fleetedge/internal/engine/proxyctl"
	"github.com/fleetedge/fleetedge/internal/engine/runtime"
	"github.com/fleetedge/fleetedge/internal/engine/servicedeploy"
	"github.com/fleetedge/fleetedge/internal/engine/session"
	"github.com/fleetedge/fleetedge/internal/engine/store"
)

// Executor is the minimal surface orchestrator helpers need from either a
// remote host session or the local machine executor.
type Executor interface {
	Exec(ctx context.Context, argv []string) (string, error)
}

// fullExecutor additionally supports piping stdin, required by the image
// pipeline's registry-login step.
type fullExecutor interface {
	Executor
	ExecWithStdin(ctx context.Context, argv []string, stdin []byte) (string, error)
}

// SSHAuth carries the single auth method the orchestrator uses to open every
// host session, per the spec's "one of: identity path, password, agent".
type SSHAuth struct {
	Method           session.AuthMethod
	IdentityPath     string
	Password         string
	SkipHostKeyCheck bool
	KnownHostsPath   string
}

// Orchestrator owns one session per host and drives setup/deploy/proxy
// operations across a project.
type Orchestrator struct {
	Project       *config.Project
	Adapter       *runtime.Adapter
	Auth          SSHAuth
	Local         fullExecutor
	Secrets       fingerprint.Secrets
	RegistryCreds imagepipeline.Credentials
	ProxyCfg      proxyctl.Config
	Events        *events.Log
	Releases      *store.Ledger
	WorkspaceDir  string
	Log           *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(project *config.Project, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		Project:  project,
		Adapter:  runtime.New(),
		Local:    LocalExecutor{},
		Log:      log,
		sessions: map[string]*session.Session{},
	}
}

// sessionFor lazily dials (or returns the cached) session for host.
func (o *Orchestrator) sessionFor(host string) *session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[host]; ok {
		return s
	}
	redact := []string{o.Auth.Password, o.RegistryCreds.Password}
	s := session.New(session.Options{
		Host:             host,
		User:             o.Project.SSH.Username,
		Port:             o.Project.SSH.Port,
		Auth:             o.Auth.Method,
		IdentityPath:     o.Auth.IdentityPath,
		Password:         o.Auth.Password,
		SkipHostKeyCheck: o.Auth.SkipHostKeyCheck,
		KnownHostsPath:   o.Auth.KnownHostsPath,
		RedactList:       redact,
	}, o.Log)
	o.sessions[host] = s
	return s
}

// Close tears down every open host session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.sessions {
		_ = s.Close()
	}
}

// hosts returns the distinct hosts declared by the project's workloads,
// filtered to names if non-empty.
func (o *Orchestrator) hosts(workloads []config.Workload, names []string) []string {
	var all []string
	for _, w := range workloads {
		h := hostOf(w)
		if h != "" && !lo.Contains(all, h) {
			all = append(all, h)
		}
	}
	if len(names) == 0 {
		return all
	}
	return lo.Filter(all, func(h string, _ int) bool { return lo.Contains(names, h) })
}

func hostOf(w config.Workload) string {
	if w.IsApp() {
		return w.App.Host
	}
	return w.Svc.Host
}

// HostError pairs a host with the failure that stopped work on it.
type HostError struct {
	Host string
	Err  error
}

// WorkloadOutcome reports what happened to one workload during a deploy.
type WorkloadOutcome struct {
	Host     string
	Workload string
	Decision planner.Decision
	Action   string
	Err      error
}

// Summary aggregates a whole setup/deploy run.
type Summary struct {
	Outcomes []WorkloadOutcome
	Failures []HostError
}

func (s *Summary) Failed() bool { return len(s.Failures) > 0 || lo.SomeBy(s.Outcomes, func(o WorkloadOutcome) bool { return o.Err != nil }) }

// Setup prepares every targeted host: connects, ensures the container
// runtime is reachable, ensures the project network and edge proxy exist,
// and materializes every pinned service. Hosts run in parallel; per-host
// failures are collected rather than aborting the whole run.
func (o *Orchestrator) Setup(ctx context.Context, hostNames []string) (*Summary, error) {
	workloads, err := o.Project.Workloads()
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "load_config", "", "", "fix the configuration file and retry", err)
	}
	targets := o.hosts(workloads, hostNames)

	summary := &Summary{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, host := range targets {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			outcomes, err := o.setupHost(ctx, host, workloads)
			mu.Lock()
			defer mu.Unlock()
			summary.Outcomes = append(summary.Outcomes, outcomes...)
			if err != nil {
				summary.Failures = append(summary.Failures, HostError{Host: host, Err: err})
			}
		}(host)
	}
	wg.Wait()
	return summary, nil
}

func (o *Orchestrator) setupHost(ctx context.Context, host string, workloads []config.Workload) ([]WorkloadOutcome, error) {
	log := o.Log.WithField("host", host)
	sess := o.sessionFor(host)

	if _, err := sess.Exec(ctx, o.Adapter.VersionProbe()); err != nil {
		return nil, errs.New(errs.KindPreconditionMissing, "runtime_check", host, "", "install or start the container runtime on this host", err)
	}

	network := o.Project.ProjectNetwork()
	if _, err := sess.Exec(ctx, o.Adapter.NetworkEnsure(network)); err != nil {
		log.WithError(err).Debug("network create returned an error, assuming already exists")
	}

	proxy := proxyctl.New(o.Adapter, sess, o.ProxyCfg, log)
	if err := proxy.EnsureInstalled(ctx, []string{network}); err != nil {
		return nil, err
	}

	var outcomes []WorkloadOutcome
	for _, w := range workloads {
		if !w.IsService() || hostOf(w) != host {
			continue
		}
		outcome := o.deployOne(ctx, host, sess, w)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// DeployOptions configures a Deploy call.
type DeployOptions struct {
	Services bool
	Force    bool
}

// Deploy computes each targeted workload's desired fingerprint, plans
// whether it needs a redeploy, and executes the appropriate deployer.
// Per-host work is sequential; hosts run in parallel.
func (o *Orchestrator) Deploy(ctx context.Context, names []string, opts DeployOptions) (*Summary, error) {
	if err := checkSafetyGate(o.WorkspaceDir, opts.Force); err != nil {
		return nil, err
	}

	workloads, err := o.Project.Workloads()
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "load_config", "", "", "fix the configuration file and retry", err)
	}

	selected := lo.Filter(workloads, func(w config.Workload, _ int) bool {
		if opts.Services != w.IsService() {
			return false
		}
		return len(names) == 0 || lo.Contains(names, w.Name)
	})

	byHost := lo.GroupBy(selected, hostOf)

	summary := &Summary{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for host, hostWorkloads := range byHost {
		wg.Add(1)
		go func(host string, hostWorkloads []config.Workload) {
			defer wg.Done()
			outcomes, err := o.deployHost(ctx, host, hostWorkloads)
			mu.Lock()
			defer mu.Unlock()
			summary.Outcomes = append(summary.Outcomes, outcomes...)
			if err != nil {
				summary.Failures = append(summary.Failures, HostError{Host: host, Err: err})
			}
		}(host, hostWorkloads)
	}
	wg.Wait()
	return summary, nil
}

// deployHost verifies preconditions once, then deploys every workload
// destined for this host in order, through the one session serializing all
// runtime calls.
func (o *Orchestrator) deployHost(ctx context.Context, host string, workloads []config.Workload) ([]WorkloadOutcome, error) {
	sess := o.sessionFor(host)
	if err := o.checkPreconditions(ctx, host, sess); err != nil {
		return nil, err
	}
	outcomes := make([]WorkloadOutcome, 0, len(workloads))
	for _, w := range workloads {
		outcomes = append(outcomes, o.deployOne(ctx, host, sess, w))
	}
	return outcomes, nil
}

// checkPreconditions verifies the project network exists and the edge proxy
// is running before any deploy touches this host, per the spec's "do not
// attempt to self-heal in the middle of deploy" rule.
func (o *Orchestrator) checkPreconditions(ctx context.Context, host string, sess *session.Session) error {
	network := o.Project.ProjectNetwork()
	out, err := sess.Exec(ctx, o.Adapter.NetworkExists(network))
	if err != nil || out == "" {
		return errs.New(errs.KindPreconditionMissing, "network_missing", host, "", "run setup for this host before deploying", err)
	}
	running, err := sess.Exec(ctx, o.Adapter.ContainerRunning(proxyctl.ContainerPrefix))
	if err != nil || running == "" {
		return errs.New(errs.KindPreconditionMissing, "proxy_missing", host, "", "run setup for this host before deploying", err)
	}
	return nil
}

// deployOne computes the fingerprint, plans, and (if warranted) executes a
// single workload's deploy on an already-prepared host.
func (o *Orchestrator) deployOne(ctx context.Context, host string, sess *session.Session, w config.Workload) WorkloadOutcome {
	log := o.Log.WithField("host", host).WithField("workload", w.Name)
	project := o.Project.Name
	network := o.Project.ProjectNetwork()

	currentImageID := o.currentLocalImageID(ctx, w, project)
	desired := fingerprint.Compute(w, o.Secrets, project, currentImageID)

	current := o.currentFingerprint(ctx, host, sess, w)
	decision := planner.Decide(current, desired)
	if !decision.Should {
		log.WithField("reason", decision.Reason).Debug("workload up to date, skipping")
		o.recordEvent(project, "deploy", "skipped", w, decision, nil)
		return WorkloadOutcome{Host: host, Workload: w.Name, Decision: decision, Action: "skipped"}
	}

	pipeline := imagepipeline.New(o.Adapter, log)
	result, err := pipeline.Run(ctx, w, project, o.Local, sess, o.Project.Registry, o.RegistryCreds)
	if err != nil {
		o.recordEvent(project, "deploy", "failed", w, decision, err)
		return WorkloadOutcome{Host: host, Workload: w.Name, Decision: decision, Err: err}
	}

	if w.IsApp() && w.App.Build != nil {
		desired.LocalImageID = o.currentLocalImageID(ctx, w, project)
	}

	env := resolveEnv(commonOf(w), o.Secrets)
	var action string
	if w.IsApp() {
		deployer := appdeploy.New(o.Adapter, sess, proxyctl.NewProber(proxyctl.New(o.Adapter, sess, o.ProxyCfg, log)), log)
		res, err := deployer.Run(ctx, appdeploy.Input{
			Project: project, App: w, ImageRef: result.ImageReference, ReleaseID: result.ReleaseID,
			Fingerprint: desired, Env: env, Network: network,
		})
		if err != nil {
			o.recordEvent(project, "deploy", "failed", w, decision, err)
			return WorkloadOutcome{Host: host, Workload: w.Name, Decision: decision, Err: err}
		}
		action = "deployed:" + res.NewColor
		o.programRoutes(ctx, host, sess, w, network, log)
	} else {
		deployer := servicedeploy.New(o.Adapter, sess, log)
		res, err := deployer.Run(ctx, servicedeploy.Input{
			Project: project, Service: w, ImageRef: result.ImageReference, Fingerprint: desired, Env: env, Network: network,
		})
		if err != nil {
			o.recordEvent(project, "deploy", "failed", w, decision, err)
			return WorkloadOutcome{Host: host, Workload: w.Name, Decision: decision, Err: err}
		}
		action = string(res.Action)
	}

	if o.Releases != nil {
		_ = o.Releases.Append(host, w.Name, result.ReleaseID, result.ImageReference)
	}
	o.recordEvent(project, "deploy", "succeeded", w, decision, nil)
	return WorkloadOutcome{Host: host, Workload: w.Name, Decision: decision, Action: action}
}

// programRoutes pushes this app's proxy hosts to the edge proxy after a
// successful deploy, warning (never failing the deploy) on a programming
// error, per the spec's degraded-routing-not-rollback rule.
func (o *Orchestrator) programRoutes(ctx context.Context, host string, sess *session.Session, w config.Workload, network string, log *logrus.Entry) {
	app := w.App
	if app.ProxyAppPort == 0 || len(app.ProxyHosts) == 0 {
		return
	}
	controller := proxyctl.New(o.Adapter, sess, o.ProxyCfg, log)
	target := fmt.Sprintf("%s:%d", config.ProxyAlias(o.Project.Name, w.Name), app.ProxyAppPort)
	for _, proxyHost := range app.ProxyHosts {
		err := controller.DeployRoute(ctx, proxyctl.RouteSpec{
			Host: proxyHost, Target: target, Project: o.Project.Name, HealthPath: app.HealthPath, SSL: app.SSL,
		})
		if err != nil {
			log.WithField("proxy_host", proxyHost).WithError(err).Warn("proxy programming failed, app is up but routing is degraded")
			if o.Events != nil {
				_, _ = o.Events.Alert(o.Project.Name, "deploy", events.SeverityCritical, proxyHost, "proxy route programming failed", map[string]string{"app": w.Name})
			}
		}
	}
}

// currentFingerprint inspects whatever container(s) currently represent this
// workload on host and reconstructs a fingerprint from their labels, or nil
// if none exist yet (first deployment).
func (o *Orchestrator) currentFingerprint(ctx context.Context, host string, sess *session.Session, w config.Workload) *fingerprint.Fingerprint {
	var candidates []string
	if w.IsApp() {
		suffix := ""
		if w.App.Replicas > 1 {
			suffix = "-1"
		}
		candidates = []string{
			fmt.Sprintf("%s-%s-%s%s", o.Project.Name, w.Name, labels.ColorBlue, suffix),
			fmt.Sprintf("%s-%s-%s%s", o.Project.Name, w.Name, labels.ColorGreen, suffix),
		}
	} else {
		candidates = []string{o.Project.Name + "-" + w.Name}
	}
	for _, name := range candidates {
		exists, err := sess.Exec(ctx, o.Adapter.ContainerExists(name))
		if err != nil || exists == "" {
			continue
		}
		raw, err := sess.Exec(ctx, o.Adapter.Inspect(name))
		if err != nil {
			continue
		}
		inspected, err := runtime.ParseInspect(raw)
		if err != nil {
			continue
		}
		return planner.FromLabels(inspected.Labels, inspected.ImageID)
	}
	return nil
}

// currentLocalImageID queries the operator machine for the content ID of a
// Built workload's "latest" tag, or "" if it has never been built here (or
// the workload is External, which has no local image at all).
func (o *Orchestrator) currentLocalImageID(ctx context.Context, w config.Workload, project string) string {
	if commonOf(w).Build == nil {
		return ""
	}
	repo := fmt.Sprintf("%s-%s", project, w.Name)
	if reg := o.Project.Registry.Registry; reg != "" {
		repo = fmt.Sprintf("%s/%s", strings.TrimSuffix(reg, "/"), repo)
	}
	id, err := o.Local.Exec(ctx, o.Adapter.ImageID(repo+":latest"))
	if err != nil {
		return ""
	}
	return id
}

func commonOf(w config.Workload) config.Common {
	if w.IsApp() {
		return w.App.Common
	}
	return w.Svc.Common
}

func resolveEnv(common config.Common, secrets fingerprint.Secrets) map[string]string {
	env := make(map[string]string, len(common.EnvPlain)+len(common.EnvSecretKeys))
	for k, v := range common.EnvPlain {
		env[k] = v
	}
	for _, k := range common.EnvSecretKeys {
		env[k] = secrets[k]
	}
	return env
}

func (o *Orchestrator) recordEvent(project, command, status string, w config.Workload, decision planner.Decision, err error) {
	if o.Events == nil {
		return
	}
	fields := map[string]string{
		"workload": w.Name,
		"reason":   string(decision.Reason),
		"priority": string(decision.Priority),
	}
	_, _ = o.Events.Record(project, command, status, fields, err)
	if err != nil {
		f := errs.As(err)
		severity := events.SeverityWarning
		if f.Kind == errs.KindCutoverFailed || f.Kind == errs.KindConfigInvalid {
			severity = events.SeverityCritical
		}
		_, _ = o.Events.Alert(project, command, severity, w.Name, f.Error(), fields)
	}
}

// ProxyStatus scans every targeted host's edge proxy for its current route
// state.
func (o *Orchestrator) ProxyStatus(ctx context.Context, hostNames []string) (map[string]string, error) {
	workloads, err := o.Project.Workloads()
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "load_config", "", "", "fix the configuration file and retry", err)
	}
	targets := o.hosts(workloads, hostNames)
	out := make(map[string]string, len(targets))
	for _, host := range targets {
		sess := o.sessionFor(host)
		raw, err := sess.Exec(ctx, o.Adapter.ExecIn(proxyctl.ContainerPrefix, []string{"status"}))
		if err != nil {
			out[host] = errs.As(err).Error()
			continue
		}
		out[host] = raw
	}
	return out, nil
}

// ProxyUpdate orchestrates an edge-proxy version update across every
// targeted host.
func (o *Orchestrator) ProxyUpdate(ctx context.Context, hostNames []string) (*Summary, error) {
	workloads, err := o.Project.Workloads()
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "load_config", "", "", "fix the configuration file and retry", err)
	}
	targets := o.hosts(workloads, hostNames)

	summary := &Summary{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, host := range targets {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			sess := o.sessionFor(host)
			controller := proxyctl.New(o.Adapter, sess, o.ProxyCfg, o.Log.WithField("host", host))
			network := o.Project.ProjectNetwork()
			err := controller.Update(ctx, []string{network})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failures = append(summary.Failures, HostError{Host: host, Err: err})
			}
		}(host)
	}
	wg.Wait()
	return summary, nil
}
