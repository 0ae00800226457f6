// Package proxyctl drives the edge-proxy container's lifecycle from the
// orchestrator's side: install, update, and route programming via exec_in.
// Grounded on the teacher's Traefik ingress-baseline command
// (paas_target_ingress_cmd.go), generalized from rendering a third-party
// proxy's static config file into operating fleetedge's own edge-proxy
// binary as a managed container.
package proxyctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/fleetedge/fleetedge/internal/engine/errs"
	"github.com/fleetedge/fleetedge/internal/engine/labels"
	"github.com/fleetedge/fleetedge/internal/engine/runtime"
)

const ContainerPrefix = "fleetedge-proxy"

// projectNetworkGlob matches every project network config.ProjectNetwork
// creates ("<project>-network"), so a proxy shared across several
// fleetedge projects on one host gets attached to all of them, not just
// whichever project happened to drive the current call.
const projectNetworkGlob = "*-network"

// Executor is the subset of session.Session the controller needs.
type Executor interface {
	Exec(ctx context.Context, argv []string) (string, error)
}

// Config describes the operator-configured edge-proxy image and mount
// paths, constant across a fleet.
type Config struct {
	Image         string
	CertsDir      string
	StateDir      string
	BackupDir     string
}

type Controller struct {
	Adapter *runtime.Adapter
	Exec    Executor
	Cfg     Config
	Log     *logrus.Entry
}

func New(adapter *runtime.Adapter, exec Executor, cfg Config, log *logrus.Entry) *Controller {
	return &Controller{Adapter: adapter, Exec: exec, Cfg: cfg, Log: log}
}

func containerName() string { return ContainerPrefix }

// discoverNetworks lists every "*-network" already present on the host, so
// a proxy shared by multiple fleetedge projects stays attached to all of
// them instead of only the network the current call happens to name.
func (c *Controller) discoverNetworks(ctx context.Context) ([]string, error) {
	out, err := c.Exec.Exec(ctx, c.Adapter.ListNetworks(projectNetworkGlob))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// allNetworks merges the caller-supplied networks (which may include one
// not yet visible to `docker network ls`, e.g. just created this call) with
// every project network already discovered on the host.
func (c *Controller) allNetworks(ctx context.Context, networks []string) []string {
	discovered, err := c.discoverNetworks(ctx)
	if err != nil {
		c.Log.WithError(err).Warn("network discovery failed, falling back to caller-supplied networks only")
		return networks
	}
	return lo.Uniq(append(append([]string{}, networks...), discovered...))
}

// EnsureInstalled creates the proxy container if it does not already exist,
// attaching it to every project network already present so it can resolve
// routing aliases, and connects it to the given network if not already
// attached.
func (c *Controller) EnsureInstalled(ctx context.Context, networks []string) error {
	networks = c.allNetworks(ctx, networks)
	exists, err := c.Exec.Exec(ctx, c.Adapter.ContainerExists(containerName()))
	if err != nil {
		return errs.New(errs.KindPreconditionMissing, "proxy_check", "", "", "verify the container runtime is reachable", err)
	}
	if strings.TrimSpace(exists) != "" {
		return c.attachNetworks(ctx, networks)
	}
	spec := c.spec(networks)
	if _, err := c.Exec.Exec(ctx, c.Adapter.CreateContainer(spec)); err != nil {
		return errs.New(errs.KindPreconditionMissing, "proxy_create", "", "", "inspect the create error for the edge proxy container", err)
	}
	if _, err := c.Exec.Exec(ctx, c.Adapter.Start(containerName())); err != nil {
		return errs.New(errs.KindPreconditionMissing, "proxy_start", "", "", "inspect the start error for the edge proxy container", err)
	}
	if len(networks) > 1 {
		return c.attachNetworks(ctx, networks[1:])
	}
	return nil
}

func (c *Controller) attachNetworks(ctx context.Context, networks []string) error {
	for _, n := range networks {
		// network connect fails when the proxy is already attached; that
		// error is treated as success, any other failure is returned.
		if _, err := c.Exec.Exec(ctx, c.Adapter.NetworkConnect(containerName(), n, nil)); err != nil {
			if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "already connected") {
				return errs.New(errs.KindPreconditionMissing, "proxy_attach_network", "", "", "inspect the proxy container's network attachments", err)
			}
		}
	}
	return nil
}

// Update snapshots the state file to a backup path, stops and removes the
// container, pulls the latest image, and recreates it with the same mounts,
// reconnecting to every project network discovered on the host.
func (c *Controller) Update(ctx context.Context, projectNetworks []string) error {
	projectNetworks = c.allNetworks(ctx, projectNetworks)
	backupArgv := []string{"cp", c.Cfg.StateDir + "/state.json", c.Cfg.BackupDir + "/state.json.bak"}
	if _, err := c.Exec.Exec(ctx, backupArgv); err != nil {
		c.Log.WithError(err).Warn("state backup failed, continuing with update")
	}
	if _, err := c.Exec.Exec(ctx, c.Adapter.Stop(containerName(), 10)); err != nil {
		c.Log.WithError(err).Warn("proxy stop failed during update, continuing")
	}
	if _, err := c.Exec.Exec(ctx, c.Adapter.Remove(containerName())); err != nil {
		c.Log.WithError(err).Warn("proxy remove failed during update, continuing")
	}
	if _, err := c.Exec.Exec(ctx, c.Adapter.Pull(c.Cfg.Image)); err != nil {
		return errs.New(errs.KindImagePipelineFailed, "proxy_pull", "", "", "verify the edge-proxy image reference and registry access", err)
	}
	spec := c.spec(projectNetworks)
	if _, err := c.Exec.Exec(ctx, c.Adapter.CreateContainer(spec)); err != nil {
		return errs.New(errs.KindPreconditionMissing, "proxy_recreate", "", "", "inspect the recreate error for the edge proxy container", err)
	}
	if _, err := c.Exec.Exec(ctx, c.Adapter.Start(containerName())); err != nil {
		return errs.New(errs.KindPreconditionMissing, "proxy_start", "", "", "inspect the start error for the edge proxy container", err)
	}
	if len(projectNetworks) > 1 {
		return c.attachNetworks(ctx, projectNetworks[1:])
	}
	return nil
}

func (c *Controller) spec(networks []string) runtime.ContainerSpec {
	var network string
	if len(networks) > 0 {
		network = networks[0]
	}
	return runtime.ContainerSpec{
		Name:  containerName(),
		Image: c.Cfg.Image,
		Ports: []runtime.PortBinding{
			{HostPort: "80", ContainerPort: "80", Protocol: "tcp"},
			{HostPort: "443", ContainerPort: "443", Protocol: "tcp"},
		},
		Volumes: []runtime.VolumeBinding{
			{Source: c.Cfg.CertsDir, Destination: "/var/lib/fleetedge/certs", Mode: "rw"},
			{Source: c.Cfg.StateDir, Destination: "/var/lib/fleetedge/state", Mode: "rw"},
		},
		Network:       network,
		RestartPolicy: "always",
		Labels: map[string]string{
			labels.Managed: "true",
			labels.Type:    "proxy",
		},
	}
}

// RouteSpec describes one app's desired proxy route.
type RouteSpec struct {
	Host       string
	Target     string
	Project    string
	HealthPath string
	SSL        bool
}

var successMarkers = []string{"Added", "Updated", "Route deployed successfully", "successfully configured"}

// DeployRoute programs one route via exec_in and classifies the response.
func (c *Controller) DeployRoute(ctx context.Context, r RouteSpec) error {
	argv := []string{"deploy", "--host", r.Host, "--target", r.Target, "--project", r.Project, "--health-path", r.HealthPath}
	if r.SSL {
		argv = append(argv, "--ssl")
	}
	out, err := c.Exec.Exec(ctx, c.Adapter.ExecIn(containerName(), argv))
	if err != nil {
		return errs.New(errs.KindProxyProgrammingFailed, "deploy_route", "", r.Host, "inspect the edge-proxy container logs", err)
	}
	if !containsAny(out, successMarkers) {
		return errs.New(errs.KindProxyProgrammingFailed, "deploy_route", "", r.Host, "inspect the edge-proxy response for the failure reason", fmt.Errorf("unexpected response: %s", out))
	}
	return nil
}

func (c *Controller) RemoveRoute(ctx context.Context, host string) error {
	_, err := c.Exec.Exec(ctx, c.Adapter.ExecIn(containerName(), []string{"remove", "--host", host}))
	if err != nil {
		return errs.New(errs.KindProxyProgrammingFailed, "remove_route", "", host, "inspect the edge-proxy container logs", err)
	}
	return nil
}

func (c *Controller) UpdateHealth(ctx context.Context, host string, healthy bool) error {
	_, err := c.Exec.Exec(ctx, c.Adapter.ExecIn(containerName(), []string{"updatehealth", "--host", host, "--healthy", boolFlag(healthy)}))
	if err != nil {
		return errs.New(errs.KindProxyProgrammingFailed, "updatehealth", "", host, "inspect the edge-proxy container logs", err)
	}
	return nil
}

func boolFlag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
