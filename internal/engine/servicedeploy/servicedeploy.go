// Package servicedeploy implements the stop/start deployer for services: a
// single container, no color, replaced in place whenever its config-hash
// label no longer matches the desired fingerprint. Grounded on the same
// teacher lineage as appdeploy (paas_deploy_bluegreen.go) but simplified to
// the no-cutover case services require.
package servicedeploy

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fleetedge/fleetedge/internal/engine/config"
	"github.com/fleetedge/fleetedge/internal/engine/errs"
	"github.com/fleetedge/fleetedge/internal/engine/fingerprint"
	"github.com/fleetedge/fleetedge/internal/engine/labels"
	"github.com/fleetedge/fleetedge/internal/engine/runtime"
)

// Executor is the subset of session.Session the deployer needs.
type Executor interface {
	Exec(ctx context.Context, argv []string) (string, error)
}

// Input is everything one (service, host) deploy needs.
type Input struct {
	Project     string
	Service     config.Workload // Svc must be non-nil
	ImageRef    string
	Fingerprint fingerprint.Fingerprint
	Env         map[string]string
	Network     string
}

// Action reports what the deployer actually did, for logging/status.
type Action string

const (
	ActionNoop    Action = "noop"
	ActionCreated Action = "created"
	ActionReplaced Action = "replaced"
)

type Result struct {
	Action    Action
	Container string
}

type Deployer struct {
	Adapter *runtime.Adapter
	Exec    Executor
	Log     *logrus.Entry
}

func New(adapter *runtime.Adapter, exec Executor, log *logrus.Entry) *Deployer {
	return &Deployer{Adapter: adapter, Exec: exec, Log: log}
}

// Run observes the current container (if any) and replaces it only when its
// config-hash label is missing or stale; port/volume/env diffs are never
// compared directly, the hash alone is authoritative.
func (d *Deployer) Run(ctx context.Context, in Input) (*Result, error) {
	name := in.Project + "-" + in.Service.Name
	log := d.Log.WithField("service", in.Service.Name)

	existing, err := d.inspectIfExists(ctx, name)
	if err != nil {
		return nil, errs.New(errs.KindCutoverFailed, "observe", "", in.Service.Name, "inspect the host's container state", err)
	}

	spec := d.containerSpec(in, name)

	if existing == nil {
		if err := d.create(ctx, spec); err != nil {
			return nil, errs.New(errs.KindCutoverFailed, "create_failed", "", in.Service.Name, "inspect the create error and retry", err)
		}
		return &Result{Action: ActionCreated, Container: name}, nil
	}

	if existing.Labels[labels.ConfigHash] == in.Fingerprint.ConfigHash && existing.Labels[labels.ConfigHash] != "" {
		log.Debug("config-hash unchanged, no-op")
		return &Result{Action: ActionNoop, Container: name}, nil
	}

	if _, err := d.Exec.Exec(ctx, d.Adapter.Stop(name, 10)); err != nil {
		return nil, errs.New(errs.KindCutoverFailed, "stop_failed", "", in.Service.Name, "inspect the stop error and retry", err)
	}
	if _, err := d.Exec.Exec(ctx, d.Adapter.Remove(name)); err != nil {
		return nil, errs.New(errs.KindCutoverFailed, "remove_failed", "", in.Service.Name, "inspect the remove error and retry", err)
	}
	if err := d.create(ctx, spec); err != nil {
		return nil, errs.New(errs.KindCutoverFailed, "create_failed", "", in.Service.Name, "inspect the create error and retry", err)
	}
	return &Result{Action: ActionReplaced, Container: name}, nil
}

func (d *Deployer) create(ctx context.Context, spec runtime.ContainerSpec) error {
	if _, err := d.Exec.Exec(ctx, d.Adapter.CreateContainer(spec)); err != nil {
		return err
	}
	_, err := d.Exec.Exec(ctx, d.Adapter.Start(spec.Name))
	return err
}

func (d *Deployer) inspectIfExists(ctx context.Context, name string) (*runtime.InspectResult, error) {
	out, err := d.Exec.Exec(ctx, d.Adapter.ContainerExists(name))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	raw, err := d.Exec.Exec(ctx, d.Adapter.Inspect(name))
	if err != nil {
		return nil, err
	}
	return runtime.ParseInspect(raw)
}

func (d *Deployer) containerSpec(in Input, name string) runtime.ContainerSpec {
	svc := in.Service.Svc
	ports := make([]runtime.PortBinding, 0, len(svc.Ports))
	for _, mapping := range svc.Ports {
		ports = append(ports, parsePortBinding(mapping))
	}
	volumes := make([]runtime.VolumeBinding, 0, len(svc.Volumes))
	for _, mapping := range svc.Volumes {
		volumes = append(volumes, parseVolumeBinding(mapping))
	}

	lbl := map[string]string{
		labels.Managed:         "true",
		labels.Project:         in.Project,
		labels.Type:            labels.TypeService,
		labels.Service:         in.Service.Name,
		labels.ConfigHash:      in.Fingerprint.ConfigHash,
		labels.SecretsHash:     in.Fingerprint.SecretsHash,
		labels.FingerprintType: string(in.Fingerprint.Kind),
	}
	if in.Fingerprint.ImageReference != "" {
		lbl[labels.ImageReference] = in.Fingerprint.ImageReference
	}
	if in.Fingerprint.LocalImageID != "" {
		lbl[labels.LocalImageID] = in.Fingerprint.LocalImageID
	}

	return runtime.ContainerSpec{
		Name:           name,
		Image:          in.ImageRef,
		Ports:          ports,
		Volumes:        volumes,
		Env:            in.Env,
		Network:        in.Network,
		NetworkAliases: []string{config.InternalAlias(in.Service.Name)},
		RestartPolicy:  "unless-stopped",
		Command:        svc.Command,
		Labels:         lbl,
	}
}

func parsePortBinding(mapping string) runtime.PortBinding {
	proto := "tcp"
	rest := mapping
	if base, p, ok := strings.Cut(mapping, "/"); ok {
		rest, proto = base, p
	}
	if host, container, ok := strings.Cut(rest, ":"); ok {
		return runtime.PortBinding{HostPort: host, ContainerPort: container, Protocol: proto}
	}
	return runtime.PortBinding{HostPort: rest, ContainerPort: rest, Protocol: proto}
}

func parseVolumeBinding(mapping string) runtime.VolumeBinding {
	parts := strings.SplitN(mapping, ":", 3)
	switch len(parts) {
	case 3:
		return runtime.VolumeBinding{Source: parts[0], Destination: parts[1], Mode: parts[2]}
	case 2:
		return runtime.VolumeBinding{Source: parts[0], Destination: parts[1], Mode: "rw"}
	default:
		return runtime.VolumeBinding{Source: mapping, Destination: mapping, Mode: "rw"}
	}
}
