// Package runtime implements a pure command-builder over the remote
// container-runtime CLI. It never dials anything itself — every method
// returns an argv slice; the caller executes the argv through a
// session.Session, and `docker inspect` stdout is decoded by ParseInspect.
// This mirrors the
// teacher's command-string builders in paas_deploy_bluegreen.go, generalized
// from ad-hoc fmt.Sprintf shell lines into argv-form exec, and decodes
// `docker inspect` JSON with the official Docker API types instead of
// hand-rolled structs.
package runtime

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types"
	dockermount "github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec is the normalized input to CreateContainer.
type ContainerSpec struct {
	Name            string
	Image           string
	Ports           []PortBinding
	Volumes         []VolumeBinding
	Env             map[string]string
	Network         string
	NetworkAliases  []string
	RestartPolicy   string
	Command         []string
	Labels          map[string]string
}

type PortBinding struct {
	HostPort      string
	ContainerPort string
	Protocol      string // "tcp" (default) or "udp"
}

type VolumeBinding struct {
	Source      string
	Destination string
	Mode        string // "rw" (default) or "ro"
}

// Adapter builds argv command lines. It holds no state; every method is a
// pure function of its arguments.
type Adapter struct {
	Bin string // defaults to "docker"
}

func New() *Adapter { return &Adapter{Bin: "docker"} }

func (a *Adapter) bin() string {
	if a.Bin == "" {
		return "docker"
	}
	return a.Bin
}

// ContainerExists returns the argv to check for a container's presence;
// the caller interprets a non-empty stdout as true.
func (a *Adapter) ContainerExists(name string) []string {
	return []string{a.bin(), "ps", "-aq", "--filter", "name=^" + name + "$"}
}

// ContainerRunning returns the argv whose stdout, if non-empty, reports the
// container is running.
func (a *Adapter) ContainerRunning(name string) []string {
	return []string{a.bin(), "ps", "-q", "--filter", "name=^" + name + "$", "--filter", "status=running"}
}

// CreateContainer returns the argv that atomically creates a container with
// its labels set at creation time.
func (a *Adapter) CreateContainer(spec ContainerSpec) []string {
	argv := []string{a.bin(), "create", "--name", spec.Name}
	if spec.RestartPolicy != "" {
		argv = append(argv, "--restart", spec.RestartPolicy)
	}
	if spec.Network != "" {
		argv = append(argv, "--network", spec.Network)
	}
	aliases := append([]string(nil), spec.NetworkAliases...)
	sort.Strings(aliases)
	for _, alias := range aliases {
		argv = append(argv, "--network-alias", alias)
	}
	for _, p := range sortedPorts(spec.Ports) {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		argv = append(argv, "-p", fmt.Sprintf("%s:%s/%s", p.HostPort, p.ContainerPort, proto))
	}
	for _, v := range sortedVolumes(spec.Volumes) {
		mode := v.Mode
		if mode == "" {
			mode = "rw"
		}
		argv = append(argv, "-v", fmt.Sprintf("%s:%s:%s", v.Source, v.Destination, mode))
	}
	for _, k := range sortedKeys(spec.Env) {
		argv = append(argv, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	for _, k := range sortedKeys(spec.Labels) {
		argv = append(argv, "--label", fmt.Sprintf("%s=%s", k, spec.Labels[k]))
	}
	argv = append(argv, spec.Image)
	argv = append(argv, spec.Command...)
	return argv
}

func (a *Adapter) Start(name string) []string { return []string{a.bin(), "start", name} }

func (a *Adapter) Stop(name string, graceSeconds int) []string {
	if graceSeconds <= 0 {
		graceSeconds = 10
	}
	return []string{a.bin(), "stop", "-t", fmt.Sprintf("%d", graceSeconds), name}
}

func (a *Adapter) Remove(name string) []string { return []string{a.bin(), "rm", "-f", name} }

func (a *Adapter) Inspect(name string) []string { return []string{a.bin(), "inspect", name} }

func (a *Adapter) Pull(image string) []string { return []string{a.bin(), "pull", image} }
func (a *Adapter) Push(image string) []string { return []string{a.bin(), "push", image} }
func (a *Adapter) Tag(src, dst string) []string { return []string{a.bin(), "tag", src, dst} }

// ImageID returns the argv that resolves a tag or reference to its local
// content ID, or empty stdout if the image is not present locally.
func (a *Adapter) ImageID(ref string) []string {
	return []string{a.bin(), "images", "-q", ref}
}

// Login returns the argv for a registry login that reads the password from
// stdin (--password-stdin), so the secret never appears in argv, shell
// history, or `ps` output. The caller (C5 image pipeline) must pipe the
// password bytes to this command's stdin rather than embedding them here.
func (a *Adapter) Login(registry, username string) []string {
	return []string{a.bin(), "login", registry, "-u", username, "--password-stdin"}
}

func (a *Adapter) Logout(registry string) []string { return []string{a.bin(), "logout", registry} }

// VersionProbe returns the argv a preflight check runs to confirm the
// container runtime is installed and reachable on a host.
func (a *Adapter) VersionProbe() []string {
	return []string{a.bin(), "version", "--format", "{{.Server.Version}}"}
}

func (a *Adapter) NetworkEnsure(name string) []string {
	return []string{a.bin(), "network", "create", name}
}

// NetworkExists returns the argv whose stdout, if non-empty, reports the
// network already exists.
func (a *Adapter) NetworkExists(name string) []string {
	return []string{a.bin(), "network", "ls", "-q", "--filter", "name=^" + name + "$"}
}

// ListNetworks returns the argv that lists network names matching a
// glob-style --filter name expression, one per line.
func (a *Adapter) ListNetworks(nameGlob string) []string {
	return []string{a.bin(), "network", "ls", "--filter", "name=" + nameGlob, "--format", "{{.Name}}"}
}

// NetworkConnect returns the argv to attach a container to a network with an
// explicit alias list. Network-alias replacement is not guaranteed atomic by
// every runtime; callers that need an atomic swap should call
// NetworkDisconnect then NetworkConnect as a pair and accept the brief gap.
func (a *Adapter) NetworkConnect(container, network string, aliases []string) []string {
	argv := []string{a.bin(), "network", "connect"}
	sorted := append([]string(nil), aliases...)
	sort.Strings(sorted)
	for _, alias := range sorted {
		argv = append(argv, "--alias", alias)
	}
	argv = append(argv, network, container)
	return argv
}

func (a *Adapter) NetworkDisconnect(container, network string) []string {
	return []string{a.bin(), "network", "disconnect", network, container}
}

func (a *Adapter) ExecIn(containerName string, argv []string) []string {
	out := []string{a.bin(), "exec", containerName}
	return append(out, argv...)
}

// Build returns the argv that builds an image locally, always producing at
// least two tags — {repo}:{release_id} and {repo}:latest — so fingerprinting
// can reuse content hashes across releases.
type BuildSpec struct {
	Context    string
	Dockerfile string
	Args       map[string]string
	Platform   string
	Repo       string
	ReleaseID  string
}

func (a *Adapter) Build(spec BuildSpec) []string {
	platform := spec.Platform
	if platform == "" {
		platform = "linux/amd64"
	}
	argv := []string{a.bin(), "build", "--platform", platform}
	if spec.Dockerfile != "" {
		argv = append(argv, "-f", spec.Dockerfile)
	}
	for _, k := range sortedKeys(spec.Args) {
		argv = append(argv, "--build-arg", fmt.Sprintf("%s=%s", k, spec.Args[k]))
	}
	argv = append(argv,
		"-t", fmt.Sprintf("%s:%s", spec.Repo, spec.ReleaseID),
		"-t", fmt.Sprintf("%s:latest", spec.Repo),
		spec.Context,
	)
	return argv
}

// InspectResult is the subset of `docker inspect` output the adapter
// surfaces, decoded via the official Docker API container types.
type InspectResult struct {
	ImageID      string
	Env          []string
	Labels       map[string]string
	Mounts       []MountInfo
	PortBindings map[string][]string // "container_port/proto" -> host ports
	RestartCount int
	LastExitCode int
	StartedAt    string
}

type MountInfo struct {
	Source      string
	Destination string
	Mode        string
}

// ParseInspect decodes the JSON array `docker inspect` emits into an
// InspectResult, using types.ContainerJSON (the same struct the Docker
// Engine API returns) so every field mirrors real container state.
func ParseInspect(stdout string) (*InspectResult, error) {
	var raw []types.ContainerJSON
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, fmt.Errorf("parse docker inspect output: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("docker inspect returned no results")
	}
	c := raw[0]
	result := &InspectResult{
		Labels:       map[string]string{},
		PortBindings: map[string][]string{},
	}
	if c.Config != nil {
		result.ImageID = c.Config.Image
		result.Env = c.Config.Env
		if c.Config.Labels != nil {
			result.Labels = c.Config.Labels
		}
	}
	if c.Image != "" {
		result.ImageID = c.Image
	}
	for _, m := range c.Mounts {
		mode := "rw"
		if !m.RW {
			mode = "ro"
		}
		result.Mounts = append(result.Mounts, MountInfo{Source: m.Source, Destination: m.Destination, Mode: mode})
	}
	if c.NetworkSettings != nil {
		for port, bindings := range c.NetworkSettings.Ports {
			hostPorts := make([]string, 0, len(bindings))
			for _, b := range bindings {
				hostPorts = append(hostPorts, b.HostPort)
			}
			result.PortBindings[string(port)] = hostPorts
		}
	}
	if c.RestartCount != 0 {
		result.RestartCount = c.RestartCount
	}
	if c.State != nil {
		result.LastExitCode = c.State.ExitCode
		result.StartedAt = c.State.StartedAt
	}
	return result, nil
}

// FormatPort renders a Docker-style nat.Port key ("3000/tcp") for a
// container port and protocol, delegating to go-connections for the
// canonical parsing/formatting the runtime itself uses.
func FormatPort(containerPort int, protocol string) (string, error) {
	if protocol == "" {
		protocol = "tcp"
	}
	p, err := nat.NewPort(protocol, fmt.Sprintf("%d", containerPort))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPorts(ports []PortBinding) []PortBinding {
	out := append([]PortBinding(nil), ports...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].HostPort+out[i].ContainerPort < out[j].HostPort+out[j].ContainerPort
	})
	return out
}

func sortedVolumes(vols []VolumeBinding) []VolumeBinding {
	out := append([]VolumeBinding(nil), vols...)
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// MountPoint is an alias of the Docker API HostConfig mount-spec type. No
// other package in this repository refers to it.
type MountPoint = dockermount.Mount
