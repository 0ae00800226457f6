// Package config loads and normalizes the deployment configuration file into
// a tagged app-or-service variant. YAML decoding itself is an external
// collaborator — this package owns only the normalization the core engine
// depends on.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Project is the top-level document, keyed by project name.
type Project struct {
	Name     string            `yaml:"name"`
	SSH      SSHConfig         `yaml:"ssh"`
	Registry RegistryConfig    `yaml:"docker"`
	Apps     WorkloadMap       `yaml:"apps"`
	Services WorkloadMap       `yaml:"services"`
}

type SSHConfig struct {
	Username string `yaml:"username"`
	Port     int    `yaml:"port"`
}

type RegistryConfig struct {
	Registry string `yaml:"registry"`
	Username string `yaml:"username"`
}

// Workload is the normalized tagged variant: exactly one of App or Service
// is non-nil after normalization. This is the Go expression of a
// duck-typed entry that can be declared as either kind.
type Workload struct {
	Name string
	App  *AppSpec
	Svc  *ServiceSpec
}

func (w Workload) IsApp() bool     { return w.App != nil }
func (w Workload) IsService() bool { return w.Svc != nil }

// Common holds the fields shared by apps and services.
type Common struct {
	Host           string            `yaml:"host"`
	ImageRef       string            `yaml:"image"`
	Build          *BuildSpec        `yaml:"build,omitempty"`
	EnvPlain       map[string]string `yaml:"env,omitempty"`
	EnvSecretKeys  []string          `yaml:"secrets,omitempty"`
	Ports          []string          `yaml:"ports,omitempty"`
	Volumes        []string          `yaml:"volumes,omitempty"`
	Replicas       int               `yaml:"replicas,omitempty"`
	RegistryRef    string            `yaml:"registry,omitempty"`
	Command        []string          `yaml:"command,omitempty"`
}

type BuildSpec struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Args       map[string]string `yaml:"args,omitempty"`
	Platform   string            `yaml:"platform,omitempty"`
}

type AppSpec struct {
	Common             `yaml:",inline"`
	ProxyHosts         []string      `yaml:"proxy_hosts,omitempty"`
	ProxyAppPort       int           `yaml:"proxy_app_port,omitempty"`
	HealthPath         string        `yaml:"health_path,omitempty"`
	HealthStartPeriod  time.Duration `yaml:"health_start_period,omitempty"`
	SSL                bool          `yaml:"ssl,omitempty"`
}

type ServiceSpec struct {
	Common `yaml:",inline"`
}

// WorkloadMap accepts both a YAML mapping (key becomes Name) and a YAML
// sequence of objects carrying their own "name" field.
type WorkloadMap struct {
	Entries []rawEntry
}

type rawEntry struct {
	Name string
	Node yaml.Node
}

func (m *WorkloadMap) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			valNode := node.Content[i+1]
			m.Entries = append(m.Entries, rawEntry{Name: keyNode.Value, Node: *valNode})
		}
		return nil
	case yaml.SequenceNode:
		for _, item := range node.Content {
			var named struct {
				Name string `yaml:"name"`
			}
			if err := item.Decode(&named); err != nil {
				return fmt.Errorf("workload entry missing name: %w", err)
			}
			if strings.TrimSpace(named.Name) == "" {
				return fmt.Errorf("workload entry in array form requires a name field")
			}
			m.Entries = append(m.Entries, rawEntry{Name: named.Name, Node: *item})
		}
		return nil
	case 0:
		return nil
	default:
		return fmt.Errorf("apps/services must be a mapping or a sequence of objects")
	}
}

// reservedNames lists workload names the orchestrator refuses at validation
// time because they collide with proxy/CLI surface area.
var reservedNames = map[string]bool{
	"proxy":  true,
	"status": true,
	"init":   true,
}

const proxyContainerPrefix = "fleetedge-proxy"

// Decode parses raw YAML bytes into a Project without normalizing workloads.
func Decode(raw []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &p, nil
}

// Workloads normalizes the raw app/service entries into tagged Workload
// values and validates: unique names per project, no reserved names, no
// overlapping host ports on the same host.
func (p *Project) Workloads() ([]Workload, error) {
	var out []Workload
	seen := map[string]bool{}

	for _, e := range p.Apps.Entries {
		if err := checkName(e.Name, seen); err != nil {
			return nil, err
		}
		var spec AppSpec
		if err := e.Node.Decode(&spec); err != nil {
			return nil, fmt.Errorf("app %q: %w", e.Name, err)
		}
		normalizeCommon(&spec.Common)
		if spec.HealthPath == "" {
			spec.HealthPath = "/up"
		}
		out = append(out, Workload{Name: e.Name, App: &spec})
	}

	for _, e := range p.Services.Entries {
		if err := checkName(e.Name, seen); err != nil {
			return nil, err
		}
		var spec ServiceSpec
		if err := e.Node.Decode(&spec); err != nil {
			return nil, fmt.Errorf("service %q: %w", e.Name, err)
		}
		normalizeCommon(&spec.Common)
		if strings.TrimSpace(spec.ImageRef) == "" {
			return nil, fmt.Errorf("service %q: image_ref must be pinned to an external registry reference", e.Name)
		}
		out = append(out, Workload{Name: e.Name, Svc: &spec})
	}

	if err := checkPortConflicts(out); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func checkName(name string, seen map[string]bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("workload name must not be empty")
	}
	if reservedNames[strings.ToLower(name)] || strings.HasPrefix(strings.ToLower(name), proxyContainerPrefix) {
		return fmt.Errorf("workload name %q is reserved", name)
	}
	if seen[name] {
		return fmt.Errorf("duplicate workload name %q", name)
	}
	seen[name] = true
	return nil
}

func normalizeCommon(c *Common) {
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	sort.Strings(c.Ports)
	sort.Strings(c.Volumes)
	sort.Strings(c.EnvSecretKeys)
}

// checkPortConflicts rejects two workloads on the same host declaring
// overlapping host ports.
func checkPortConflicts(workloads []Workload) error {
	type owner struct {
		host string
		port string
	}
	claimed := map[owner]string{}
	for _, w := range workloads {
		var host string
		var ports []string
		switch {
		case w.IsApp():
			host, ports = w.App.Host, w.App.Ports
		case w.IsService():
			host, ports = w.Svc.Host, w.Svc.Ports
		}
		for _, p := range ports {
			hostPort := hostPortOf(p)
			if hostPort == "" {
				continue
			}
			key := owner{host: host, port: hostPort}
			if existing, ok := claimed[key]; ok && existing != w.Name {
				return fmt.Errorf("port_conflict: %q and %q both bind host port %s on %q", existing, w.Name, hostPort, host)
			}
			claimed[key] = w.Name
		}
	}
	return nil
}

// hostPortOf extracts the host-side port from a "host:container[/proto]"
// or bare "port" mapping string.
func hostPortOf(mapping string) string {
	mapping = strings.TrimSpace(mapping)
	if mapping == "" {
		return ""
	}
	mapping = strings.SplitN(mapping, "/", 2)[0]
	parts := strings.Split(mapping, ":")
	return parts[0]
}

// ProjectNetwork returns the per-(project,host) overlay network name.
func (p *Project) ProjectNetwork() string {
	return p.Name + "-network"
}

// InternalAlias is the bare internal-discovery alias for a workload.
func InternalAlias(name string) string { return name }

// ProxyAlias is the project-scoped alias the proxy routes to.
func ProxyAlias(project, name string) string { return project + "-" + name }
