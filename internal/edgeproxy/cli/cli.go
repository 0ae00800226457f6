// Package cli implements the edge-proxy's own CLI surface: the verbs C8
// invokes via exec_in, and that operators can also run directly inside the
// container. Grounded on the teacher's flat subcommand dispatch style
// (paas_cmd.go's flag.FlagSet-per-verb pattern), generalized to the small,
// fixed verb set this daemon exposes.
package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/fleetedge/fleetedge/internal/edgeproxy/acme"
	"github.com/fleetedge/fleetedge/internal/edgeproxy/state"
)

const usageText = "usage: edge-proxy <deploy|remove|list|status|updatehealth|delete-host> [args...]"

// Deps bundles what the CLI verbs need to mutate/observe the daemon.
type Deps struct {
	Store *state.Store
	Acme  *acme.Worker
	Out   io.Writer
}

// Dispatch runs one verb and returns an error for a non-zero exit.
func Dispatch(args []string, deps Deps) error {
	if len(args) == 0 {
		fmt.Fprintln(deps.Out, usageText)
		return fmt.Errorf("missing verb")
	}
	verb, rest := args[0], args[1:]
	switch verb {
	case "deploy":
		return cmdDeploy(rest, deps)
	case "remove":
		return cmdRemove(rest, deps)
	case "list":
		return cmdList(rest, deps)
	case "status":
		return cmdStatus(rest, deps)
	case "updatehealth":
		return cmdUpdateHealth(rest, deps)
	case "delete-host":
		return cmdDeleteHost(rest, deps)
	default:
		fmt.Fprintln(deps.Out, usageText)
		return fmt.Errorf("unknown verb %q", verb)
	}
}

func cmdDeploy(args []string, deps Deps) error {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	host := fs.String("host", "", "route hostname")
	target := fs.String("target", "", "upstream target host:port")
	project := fs.String("project", "", "owning project name")
	healthPath := fs.String("health-path", "/up", "health check path")
	ssl := fs.Bool("ssl", false, "enable TLS for this route")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" || *target == "" || *project == "" {
		return fmt.Errorf("--host, --target, and --project are required")
	}

	isNew := false
	err := deps.Store.Mutate(func(doc *state.Document) {
		proj, ok := doc.Projects[*project]
		if !ok {
			proj = state.Project{Name: *project, Hosts: map[string]state.Route{}}
		}
		existing, hadRoute := proj.Hosts[*host]
		route := state.Route{
			Host:        *host,
			Target:      *target,
			HealthPath:  *healthPath,
			SSL:         *ssl,
			SSLRedirect: *ssl,
			Healthy:     true,
			Certificate: existing.Certificate,
		}
		if !hadRoute {
			isNew = true
			route.Certificate = state.Certificate{Status: state.CertPending}
		}
		proj.Hosts[*host] = route
		doc.Projects[*project] = proj
	})
	if err != nil {
		return err
	}
	if *ssl && isNew && deps.Acme != nil {
		deps.Acme.Enqueue(*project, *host)
	}
	if isNew {
		fmt.Fprintf(deps.Out, "Added route %s -> %s\n", *host, *target)
	} else {
		fmt.Fprintf(deps.Out, "Updated route %s -> %s\n", *host, *target)
	}
	return nil
}

func cmdRemove(args []string, deps Deps) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	host := fs.String("host", "", "route hostname")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" {
		return fmt.Errorf("--host is required")
	}
	err := deps.Store.Mutate(func(doc *state.Document) {
		for name, proj := range doc.Projects {
			delete(proj.Hosts, *host)
			doc.Projects[name] = proj
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(deps.Out, "Removed route %s\n", *host)
	return nil
}

func cmdDeleteHost(args []string, deps Deps) error {
	return cmdRemove(args, deps)
}

func cmdUpdateHealth(args []string, deps Deps) error {
	fs := flag.NewFlagSet("updatehealth", flag.ContinueOnError)
	host := fs.String("host", "", "route hostname")
	healthy := fs.Bool("healthy", true, "health status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" {
		return fmt.Errorf("--host is required")
	}
	found := false
	err := deps.Store.Mutate(func(doc *state.Document) {
		for name, proj := range doc.Projects {
			if route, ok := proj.Hosts[*host]; ok {
				route.Healthy = *healthy
				proj.Hosts[*host] = route
				doc.Projects[name] = proj
				found = true
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("host %q not configured", *host)
	}
	fmt.Fprintf(deps.Out, "updatehealth %s -> %v successfully configured\n", *host, *healthy)
	return nil
}

func cmdList(args []string, deps Deps) error {
	doc := deps.Store.Snapshot()
	names := make([]string, 0, len(doc.Projects))
	for name := range doc.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hosts := make([]string, 0, len(doc.Projects[name].Hosts))
		for h := range doc.Projects[name].Hosts {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		for _, h := range hosts {
			r := doc.Projects[name].Hosts[h]
			fmt.Fprintf(deps.Out, "%s\t%s\t%s\t%s\thealthy=%v\n", name, h, r.Target, r.Certificate.Status, r.Healthy)
		}
	}
	return nil
}

func cmdStatus(args []string, deps Deps) error {
	jsonOut := false
	for _, a := range args {
		if a == "--json" {
			jsonOut = true
		}
	}
	doc := deps.Store.Snapshot()
	if jsonOut {
		enc := json.NewEncoder(deps.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	fmt.Fprintf(deps.Out, "projects: %d\n", len(doc.Projects))
	for name, proj := range doc.Projects {
		fmt.Fprintf(deps.Out, "  %s: %d routes\n", name, len(proj.Hosts))
	}
	return nil
}
