package state

// Lookup finds the route (and owning project) registered for host H across
// every project, since the SNI/Host lookup in the forwarding path is keyed
// on the hostname alone, not the project.
func (d Document) Lookup(host string) (project string, route Route, ok bool) {
	for name, p := range d.Projects {
		if r, exists := p.Hosts[host]; exists {
			return name, r, true
		}
	}
	return "", Route{}, false
}

// PendingCertificates returns every (project, route) whose certificate is
// not yet active, for the ACME worker to enqueue on startup.
func (d Document) PendingCertificates() []struct {
	Project string
	Route   Route
} {
	var out []struct {
		Project string
		Route   Route
	}
	for name, p := range d.Projects {
		for _, r := range p.Hosts {
			if r.SSL && r.Certificate.Status != CertActive && r.Certificate.Status != CertFailed {
				out = append(out, struct {
					Project string
					Route   Route
				}{Project: name, Route: r})
			}
		}
	}
	return out
}
