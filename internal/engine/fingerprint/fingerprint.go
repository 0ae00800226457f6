// Package fingerprint implements C3: the canonicalized, hashed view of a
// workload used to detect change. Grounded on the teacher's own hashing
// idiom (short, truncated hex digests used as stable identifiers/labels
// throughout tools/si, e.g. release and session IDs) generalized into the
// config/secrets digest the spec requires.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/fleetedge/fleetedge/internal/engine/config"
)

// Kind distinguishes a built-locally workload from one pinned to an
// external registry reference.
type Kind string

const (
	KindBuilt    Kind = "built"
	KindExternal Kind = "external"
)

// Fingerprint is the canonicalized, hashed view of a workload's
// configuration, used to decide whether a redeploy is needed.
type Fingerprint struct {
	Kind           Kind
	ConfigHash     string
	SecretsHash    string
	LocalImageID   string
	ServerImageID  string
	ImageReference string
}

// envPair is a single resolved (key, value) pair contributing to the config
// hash; secret values are resolved from the store before hashing so a
// rotated secret changes the hash even though the key name didn't change.
type envPair struct {
	Key   string
	Value string
}

type canonicalConfig struct {
	ImageOrBuild string
	Env          []envPair
	Ports        []string
	Volumes      []string
	Command      []string
	Restart      string
	Health       healthView
	Proxy        proxyView
}

type healthView struct {
	Path        string
	StartPeriod string
}

type proxyView struct {
	Hosts []string
	Port  int
	SSL   bool
}

// Secrets is the read-only KEY=value secret store. It is resolved by the
// caller before fingerprinting; this package never reads a secrets file
// itself.
type Secrets map[string]string

// Compute canonicalizes a workload's configuration and hashes it. project
// does not enter any hash; localImageID is the runtime's content ID of the
// {project}-{name}:latest tag on the operator machine, or "" if absent.
func Compute(w config.Workload, secrets Secrets, project string, localImageID string) Fingerprint {
	common, isBuilt, imageRef := commonOf(w)

	env := resolveEnv(common.EnvPlain, common.EnvSecretKeys, secrets)
	cfg := canonicalConfig{
		Env:     env,
		Ports:   sortedCopy(common.Ports),
		Volumes: sortedCopy(common.Volumes),
		Command: sortedCopy(common.Command),
		Restart: "unless-stopped",
	}
	if app := w.App; app != nil {
		cfg.Health = healthView{Path: app.HealthPath, StartPeriod: app.HealthStartPeriod.String()}
		cfg.Proxy = proxyView{Hosts: sortedCopy(app.ProxyHosts), Port: app.ProxyAppPort, SSL: app.SSL}
	}

	fp := Fingerprint{
		SecretsHash: hashSecrets(common.EnvSecretKeys, secrets),
	}

	if isBuilt {
		fp.Kind = KindBuilt
		cfg.ImageOrBuild = buildSignature(common.Build)
		fp.LocalImageID = localImageID
	} else {
		fp.Kind = KindExternal
		cfg.ImageOrBuild = imageRef
		fp.ImageReference = imageRef
	}
	fp.ConfigHash = hashJSON(cfg)
	return fp
}

func commonOf(w config.Workload) (config.Common, bool, string) {
	if w.App != nil {
		return w.App.Common, w.App.Build != nil, w.App.ImageRef
	}
	return w.Svc.Common, false, w.Svc.ImageRef
}

func buildSignature(b *config.BuildSpec) string {
	if b == nil {
		return ""
	}
	type view struct {
		Context    string
		Dockerfile string
		Args       []envPair
		Platform   string
	}
	v := view{Context: b.Context, Dockerfile: b.Dockerfile, Platform: b.Platform}
	keys := make([]string, 0, len(b.Args))
	for k := range b.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Args = append(v.Args, envPair{Key: k, Value: b.Args[k]})
	}
	return hashJSON(v)
}

// resolveEnv sorts (key, value) env pairs with secret values resolved from
// the store, so changing a secret's value changes the hash even when the
// key name is unchanged.
func resolveEnv(plain map[string]string, secretKeys []string, secrets Secrets) []envPair {
	keys := make([]string, 0, len(plain)+len(secretKeys))
	for k := range plain {
		keys = append(keys, k)
	}
	keys = append(keys, secretKeys...)
	sort.Strings(keys)

	out := make([]envPair, 0, len(keys))
	for _, k := range keys {
		if v, ok := plain[k]; ok {
			out = append(out, envPair{Key: k, Value: v})
			continue
		}
		out = append(out, envPair{Key: k, Value: secrets[k]})
	}
	return out
}

// hashSecrets hashes the sorted (key, present?, value) triples so that
// adding, removing, or rotating a secret always changes the digest.
func hashSecrets(keys []string, secrets Secrets) string {
	type triple struct {
		Key     string
		Present bool
		Value   string
	}
	sortedKeys := sortedCopy(keys)
	triples := make([]triple, 0, len(sortedKeys))
	for _, k := range sortedKeys {
		v, present := secrets[k]
		triples = append(triples, triple{Key: k, Present: present, Value: v})
	}
	return hashJSON(triples)
}

func hashJSON(v any) string {
	raw, _ := json.Marshal(v)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:12]
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
