package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetedge/fleetedge/internal/engine/config"
)

func builtWorkload(env map[string]string, ports []string) config.Workload {
	return config.Workload{
		Name: "web",
		App: &config.AppSpec{
			Common: config.Common{
				Host:     "10.0.0.1",
				Build:    &config.BuildSpec{Context: "."},
				EnvPlain: env,
				Ports:    ports,
			},
			ProxyAppPort: 8080,
			HealthPath:   "/up",
		},
	}
}

func externalWorkload(imageRef string) config.Workload {
	return config.Workload{
		Name: "postgres",
		Svc: &config.ServiceSpec{
			Common: config.Common{Host: "10.0.0.1", ImageRef: imageRef},
		},
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	w := builtWorkload(map[string]string{"PORT": "8080"}, []string{"8080:8080"})
	a := Compute(w, Secrets{}, "proj", "sha256:abc")
	b := Compute(w, Secrets{}, "proj", "sha256:abc")
	assert.Equal(t, a.ConfigHash, b.ConfigHash)
	assert.Equal(t, a.SecretsHash, b.SecretsHash)
	assert.Len(t, a.ConfigHash, 12)
}

func TestComputeConfigHashChangesOnEnvChange(t *testing.T) {
	w1 := builtWorkload(map[string]string{"PORT": "8080"}, nil)
	w2 := builtWorkload(map[string]string{"PORT": "9090"}, nil)
	a := Compute(w1, Secrets{}, "proj", "sha256:abc")
	b := Compute(w2, Secrets{}, "proj", "sha256:abc")
	assert.NotEqual(t, a.ConfigHash, b.ConfigHash)
}

func TestComputeSecretsHashChangesOnRotation(t *testing.T) {
	w := config.Workload{
		Name: "web",
		App: &config.AppSpec{Common: config.Common{
			Host: "10.0.0.1", Build: &config.BuildSpec{Context: "."}, EnvSecretKeys: []string{"DB_PASSWORD"},
		}},
	}
	a := Compute(w, Secrets{"DB_PASSWORD": "old"}, "proj", "sha256:abc")
	b := Compute(w, Secrets{"DB_PASSWORD": "new"}, "proj", "sha256:abc")
	assert.NotEqual(t, a.SecretsHash, b.SecretsHash)
	// resolved secret values are part of the canonical env, so the config
	// hash changes with the rotation as well.
	assert.NotEqual(t, a.ConfigHash, b.ConfigHash)
}

func TestComputeBuiltCarriesLocalImageID(t *testing.T) {
	w := builtWorkload(nil, nil)
	fp := Compute(w, Secrets{}, "proj", "sha256:xyz")
	assert.Equal(t, KindBuilt, fp.Kind)
	assert.Equal(t, "sha256:xyz", fp.LocalImageID)
	assert.Empty(t, fp.ImageReference)
}

func TestComputeExternalCarriesImageReference(t *testing.T) {
	w := externalWorkload("postgres:16")
	fp := Compute(w, Secrets{}, "proj", "")
	assert.Equal(t, KindExternal, fp.Kind)
	assert.Equal(t, "postgres:16", fp.ImageReference)
	assert.Empty(t, fp.LocalImageID)
}

func TestComputeHealthStartPeriodAffectsHash(t *testing.T) {
	base := builtWorkload(nil, nil)
	withPeriod := builtWorkload(nil, nil)
	withPeriod.App.HealthStartPeriod = 10 * time.Second
	a := Compute(base, Secrets{}, "proj", "id")
	b := Compute(withPeriod, Secrets{}, "proj", "id")
	assert.NotEqual(t, a.ConfigHash, b.ConfigHash)
}
