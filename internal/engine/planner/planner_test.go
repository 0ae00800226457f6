package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetedge/fleetedge/internal/engine/fingerprint"
	"github.com/fleetedge/fleetedge/internal/engine/labels"
)

func TestDecideFirstDeployment(t *testing.T) {
	desired := fingerprint.Fingerprint{Kind: fingerprint.KindBuilt, ConfigHash: "a"}
	d := Decide(nil, desired)
	assert.True(t, d.Should)
	assert.Equal(t, ReasonFirstDeployment, d.Reason)
	assert.Equal(t, PriorityNormal, d.Priority)
}

func TestDecideConfigChanged(t *testing.T) {
	current := &fingerprint.Fingerprint{ConfigHash: "a", SecretsHash: "s"}
	desired := fingerprint.Fingerprint{ConfigHash: "b", SecretsHash: "s"}
	d := Decide(current, desired)
	assert.True(t, d.Should)
	assert.Equal(t, ReasonConfigChanged, d.Reason)
	assert.Equal(t, PriorityCritical, d.Priority)
}

func TestDecideSecretsChanged(t *testing.T) {
	current := &fingerprint.Fingerprint{ConfigHash: "a", SecretsHash: "s1"}
	desired := fingerprint.Fingerprint{ConfigHash: "a", SecretsHash: "s2"}
	d := Decide(current, desired)
	assert.True(t, d.Should)
	assert.Equal(t, ReasonSecretsChanged, d.Reason)
	assert.Equal(t, PriorityCritical, d.Priority)
}

func TestDecideImageUpdatedBuilt(t *testing.T) {
	current := &fingerprint.Fingerprint{ConfigHash: "a", SecretsHash: "s", LocalImageID: "sha256:old"}
	desired := fingerprint.Fingerprint{Kind: fingerprint.KindBuilt, ConfigHash: "a", SecretsHash: "s", LocalImageID: "sha256:new"}
	d := Decide(current, desired)
	assert.True(t, d.Should)
	assert.Equal(t, ReasonImageUpdated, d.Reason)
	assert.Equal(t, PriorityNormal, d.Priority)
}

func TestDecideImageUpdatedUsesServerImageIDWhenPresent(t *testing.T) {
	// The locally-built latest tag moved on, but the server is already
	// running that same content (e.g. redeployed from a different
	// operator machine) -- ServerImageID should prevent a spurious redeploy.
	current := &fingerprint.Fingerprint{ConfigHash: "a", SecretsHash: "s", LocalImageID: "sha256:stale-local", ServerImageID: "sha256:new"}
	desired := fingerprint.Fingerprint{Kind: fingerprint.KindBuilt, ConfigHash: "a", SecretsHash: "s", LocalImageID: "sha256:new"}
	d := Decide(current, desired)
	assert.False(t, d.Should)
	assert.Equal(t, ReasonUpToDate, d.Reason)
}

func TestDecideImageVersionUpdatedExternal(t *testing.T) {
	current := &fingerprint.Fingerprint{Kind: fingerprint.KindExternal, ConfigHash: "a", SecretsHash: "s", ImageReference: "postgres:15"}
	desired := fingerprint.Fingerprint{Kind: fingerprint.KindExternal, ConfigHash: "a", SecretsHash: "s", ImageReference: "postgres:16"}
	d := Decide(current, desired)
	assert.True(t, d.Should)
	assert.Equal(t, ReasonImageVersionUpdated, d.Reason)
}

func TestDecideUpToDate(t *testing.T) {
	current := &fingerprint.Fingerprint{Kind: fingerprint.KindExternal, ConfigHash: "a", SecretsHash: "s", ImageReference: "postgres:16"}
	desired := fingerprint.Fingerprint{Kind: fingerprint.KindExternal, ConfigHash: "a", SecretsHash: "s", ImageReference: "postgres:16"}
	d := Decide(current, desired)
	assert.False(t, d.Should)
	assert.Equal(t, ReasonUpToDate, d.Reason)
	assert.Equal(t, PriorityOptional, d.Priority)
}

func TestFromLabelsMissingConfigHashForcesRedeploy(t *testing.T) {
	fp := FromLabels(map[string]string{labels.FingerprintType: "built"}, "sha256:abc")
	assert.Equal(t, fingerprint.KindBuilt, fp.Kind)
	assert.Empty(t, fp.ConfigHash)

	desired := fingerprint.Fingerprint{Kind: fingerprint.KindBuilt, ConfigHash: "nonempty"}
	d := Decide(fp, desired)
	assert.True(t, d.Should)
	assert.Equal(t, ReasonConfigChanged, d.Reason)
}

func TestSummarize(t *testing.T) {
	decisions := []Decision{
		{Should: false, Reason: ReasonUpToDate, Priority: PriorityOptional},
		{Should: true, Reason: ReasonConfigChanged, Priority: PriorityCritical},
	}
	anyCritical, anyChange := Summarize(decisions)
	assert.True(t, anyCritical)
	assert.True(t, anyChange)

	noneDue := []Decision{{Should: false, Reason: ReasonUpToDate, Priority: PriorityOptional}}
	anyCritical, anyChange = Summarize(noneDue)
	assert.False(t, anyCritical)
	assert.False(t, anyChange)
}
