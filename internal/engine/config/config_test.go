package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
name: proj
ssh:
  username: deploy
  port: 22
docker:
  registry: registry.example.com
  username: deploy
apps:
  web:
    host: 10.0.0.1
    build:
      context: .
    ports: ["8080:8080"]
    proxy_hosts: ["web.example.com"]
    proxy_app_port: 8080
services:
  postgres:
    host: 10.0.0.1
    image: postgres:16
    ports: ["5432:5432"]
`

func TestWorkloadsNormalizesAppsAndServices(t *testing.T) {
	p, err := Decode([]byte(sampleYAML))
	require.NoError(t, err)

	workloads, err := p.Workloads()
	require.NoError(t, err)
	require.Len(t, workloads, 2)

	byName := map[string]Workload{}
	for _, w := range workloads {
		byName[w.Name] = w
	}
	assert.True(t, byName["web"].IsApp())
	assert.Equal(t, "/up", byName["web"].App.HealthPath, "health path defaults to /up")
	assert.True(t, byName["postgres"].IsService())
	assert.Equal(t, 1, byName["postgres"].Svc.Replicas, "replicas defaults to 1")
}

func TestWorkloadsRejectsReservedNames(t *testing.T) {
	raw := `
name: proj
apps:
  proxy:
    host: 10.0.0.1
    image: x:1
`
	p, err := Decode([]byte(raw))
	require.NoError(t, err)
	_, err = p.Workloads()
	assert.Error(t, err)
}

func TestWorkloadsRejectsDuplicateNames(t *testing.T) {
	raw := `
name: proj
apps:
  web:
    host: 10.0.0.1
    image: x:1
services:
  web:
    host: 10.0.0.1
    image: y:1
`
	p, err := Decode([]byte(raw))
	require.NoError(t, err)
	_, err = p.Workloads()
	assert.ErrorContains(t, err, "duplicate")
}

func TestWorkloadsRejectsPortConflictsOnSameHost(t *testing.T) {
	raw := `
name: proj
apps:
  web:
    host: 10.0.0.1
    image: x:1
    ports: ["8080:8080"]
  api:
    host: 10.0.0.1
    image: y:1
    ports: ["8080:9090"]
`
	p, err := Decode([]byte(raw))
	require.NoError(t, err)
	_, err = p.Workloads()
	assert.ErrorContains(t, err, "port_conflict")
}

func TestWorkloadsAllowsSamePortOnDifferentHosts(t *testing.T) {
	raw := `
name: proj
apps:
  web:
    host: 10.0.0.1
    image: x:1
    ports: ["8080:8080"]
  api:
    host: 10.0.0.2
    image: y:1
    ports: ["8080:8080"]
`
	p, err := Decode([]byte(raw))
	require.NoError(t, err)
	_, err = p.Workloads()
	assert.NoError(t, err)
}

func TestServiceRequiresImageReference(t *testing.T) {
	raw := `
name: proj
services:
  cache:
    host: 10.0.0.1
`
	p, err := Decode([]byte(raw))
	require.NoError(t, err)
	_, err = p.Workloads()
	assert.Error(t, err)
}

func TestProjectNetworkAndAliasHelpers(t *testing.T) {
	p := &Project{Name: "proj"}
	assert.Equal(t, "proj-network", p.ProjectNetwork())
	assert.Equal(t, "web", InternalAlias("web"))
	assert.Equal(t, "proj-web", ProxyAlias("proj", "web"))
}

func TestWorkloadMapAcceptsSequenceForm(t *testing.T) {
	raw := `
name: proj
apps:
  - name: web
    host: 10.0.0.1
    image: x:1
`
	p, err := Decode([]byte(raw))
	require.NoError(t, err)
	workloads, err := p.Workloads()
	require.NoError(t, err)
	require.Len(t, workloads, 1)
	assert.Equal(t, "web", workloads[0].Name)
}
