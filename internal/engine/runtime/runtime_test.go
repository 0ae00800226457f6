package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateContainerOrdersPortsVolumesEnvLabelsDeterministically(t *testing.T) {
	a := New()
	spec := ContainerSpec{
		Name:          "proj-web-blue",
		Image:         "proj/web:rel-1",
		Ports:         []PortBinding{{HostPort: "8081", ContainerPort: "8080"}, {HostPort: "8080", ContainerPort: "8080"}},
		Volumes:       []VolumeBinding{{Source: "b", Destination: "/b"}, {Source: "a", Destination: "/a"}},
		Env:           map[string]string{"Z": "1", "A": "2"},
		Network:       "proj-network",
		NetworkAliases: []string{"z-alias", "a-alias"},
		RestartPolicy: "unless-stopped",
		Labels:        map[string]string{"z.label": "1", "a.label": "2"},
	}
	argv := a.CreateContainer(spec)

	first := a.CreateContainer(spec)
	second := a.CreateContainer(spec)
	assert.Equal(t, first, second, "argv construction must be deterministic for idempotent replays")

	assert.Contains(t, argv, "docker")
	assert.Contains(t, argv, "create")

	idxA := indexOf(argv, "a-alias")
	idxZ := indexOf(argv, "z-alias")
	assert.Less(t, idxA, idxZ, "aliases must be sorted")

	idxALabel := indexOf(argv, "a.label=2")
	idxZLabel := indexOf(argv, "z.label=1")
	assert.Less(t, idxALabel, idxZLabel, "labels must be sorted")

	idxPort8080 := indexOf(argv, "8080:8080/tcp")
	idxPort8081 := indexOf(argv, "8081:8080/tcp")
	assert.Less(t, idxPort8080, idxPort8081, "ports must be sorted")

	idxVolA := indexOf(argv, "a:/a:rw")
	idxVolB := indexOf(argv, "b:/b:rw")
	assert.Less(t, idxVolA, idxVolB, "volumes must be sorted")

	idxEnvA := indexOf(argv, "A=2")
	idxEnvZ := indexOf(argv, "Z=1")
	assert.Less(t, idxEnvA, idxEnvZ, "env must be sorted")
}

func TestLoginUsesPasswordStdinFlag(t *testing.T) {
	a := New()
	argv := a.Login("registry.example.com", "deploy")
	assert.Contains(t, argv, "--password-stdin")
	for _, arg := range argv {
		assert.NotContains(t, arg, "hunter2", "password must never appear in argv")
	}
}

func TestBuildAlwaysTagsReleaseAndLatest(t *testing.T) {
	a := New()
	argv := a.Build(BuildSpec{Context: ".", Repo: "proj-web", ReleaseID: "rel-1"})
	assert.Contains(t, argv, "proj-web:rel-1")
	assert.Contains(t, argv, "proj-web:latest")
}

func TestParseInspectDecodesDockerJSON(t *testing.T) {
	raw := `[{
		"Image": "sha256:abc123",
		"Config": {"Labels": {"fleetedge.project": "proj"}, "Env": ["A=1"]},
		"NetworkSettings": {"Ports": {"8080/tcp": [{"HostIp":"0.0.0.0","HostPort":"8080"}]}},
		"State": {"ExitCode": 0, "StartedAt": "2026-01-01T00:00:00Z"}
	}]`
	result, err := ParseInspect(raw)
	assert.NoError(t, err)
	assert.Equal(t, "sha256:abc123", result.ImageID)
	assert.Equal(t, "proj", result.Labels["fleetedge.project"])
	assert.Equal(t, []string{"8080"}, result.PortBindings["8080/tcp"])
}

func TestParseInspectEmptyResultIsError(t *testing.T) {
	_, err := ParseInspect(`[]`)
	assert.Error(t, err)
}

func TestFormatPortDefaultsToTCP(t *testing.T) {
	p, err := FormatPort(8080, "")
	assert.NoError(t, err)
	assert.Equal(t, "8080/tcp", p)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
