// Package imagepipeline drives the build/push/pull workflow for one
// workload's release. Grounded on the teacher's release-bundle helpers
// (paas_release_bundle.go generates a release identifier and records
// release metadata) generalized from a local bundle directory into a
// registry-facing build+push/pull pipeline, using google/uuid for release
// identifiers instead of the teacher's timestamp-based scheme so identifiers
// stay unique across concurrently-triggered deploys from different
// operators.
package imagepipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fleetedge/fleetedge/internal/engine/config"
	"github.com/fleetedge/fleetedge/internal/engine/errs"
	"github.com/fleetedge/fleetedge/internal/engine/runtime"
)

// Executor is the minimal surface the pipeline needs from a host session:
// run a command, or run one with stdin attached (for credential piping).
type Executor interface {
	Exec(ctx context.Context, argv []string) (string, error)
	ExecWithStdin(ctx context.Context, argv []string, stdin []byte) (string, error)
}

// Credentials are workload-scoped registry credentials resolved from the
// secret store. A workload with no registry-scoped secret has Password=="".
type Credentials struct {
	Username string
	Password string
}

// Pipeline builds (or pulls) and distributes one release of a workload.
type Pipeline struct {
	Adapter *runtime.Adapter
	Log     *logrus.Entry
}

func New(adapter *runtime.Adapter, log *logrus.Entry) *Pipeline {
	return &Pipeline{Adapter: adapter, Log: log}
}

// NewReleaseID mints a fresh release identifier for a build.
func NewReleaseID() string {
	return "rel-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// Result reports what the pipeline produced, for the caller to label newly
// created containers with.
type Result struct {
	ReleaseID      string
	ImageReference string // the exact image:tag to run on the host
}

// Run pulls External workloads' images directly on the target host; Built
// workloads are built on the local operator machine, pushed, and pulled on
// the target host. It returns the image reference the host should run. local is the session for the
// operator's own machine (where builds happen); host is the session for the
// target deploy host.
func (p *Pipeline) Run(ctx context.Context, w config.Workload, project string, local, host Executor, registry config.RegistryConfig, creds Credentials) (*Result, error) {
	common, build, imageRef := commonOf(w)

	if build == nil {
		return p.runExternal(ctx, host, imageRef, registry, creds)
	}
	return p.runBuilt(ctx, local, host, w, common, build, project, registry, creds)
}

func (p *Pipeline) runExternal(ctx context.Context, host Executor, imageRef string, registry config.RegistryConfig, creds Credentials) (*Result, error) {
	if err := p.login(ctx, host, registry, creds); err != nil {
		return nil, err
	}
	if _, err := host.Exec(ctx, p.Adapter.Pull(imageRef)); err != nil {
		return nil, errs.New(errs.KindImagePipelineFailed, "pull", "", "", "verify the image reference and registry access", err)
	}
	p.logout(ctx, host, registry)
	return &Result{ImageReference: imageRef}, nil
}

func (p *Pipeline) runBuilt(ctx context.Context, local, host Executor, w config.Workload, common config.Common, build *config.BuildSpec, project string, registry config.RegistryConfig, creds Credentials) (*Result, error) {
	name := w.Name
	repo := fmt.Sprintf("%s-%s", project, name)
	if registry.Registry != "" {
		repo = fmt.Sprintf("%s/%s", strings.TrimSuffix(registry.Registry, "/"), repo)
	}
	releaseID := NewReleaseID()

	buildSpec := runtime.BuildSpec{
		Context:    build.Context,
		Dockerfile: build.Dockerfile,
		Args:       build.Args,
		Platform:   build.Platform,
		Repo:       repo,
		ReleaseID:  releaseID,
	}
	if _, err := local.Exec(ctx, p.Adapter.Build(buildSpec)); err != nil {
		return nil, errs.New(errs.KindImagePipelineFailed, "build", "", name, "check the Dockerfile, build context, and build args", err)
	}

	releaseTag := fmt.Sprintf("%s:%s", repo, releaseID)
	if err := p.login(ctx, local, registry, creds); err != nil {
		return nil, err
	}
	if _, err := local.Exec(ctx, p.Adapter.Push(releaseTag)); err != nil {
		return nil, errs.New(errs.KindImagePipelineFailed, "push", "", name, "verify registry credentials and network access", err)
	}
	p.logout(ctx, local, registry)

	if err := p.login(ctx, host, registry, creds); err != nil {
		return nil, err
	}
	if _, err := host.Exec(ctx, p.Adapter.Pull(releaseTag)); err != nil {
		return nil, errs.New(errs.KindImagePipelineFailed, "pull", "", name, "verify the host can reach the registry", err)
	}
	p.logout(ctx, host, registry)

	_ = common
	return &Result{ReleaseID: releaseID, ImageReference: releaseTag}, nil
}

// login performs a registry login only if workload-scoped credentials were
// resolved; the password is piped via stdin so it never appears in argv,
// shell history, or process listings, and is never written to disk.
func (p *Pipeline) login(ctx context.Context, exec Executor, registry config.RegistryConfig, creds Credentials) error {
	if creds.Password == "" {
		if p.Log != nil {
			p.Log.Warn("no registry credentials configured for this workload, proceeding unauthenticated")
		}
		return nil
	}
	username := creds.Username
	if username == "" {
		username = registry.Username
	}
	if _, err := exec.ExecWithStdin(ctx, p.Adapter.Login(registry.Registry, username), []byte(creds.Password)); err != nil {
		return errs.New(errs.KindImagePipelineFailed, "registry_login", "", "", "verify registry credentials", err)
	}
	return nil
}

// logout is best-effort: a failed logout should never fail the deploy, since
// the credential itself already lived only in memory and stdin.
func (p *Pipeline) logout(ctx context.Context, exec Executor, registry config.RegistryConfig) {
	if registry.Registry == "" {
		return
	}
	if _, err := exec.Exec(ctx, p.Adapter.Logout(registry.Registry)); err != nil && p.Log != nil {
		p.Log.WithError(err).Warn("registry logout failed, continuing")
	}
}

func commonOf(w config.Workload) (config.Common, *config.BuildSpec, string) {
	if w.App != nil {
		return w.App.Common, w.App.Build, w.App.ImageRef
	}
	return w.Svc.Common, w.Svc.Build, w.Svc.ImageRef
}
