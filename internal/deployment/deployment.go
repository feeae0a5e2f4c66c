// Package deployment implements the per-deployment actor: it owns one
// container handle and drives it through build and run, exposing a small,
// uniform interface the manager and the routing data plane depend on.
package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deploybox/internal/containerhost"
	"deploybox/internal/envbundle"
	"deploybox/internal/errkind"
	"deploybox/internal/store"
)

// Status is the derived runtime status of a Deployment, per the table in
// the deployment lifecycle design.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusStandBy  Status = "stand by"
	StatusFailed   Status = "failed"
)

// Access is the tri-state result of asking a Deployment for a way to reach
// its running container.
type Access int

const (
	AccessError Access = iota
	AccessSocket
	AccessLoading
)

// AccessResult is the outcome of Access().
type AccessResult struct {
	Kind Access
	Addr string // host:port, set only when Kind == AccessSocket
}

// Hostnames are the derived, per-deployment hostname bindings.
type Hostnames struct {
	App  string
	DB   string
	Prod string // empty unless this is the project's current production deployment
}

// containerState tracks the in-memory-only handle this Deployment owns.
type containerState struct {
	id           string // runtime container id, empty until created
	imageID      string
	building     bool
	lastActivity time.Time
}

// Deployment is a single per-deployment actor. All mutation of its
// container state is serialized by mu; callers never touch the container
// handle directly.
type Deployment struct {
	store  *store.Store
	host   containerhost.Host
	record store.Deployment

	mu        sync.Mutex
	container containerState

	buildOnce   sync.Once
	buildResult chan struct{} // closed when the in-flight build finishes
	buildErr    error

	public bool // whether this deployment may be accessed without the auth cookie
}

// New wraps a persisted deployment row in a live actor. public controls
// whether Access() may be used without the auth cookie. If record carries a
// persisted image reference (a prior, successful build from before a
// process restart), the actor starts already knowing its built image, so
// EnsureRunning can start a fresh container for it without rebuilding.
func New(st *store.Store, host containerhost.Host, record store.Deployment, public bool) *Deployment {
	d := &Deployment{store: st, host: host, record: record, public: public}
	if record.ImageID != nil {
		d.container.imageID = *record.ImageID
	}
	return d
}

// ID returns the deployment's database id.
func (d *Deployment) ID() int64 { return d.record.ID }

// Record returns the persisted row this actor was built from. Its build
// fields are a snapshot taken at construction time; Status() is the
// authoritative live view.
func (d *Deployment) Record() store.Deployment { return d.record }

// IsPublic reports whether this deployment may be accessed without the auth
// cookie.
func (d *Deployment) IsPublic() bool { return d.public }

// Status derives the current status from the container handle and the
// persisted build result, per the status table: a Failed result is
// terminal and never overridden by a later container state.
func (d *Deployment) Status(ctx context.Context) Status {
	d.mu.Lock()
	result := d.record.Result
	building := d.container.building
	containerID := d.container.id
	d.mu.Unlock()

	if result != nil && *result == store.ResultFailed {
		return StatusFailed
	}
	if building {
		return StatusBuilding
	}
	if containerID == "" {
		if result == nil {
			return StatusQueued
		}
		// result is Built (Failed already returned above): the image
		// exists but this process has no live container for it yet,
		// either because it was just restarted or because the
		// container was stopped. StandBy drives Access() to rewake it.
		return StatusStandBy
	}

	insp, err := d.host.Inspect(ctx, containerID)
	if err != nil {
		return StatusFailed
	}
	switch {
	case insp.Running && insp.Port != 0:
		return StatusReady
	case insp.Running:
		return StatusBuilding // re-warming: running but not yet accepting traffic
	default:
		return StatusStandBy
	}
}

// BuildInput carries what a from-scratch build needs. Its source tarball is
// only used when the deployment has no build result yet; a deployment
// recovered from a persisted row after a restart already knows its image
// id (see New) and never rebuilds from it. ProjectEnv is also merged into
// the environment of each container EnsureRunning starts with this input.
type BuildInput struct {
	Spec       containerhost.ImageSpec
	SourceTar  []byte
	ProjectEnv envbundle.Bundle
}

// EnsureBuilt triggers a build if none is in flight and none has completed,
// and blocks until the in-flight (possibly just-started) build terminates.
// Concurrent callers share the single underlying build. input may be nil
// only if the deployment already has a build result, from this process or
// from its persisted row.
func (d *Deployment) EnsureBuilt(ctx context.Context, input *BuildInput) error {
	d.mu.Lock()
	if d.record.Result != nil {
		err := d.buildErr
		if err == nil && *d.record.Result == store.ResultFailed {
			// A Failed row restored after a restart has no buildErr of its
			// own in this process; it must still report failure.
			err = errkind.Wrapf(errkind.BuildFailure, fmt.Errorf("deployment %d", d.record.ID), "build previously failed")
		}
		// Restored from a persisted row: the image reference survives a
		// restart via the store, but a never-recovered row (predating
		// image_id, or otherwise missing it) falls back to the
		// deterministic tag the caller computed for this build.
		if err == nil && d.container.imageID == "" && input != nil {
			d.container.imageID = input.Spec.Tag
		}
		d.mu.Unlock()
		return err
	}
	if d.container.building {
		ch := d.buildResult
		d.mu.Unlock()
		<-ch
		d.mu.Lock()
		err := d.buildErr
		d.mu.Unlock()
		return err
	}
	if input == nil {
		d.mu.Unlock()
		return errkind.Wrapf(errkind.Fatal, fmt.Errorf("deployment %d", d.record.ID), "ensure_built called without build input and no prior build")
	}
	d.container.building = true
	d.buildResult = make(chan struct{})
	d.mu.Unlock()

	go d.runBuild(context.WithoutCancel(ctx), input.Spec, input.SourceTar, input.ProjectEnv)

	d.mu.Lock()
	ch := d.buildResult
	d.mu.Unlock()
	<-ch

	d.mu.Lock()
	err := d.buildErr
	d.mu.Unlock()
	return err
}

// runBuild performs the actual build and persists the result. It is run in
// a detached goroutine so that cancelling the caller's context does not
// abort an in-progress image build; the manager lets it complete into the
// store even if no caller is still waiting.
func (d *Deployment) runBuild(ctx context.Context, spec containerhost.ImageSpec, sourceTar []byte, projectEnv envbundle.Bundle) {
	started := time.Now().UTC()
	_ = d.store.SetBuildStarted(d.record.ID, started)

	env := projectEnv.Merge(d.record.Env)
	logs := make(chan containerhost.LogLine, 64)
	go func() {
		for range logs {
			// No subscriber receives build log lines; they are drained
			// and discarded here so Build never blocks on a full channel.
		}
	}()

	imageID, err := d.host.Build(ctx, spec, sourceTar, env, logs)

	finished := time.Now().UTC()
	var result store.BuildResult
	var persistedImageID string
	if err != nil {
		result = store.ResultFailed
	} else {
		result = store.ResultBuilt
		persistedImageID = imageID
	}
	_ = d.store.SetBuildResult(d.record.ID, finished, result, persistedImageID)

	d.mu.Lock()
	d.record.Result = &result
	d.record.BuildFinished = &finished
	d.container.building = false
	if err == nil {
		d.container.imageID = imageID
		d.record.ImageID = &imageID
	}
	d.buildErr = err
	ch := d.buildResult
	d.mu.Unlock()
	close(ch)
}

// EnsureRunning brings a StandBy container back to Ready, building first if
// necessary. Idempotent. input may be nil when the deployment already has a
// build result, from this process or from its persisted row (the common
// idle-eviction and restart rewake path).
func (d *Deployment) EnsureRunning(ctx context.Context, input *BuildInput) error {
	if err := d.EnsureBuilt(ctx, input); err != nil {
		return err
	}

	d.mu.Lock()
	containerID := d.container.id
	imageID := d.container.imageID
	d.mu.Unlock()

	if containerID != "" {
		insp, err := d.host.Inspect(ctx, containerID)
		if err == nil && insp.Running {
			d.touch()
			return nil
		}
	}

	var projectEnv envbundle.Bundle
	if input != nil {
		projectEnv = input.ProjectEnv
	}
	env := projectEnv.Merge(d.record.Env)
	newID, err := d.host.Run(ctx, imageID, env)
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "run deployment %d", d.record.ID)
	}
	d.mu.Lock()
	d.container.id = newID
	d.mu.Unlock()
	d.touch()
	return nil
}

func (d *Deployment) touch() {
	d.mu.Lock()
	d.container.lastActivity = time.Now()
	d.mu.Unlock()
}

// IdleSince returns how long it has been since the deployment last served a
// request.
func (d *Deployment) IdleSince() time.Duration {
	d.mu.Lock()
	last := d.container.lastActivity
	d.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// Stop transitions a Ready deployment to StandBy: the container is stopped
// but the built image is kept so EnsureRunning can restart it cheaply.
func (d *Deployment) Stop(ctx context.Context) error {
	d.mu.Lock()
	containerID := d.container.id
	d.mu.Unlock()
	if containerID == "" {
		return nil
	}
	if err := d.host.Stop(ctx, containerID); err != nil {
		return err
	}
	return nil
}

// Destroy is terminal: it releases the container and, if present, its row.
func (d *Deployment) Destroy(ctx context.Context) error {
	d.mu.Lock()
	containerID := d.container.id
	d.mu.Unlock()
	if containerID != "" {
		if err := d.host.Stop(ctx, containerID); err != nil {
			return err
		}
		if err := d.host.Remove(ctx, containerID); err != nil {
			return err
		}
	}
	if err := d.store.DeleteDeployment(d.record.ID); err != nil && !errkind.IsNotFound(err) {
		return err
	}
	return nil
}

// Hostnames derives the app/db/prod hostnames for this deployment.
func Hostnames(urlID, projectName, boxDomain string, isProd bool) Hostnames {
	h := Hostnames{
		App: fmt.Sprintf("%s-%s.%s", urlID, projectName, boxDomain),
		DB:  fmt.Sprintf("%s-db-%s.%s", urlID, projectName, boxDomain),
	}
	if isProd {
		h.Prod = fmt.Sprintf("%s.%s", projectName, boxDomain)
	}
	return h
}

// Access asks the deployment for a way to reach its container, per the
// tri-state contract the routing data plane depends on.
func (d *Deployment) Access(ctx context.Context) AccessResult {
	status := d.Status(ctx)
	switch status {
	case StatusFailed:
		return AccessResult{Kind: AccessError}
	case StatusQueued, StatusBuilding:
		return AccessResult{Kind: AccessLoading}
	case StatusStandBy:
		go func() {
			_ = d.EnsureRunning(context.WithoutCancel(ctx), nil)
		}()
		return AccessResult{Kind: AccessLoading}
	case StatusReady:
		d.mu.Lock()
		containerID := d.container.id
		d.mu.Unlock()
		insp, err := d.host.Inspect(ctx, containerID)
		if err != nil || insp.IP == "" || insp.Port == 0 {
			return AccessResult{Kind: AccessError}
		}
		d.touch()
		return AccessResult{Kind: AccessSocket, Addr: fmt.Sprintf("%s:%d", insp.IP, insp.Port)}
	default:
		return AccessResult{Kind: AccessError}
	}
}
