// Package watcher periodically reconciles upstream repository state
// (default branch head, open pull requests) into deployment rows.
package watcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"deploybox/internal/errkind"
	"deploybox/internal/metrics"
	"deploybox/internal/sourcehost"
	"deploybox/internal/store"
)

// Watcher polls every project's source repository and inserts new
// deployment rows for commits it has not seen before.
type Watcher struct {
	store        *store.Store
	host         sourcehost.Host
	pollInterval time.Duration
	log          *logrus.Logger
	metrics      *metrics.Registry // optional; nil disables metric recording
}

// New builds a Watcher. A non-positive pollInterval defaults to 60 seconds.
func New(st *store.Store, host sourcehost.Host, pollInterval time.Duration, log *logrus.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	return &Watcher{store: st, host: host, pollInterval: pollInterval, log: log}
}

// WithMetrics attaches a metrics registry the watcher records cycle
// counts into. Optional; the zero value (nil) is a safe no-op.
func (w *Watcher) WithMetrics(reg *metrics.Registry) *Watcher {
	w.metrics = reg
	return w
}

// Run blocks, polling every pollInterval, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	w.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// cycle runs one full sweep over every project. A Transient error aborts
// the whole cycle (fail-fast avoids inserting a partial view of upstream
// state during rate-limiting); a NotFound error skips just that project.
func (w *Watcher) cycle(ctx context.Context) {
	projects, err := w.store.GetProjects()
	if err != nil {
		w.log.WithError(err).Error("watcher: list projects")
		w.recordCycle("error")
		return
	}

	for _, p := range projects {
		if err := w.scanProject(ctx, p); err != nil {
			if errkind.IsNotFound(err) {
				w.log.WithError(err).WithField("project", p.ID).Warn("watcher: project not found, skipping")
				continue
			}
			w.log.WithError(err).WithField("project", p.ID).Error("watcher: aborting cycle")
			w.recordCycle("aborted")
			return
		}
	}
	w.recordCycle("ok")
}

func (w *Watcher) recordCycle(outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.WatcherCyclesTotal.WithLabelValues(outcome).Inc()
}

func (w *Watcher) scanProject(ctx context.Context, p store.Project) error {
	branch, err := w.host.DefaultBranch(ctx, p.RepoID)
	if err != nil {
		return err
	}
	sha, err := w.host.BranchHeadSha(ctx, p.RepoID, branch)
	if err != nil {
		return err
	}
	if err := w.insertIfMissing(p, sha, nil); err != nil {
		return err
	}

	pulls, err := w.host.OpenPullRequests(ctx, p.RepoID)
	if err != nil {
		return err
	}
	for _, pr := range pulls {
		ref := pr.HeadRef
		if err := w.insertIfMissing(p, pr.HeadSha, &ref); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) insertIfMissing(p store.Project, sha string, branch *string) error {
	exists, err := w.store.HashExists(p.ID, sha)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = w.store.InsertDeployment(store.DeploymentSpec{
		ProjectID: p.ID,
		Sha:       sha,
		Branch:    branch,
		Env:       p.Env,
	})
	if errkind.As(err, errkind.Conflict) {
		// Another cycle (or a concurrent insert) beat us to it; the
		// idempotent-insert path treats this as success.
		return nil
	}
	return err
}
