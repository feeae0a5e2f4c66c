// Package manager owns the set of live Deployment objects in memory,
// indexes them by id and by hostname, reconciles them against the
// persistence store, and promotes successful default-branch builds to
// production.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deploybox/internal/containerhost"
	"deploybox/internal/deployment"
	"deploybox/internal/envbundle"
	"deploybox/internal/metrics"
	"deploybox/internal/sourcehost"
	"deploybox/internal/store"
)

// SourceFetcher fetches a buildable tarball for a deployment. The manager
// does not know about repo-host concerns directly; it asks for a build
// input when a deployment needs to go from Queued to Building.
type SourceFetcher interface {
	FetchBuildInput(ctx context.Context, repoID, sha string, projectEnv envbundle.Bundle, imageTag string) (*deployment.BuildInput, error)
}

// Config controls the manager's background behavior.
type Config struct {
	BoxDomain        string
	BuildConcurrency int           // default 1
	IdleTimeout      time.Duration // default 10 minutes
	ReconcileEvery   time.Duration // default 5 seconds
	EvictEvery       time.Duration // default 1 minute
}

func (c Config) withDefaults() Config {
	if c.BuildConcurrency <= 0 {
		c.BuildConcurrency = 1
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = 5 * time.Second
	}
	if c.EvictEvery <= 0 {
		c.EvictEvery = time.Minute
	}
	return c
}

// snapshot is the manager's read-heavy, atomically-replaced view of live
// deployments. Readers (the routing data plane) never block on writers.
type snapshot struct {
	byID       map[int64]*deployment.Deployment
	byHostname map[string]*deployment.Deployment
}

// Manager coordinates deployment lifecycle against the persistence store.
type Manager struct {
	store   *store.Store
	host    containerhost.Host
	source  SourceFetcher
	cfg     Config
	log     *logrus.Logger
	metrics *metrics.Registry // optional; nil disables metric recording

	snap snapshotHolder

	buildSem chan struct{}
}

// snapshotHolder is a single-writer/many-reader holder for the manager's
// hostname/id indices: readers never block on a concurrent reconcile.
type snapshotHolder struct {
	mu    sync.RWMutex
	value *snapshot
}

func (h *snapshotHolder) load() *snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.value
}

func (h *snapshotHolder) store(s *snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value = s
}

// New builds a Manager. Start must be called to begin its background
// loops.
func New(st *store.Store, host containerhost.Host, source SourceFetcher, cfg Config, log *logrus.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:    st,
		host:     host,
		source:   source,
		cfg:      cfg,
		log:      log,
		buildSem: make(chan struct{}, cfg.BuildConcurrency),
	}
	m.snap.store(&snapshot{byID: map[int64]*deployment.Deployment{}, byHostname: map[string]*deployment.Deployment{}})
	return m
}

// WithMetrics attaches a metrics registry the manager records build
// outcomes and readiness gauges into. Optional; the zero value (nil) is a
// safe no-op.
func (m *Manager) WithMetrics(reg *metrics.Registry) *Manager {
	m.metrics = reg
	return m
}

// GetByID looks up a live deployment by id.
func (m *Manager) GetByID(id int64) (*deployment.Deployment, bool) {
	s := m.snap.load()
	d, ok := s.byID[id]
	return d, ok
}

// GetByHostname looks up a live deployment by any of its bound hostnames.
func (m *Manager) GetByHostname(host string) (*deployment.Deployment, bool) {
	s := m.snap.load()
	d, ok := s.byHostname[host]
	return d, ok
}

// Start launches the reconciliation loop and the idle-eviction sweeper.
// It returns once ctx is cancelled and both loops have stopped.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.reconcileLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.evictLoop(ctx)
	}()
	wg.Wait()
}

func (m *Manager) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileEvery)
	defer ticker.Stop()
	m.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce computes the symmetric difference between rows in the
// store and deployments in memory and applies it, per the manager's
// reconciliation responsibility.
func (m *Manager) reconcileOnce(ctx context.Context) {
	projects, err := m.store.GetProjects()
	if err != nil {
		m.log.WithError(err).Error("reconcile: list projects")
		return
	}

	old := m.snap.load()
	next := &snapshot{byID: map[int64]*deployment.Deployment{}, byHostname: map[string]*deployment.Deployment{}}

	var toBuild []*deployment.Deployment
	var toBuildRows []store.Deployment
	var toBuildProjects []store.Project

	for _, p := range projects {
		rows, err := m.store.GetDeployments(p.ID)
		if err != nil {
			m.log.WithError(err).WithField("project", p.ID).Error("reconcile: list deployments")
			continue
		}
		for _, row := range rows {
			existing, had := old.byID[row.ID]
			var d *deployment.Deployment
			if had {
				d = existing
			} else {
				public := row.Branch == nil // default-branch (prod-candidate) deployments are public by default
				d = deployment.New(m.store, m.host, row, public)
				toBuild = append(toBuild, d)
				toBuildRows = append(toBuildRows, row)
				toBuildProjects = append(toBuildProjects, p)
			}
			next.byID[row.ID] = d
			m.bindHostnames(next, d, row, p)
		}
	}

	m.snap.store(next)

	for id, d := range old.byID {
		if _, stillPresent := next.byID[id]; !stillPresent {
			go func(d *deployment.Deployment) {
				if err := d.Destroy(ctx); err != nil {
					m.log.WithError(err).WithField("deployment", d.ID()).Warn("destroy removed deployment")
				}
			}(d)
		}
	}

	for i, d := range toBuild {
		d := d
		row := toBuildRows[i]
		p := toBuildProjects[i]
		go m.buildDeployment(ctx, d, row, p)
	}

	m.promoteProduction(projects)
	m.recordReadyGauge(next)
}

func (m *Manager) recordReadyGauge(s *snapshot) {
	if m.metrics == nil {
		return
	}
	ready := 0
	for _, d := range s.byID {
		if d.Status(context.Background()) == deployment.StatusReady {
			ready++
		}
	}
	m.metrics.DeploymentsUp.Set(float64(ready))
}

func (m *Manager) bindHostnames(next *snapshot, d *deployment.Deployment, row store.Deployment, p store.Project) {
	isProd := p.ProdDeploymentID != nil && *p.ProdDeploymentID == row.ID
	h := deployment.Hostnames(row.URLID, p.Name, m.cfg.BoxDomain, isProd)
	next.byHostname[h.App] = d
	next.byHostname[h.DB] = d
	if h.Prod != "" {
		next.byHostname[h.Prod] = d
	}
	for _, custom := range p.CustomHostnames {
		if isProd {
			next.byHostname[custom] = d
		}
	}
}

func (m *Manager) buildDeployment(ctx context.Context, d *deployment.Deployment, row store.Deployment, p store.Project) {
	m.buildSem <- struct{}{}
	defer func() { <-m.buildSem }()

	imageTag := p.Name + ":" + row.Sha
	input, err := m.source.FetchBuildInput(ctx, p.RepoID, row.Sha, p.Env, imageTag)
	if err != nil {
		m.log.WithError(err).WithField("deployment", row.ID).Error("fetch build input")
		return
	}

	started := time.Now()
	err = d.EnsureBuilt(ctx, input)
	if m.metrics != nil {
		result := "built"
		if err != nil {
			result = "failed"
		}
		m.metrics.BuildsTotal.WithLabelValues(result).Inc()
		m.metrics.BuildDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		m.log.WithError(err).WithField("deployment", row.ID).Warn("build failed")
		return
	}
	if err := d.EnsureRunning(ctx, input); err != nil {
		m.log.WithError(err).WithField("deployment", row.ID).Warn("run failed")
	}
}

// promoteProduction implements "last build_finished wins, ties broken by
// deployment id" across default-branch deployments of each project.
func (m *Manager) promoteProduction(projects []store.Project) {
	for _, p := range projects {
		rows, err := m.store.GetDeployments(p.ID)
		if err != nil {
			continue
		}
		var best *store.Deployment
		for i := range rows {
			row := &rows[i]
			if row.Branch != nil || row.Result == nil || *row.Result != store.ResultBuilt {
				continue
			}
			if best == nil {
				best = row
				continue
			}
			if row.BuildFinished.After(*best.BuildFinished) ||
				(row.BuildFinished.Equal(*best.BuildFinished) && row.ID > best.ID) {
				best = row
			}
		}
		if best == nil {
			continue
		}
		if p.ProdDeploymentID != nil && *p.ProdDeploymentID == best.ID {
			continue
		}
		id := best.ID
		if err := m.store.UpdateProject(p.ID, store.ProjectPatch{ProdDeploymentID: &id}); err != nil {
			m.log.WithError(err).WithField("project", p.ID).Error("promote production")
		}
	}
}

func (m *Manager) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictOnce(ctx)
		}
	}
}

func (m *Manager) evictOnce(ctx context.Context) {
	s := m.snap.load()
	ids := make([]int64, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		d := s.byID[id]
		if d.Status(ctx) != deployment.StatusReady {
			continue
		}
		if d.IdleSince() < m.cfg.IdleTimeout {
			continue
		}
		if err := d.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("deployment", id).Warn("idle eviction stop")
		}
	}
}
