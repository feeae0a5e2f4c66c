package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"deploybox/internal/containerhost"
	"deploybox/internal/deployment"
	"deploybox/internal/envbundle"
	"deploybox/internal/store"
)

type fakeHost struct{}

func (fakeHost) Build(ctx context.Context, spec containerhost.ImageSpec, sourceTar []byte, env map[string]string, logs chan<- containerhost.LogLine) (string, error) {
	close(logs)
	return "image-1", nil
}
func (fakeHost) Run(ctx context.Context, imageID string, env map[string]string) (string, error) {
	return "container-1", nil
}
func (fakeHost) Stop(ctx context.Context, containerID string) error   { return nil }
func (fakeHost) Remove(ctx context.Context, containerID string) error { return nil }
func (fakeHost) Inspect(ctx context.Context, containerID string) (containerhost.Inspection, error) {
	return containerhost.Inspection{Running: true, IP: "10.0.0.1", Port: 8080}, nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchBuildInput(ctx context.Context, repoID, sha string, projectEnv envbundle.Bundle, imageTag string) (*deployment.BuildInput, error) {
	return &deployment.BuildInput{
		Spec:       containerhost.ImageSpec{Tag: imageTag},
		ProjectEnv: projectEnv,
	}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestReconcileBuildsNewDeploymentAndPromotesProduction(t *testing.T) {
	st := newTestStore(t)
	p, err := st.InsertProject(store.ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	row, err := st.InsertDeployment(store.DeploymentSpec{ProjectID: p.ID, Sha: "abc"})
	if err != nil {
		t.Fatalf("insert deployment: %v", err)
	}

	log := logrus.New()
	log.SetOutput(nopWriter{})
	m := New(st, fakeHost{}, fakeFetcher{}, Config{BoxDomain: "box.test", ReconcileEvery: time.Hour, EvictEvery: time.Hour}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.reconcileOnce(ctx)

	waitFor(t, time.Second, func() bool {
		d, ok := m.GetByID(row.ID)
		return ok && d.Status(ctx) == deployment.StatusReady
	})

	// promoteProduction observes the build result and updates the store;
	// the hostname snapshot reflects the new prod_deployment_id starting
	// the reconcile pass after that, so two more passes are needed to both
	// promote and then bind.
	m.reconcileOnce(ctx)
	m.reconcileOnce(ctx)

	proj, err := st.GetProjects()
	if err != nil {
		t.Fatalf("get projects: %v", err)
	}
	if len(proj) != 1 || proj[0].ProdDeploymentID == nil || *proj[0].ProdDeploymentID != row.ID {
		t.Fatalf("expected deployment %d promoted to production, got %+v", row.ID, proj)
	}

	d, ok := m.GetByHostname(row.URLID + "-demo.box.test")
	if !ok || d.ID() != row.ID {
		t.Fatalf("expected app hostname to resolve to deployment %d", row.ID)
	}
	if _, ok := m.GetByHostname("demo.box.test"); !ok {
		t.Fatalf("expected production hostname bound after promotion")
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
