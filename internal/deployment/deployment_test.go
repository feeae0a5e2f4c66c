package deployment

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"deploybox/internal/containerhost"
	"deploybox/internal/store"
)

type fakeHost struct {
	mu         sync.Mutex
	builds     int32
	buildErr   error
	running    map[string]bool
	nextID     int
}

func newFakeHost() *fakeHost { return &fakeHost{running: make(map[string]bool)} }

func (f *fakeHost) Build(ctx context.Context, spec containerhost.ImageSpec, sourceTar []byte, env map[string]string, logs chan<- containerhost.LogLine) (string, error) {
	atomic.AddInt32(&f.builds, 1)
	close(logs)
	if f.buildErr != nil {
		return "", f.buildErr
	}
	return "image-1", nil
}

func (f *fakeHost) Run(ctx context.Context, imageID string, env map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := imageID + "-container"
	f.running[id] = true
	return id, nil
}

func (f *fakeHost) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[containerID] = false
	return nil
}

func (f *fakeHost) Remove(ctx context.Context, containerID string) error { return nil }

func (f *fakeHost) Inspect(ctx context.Context, containerID string) (containerhost.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[containerID] {
		return containerhost.Inspection{Running: true, IP: "10.0.0.1", Port: 8080}, nil
	}
	return containerhost.Inspection{Exited: true}, nil
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

func TestSingleFlightBuild(t *testing.T) {
	st := newTestStore(t)
	p, err := st.InsertProject(store.ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	row, err := st.InsertDeployment(store.DeploymentSpec{ProjectID: p.ID, Sha: "abc"})
	if err != nil {
		t.Fatalf("insert deployment: %v", err)
	}

	host := newFakeHost()
	d := New(st, host, row, false)

	var wg sync.WaitGroup
	input := &BuildInput{Spec: containerhost.ImageSpec{Tag: "demo:abc"}}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.EnsureBuilt(context.Background(), input); err != nil {
				t.Errorf("ensure built: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&host.builds); got != 1 {
		t.Fatalf("expected exactly 1 build invocation, got %d", got)
	}
}

func TestFailedStatusIsTerminal(t *testing.T) {
	st := newTestStore(t)
	p, err := st.InsertProject(store.ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	row, err := st.InsertDeployment(store.DeploymentSpec{ProjectID: p.ID, Sha: "bad"})
	if err != nil {
		t.Fatalf("insert deployment: %v", err)
	}

	host := newFakeHost()
	host.buildErr = errors.New("compile error")
	d := New(st, host, row, false)

	input := &BuildInput{Spec: containerhost.ImageSpec{Tag: "demo:bad"}}
	if err := d.EnsureBuilt(context.Background(), input); err == nil {
		t.Fatal("expected build error")
	}

	if got := d.Status(context.Background()); got != StatusFailed {
		t.Fatalf("expected Failed, got %v", got)
	}

	// Subsequent ensure_running calls must not re-invoke the adapter and
	// must not change the reported status.
	_ = d.EnsureRunning(context.Background(), input)
	if got := d.Status(context.Background()); got != StatusFailed {
		t.Fatalf("expected Failed to remain terminal, got %v", got)
	}
	if got := atomic.LoadInt32(&host.builds); got != 1 {
		t.Fatalf("expected no retry build, got %d invocations", got)
	}
}

// TestRestartRecoversBuiltImage simulates a process restart: a Deployment is
// built and run in one actor, then a second actor is constructed straight
// from the row persisted to the store (as manager.reconcileOnce does when it
// observes a row it has no in-memory actor for), without ever sharing the
// first actor's in-memory container state. It must reach Ready without
// rebuilding.
func TestRestartRecoversBuiltImage(t *testing.T) {
	st := newTestStore(t)
	p, err := st.InsertProject(store.ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	row, err := st.InsertDeployment(store.DeploymentSpec{ProjectID: p.ID, Sha: "abc"})
	if err != nil {
		t.Fatalf("insert deployment: %v", err)
	}

	host := newFakeHost()
	input := &BuildInput{Spec: containerhost.ImageSpec{Tag: "demo:abc"}}

	first := New(st, host, row, false)
	if err := first.EnsureRunning(context.Background(), input); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	if got := first.Status(context.Background()); got != StatusReady {
		t.Fatalf("expected Ready before restart, got %v", got)
	}

	persisted, err := st.GetDeployment(row.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if persisted.ImageID == nil || *persisted.ImageID != "image-1" {
		t.Fatalf("expected persisted image_id, got %+v", persisted.ImageID)
	}

	restarted := New(st, host, persisted, false)
	if got := restarted.Status(context.Background()); got == StatusFailed {
		t.Fatalf("restarted deployment with a built image must not report Failed")
	}
	if got := restarted.Status(context.Background()); got != StatusStandBy {
		t.Fatalf("expected StandBy immediately after restart, got %v", got)
	}

	// The nil-input rewake path Access() uses (StatusStandBy) must also
	// succeed, since the image reference now comes from the persisted row
	// rather than from a BuildInput the caller may not have.
	if err := restarted.EnsureRunning(context.Background(), nil); err != nil {
		t.Fatalf("ensure running after restart: %v", err)
	}
	if got := restarted.Status(context.Background()); got != StatusReady {
		t.Fatalf("expected Ready after restart recovery, got %v", got)
	}
	if got := atomic.LoadInt32(&host.builds); got != 1 {
		t.Fatalf("expected no rebuild on restart, got %d build invocations", got)
	}
}
