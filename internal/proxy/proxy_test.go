package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"deploybox/internal/containerhost"
	"deploybox/internal/deployment"
	"deploybox/internal/store"
)

type noopHost struct{}

func (noopHost) Build(ctx context.Context, spec containerhost.ImageSpec, sourceTar []byte, env map[string]string, logs chan<- containerhost.LogLine) (string, error) {
	close(logs)
	return "", nil
}
func (noopHost) Run(ctx context.Context, imageID string, env map[string]string) (string, error) {
	return "", nil
}
func (noopHost) Stop(ctx context.Context, containerID string) error    { return nil }
func (noopHost) Remove(ctx context.Context, containerID string) error { return nil }
func (noopHost) Inspect(ctx context.Context, containerID string) (containerhost.Inspection, error) {
	return containerhost.Inspection{}, nil
}

type fakeResolver map[string]*deployment.Deployment

func (f fakeResolver) GetByHostname(host string) (*deployment.Deployment, bool) {
	d, ok := f[host]
	return d, ok
}

func newQueuedDeployment(t *testing.T, public bool) *deployment.Deployment {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	p, err := st.InsertProject(store.ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	row, err := st.InsertDeployment(store.DeploymentSpec{ProjectID: p.ID, Sha: "abc"})
	if err != nil {
		t.Fatalf("insert deployment: %v", err)
	}
	return deployment.New(st, noopHost{}, row, public)
}

func TestUnauthenticatedNonPublicRedirects(t *testing.T) {
	dep := newQueuedDeployment(t, false)
	resolver := fakeResolver{"app.example.com": dep}
	cfg := Config{ManagementHostname: "manage.example.com", AuthToken: "secret", CoordinatorURL: "https://coordinator.example.com"}
	p := New(cfg, resolver, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/path", nil)
	req.Host = "app.example.com"
	rec := httptest.NewRecorder()
	p.serveHTTPS(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	want := "https://coordinator.example.com/api/instance/auth?callback=https%3A%2F%2Fapp.example.com%2Fpath"
	if loc != want {
		t.Fatalf("unexpected redirect location: got %q want %q", loc, want)
	}
}

func TestLoadingInterstitial(t *testing.T) {
	dep := newQueuedDeployment(t, true)
	resolver := fakeResolver{"app.example.com": dep}
	cfg := Config{ManagementHostname: "manage.example.com"}
	p := New(cfg, resolver, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil)
	req.Host = "app.example.com"
	rec := httptest.NewRecorder()
	p.serveHTTPS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Prezel-Loading") != "true" {
		t.Fatalf("expected Prezel-Loading header, got %v", rec.Header())
	}
	if rec.Header().Get("Connection") != "close" {
		t.Fatalf("expected keepalive disabled, got %v", rec.Header())
	}
}

func TestUnknownHostNotFound(t *testing.T) {
	resolver := fakeResolver{}
	p := New(Config{ManagementHostname: "manage.example.com"}, resolver, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "https://nope.example.com/", nil)
	req.Host = "nope.example.com"
	rec := httptest.NewRecorder()
	p.serveHTTPS(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHTTPRedirect(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/path", nil)
	req.Host = "app.example.com"
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://app.example.com/path" {
		t.Fatalf("unexpected location: %q", got)
	}
}

func TestHTTPRedirectNoHostIs404(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/path", nil)
	req.Host = ""
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
