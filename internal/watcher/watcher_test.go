package watcher

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"deploybox/internal/errkind"
	"deploybox/internal/sourcehost"
	"deploybox/internal/store"
)

type fakeSource struct {
	defaultBranch string
	heads         map[string]string // branch -> sha
	pulls         []sourcehost.PullRequest
	err           error
	errRepo       string // when set, err is returned only for this repository
}

func (f *fakeSource) failFor(repoID string) error {
	if f.errRepo != "" && repoID != f.errRepo {
		return nil
	}
	return f.err
}

func (f *fakeSource) DefaultBranch(ctx context.Context, repoID string) (string, error) {
	if err := f.failFor(repoID); err != nil {
		return "", err
	}
	return f.defaultBranch, nil
}

func (f *fakeSource) BranchHeadSha(ctx context.Context, repoID, branch string) (string, error) {
	if err := f.failFor(repoID); err != nil {
		return "", err
	}
	return f.heads[branch], nil
}

func (f *fakeSource) OpenPullRequests(ctx context.Context, repoID string) ([]sourcehost.PullRequest, error) {
	if err := f.failFor(repoID); err != nil {
		return nil, err
	}
	return f.pulls, nil
}

func (f *fakeSource) Tarball(ctx context.Context, repoID, sha string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
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

func TestIdempotentAcrossCycles(t *testing.T) {
	st := newTestStore(t)
	p, err := st.InsertProject(store.ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}

	src := &fakeSource{
		defaultBranch: "main",
		heads:         map[string]string{"main": "abc", "feat": "def"},
		pulls:         []sourcehost.PullRequest{{Number: 1, HeadRef: "feat", HeadSha: "def"}},
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	w := New(st, src, 0, log)

	for i := 0; i < 3; i++ {
		w.cycle(context.Background())
	}

	rows, err := st.GetDeployments(p.ID)
	if err != nil {
		t.Fatalf("get deployments: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 distinct deployments after repeated cycles, got %d", len(rows))
	}
}

func TestTransientAbortsWholeCycle(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.InsertProject(store.ProjectSpec{Name: "a", RepoID: "org/a"}); err != nil {
		t.Fatalf("insert project a: %v", err)
	}
	p2, err := st.InsertProject(store.ProjectSpec{Name: "b", RepoID: "org/b"})
	if err != nil {
		t.Fatalf("insert project b: %v", err)
	}

	// Only project a (scanned first) fails; project b is healthy, so any
	// row for b would mean the cycle went on after the transient error.
	src := &fakeSource{
		defaultBranch: "main",
		heads:         map[string]string{"main": "abc"},
		err:           errkind.Wrap(errkind.Transient, errors.New("rate limited")),
		errRepo:       "org/a",
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	w := New(st, src, 0, log)
	w.cycle(context.Background())

	rows, err := st.GetDeployments(p2.ID)
	if err != nil {
		t.Fatalf("get deployments: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no deployments inserted after transient error, got %d", len(rows))
	}
}
