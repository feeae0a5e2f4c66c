package store

import (
	"path/filepath"
	"testing"

	"deploybox/internal/envbundle"
	"deploybox/internal/errkind"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertProjectDuplicateName(t *testing.T) {
	s := newTestStore(t)
	spec := ProjectSpec{Name: "demo", RepoID: "org/demo", Env: envbundle.Bundle{}}
	if _, err := s.InsertProject(spec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := s.InsertProject(spec)
	if !errkind.As(err, errkind.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestIdempotentDeploymentInsertion(t *testing.T) {
	s := newTestStore(t)
	p, err := s.InsertProject(ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}

	exists, err := s.HashExists(p.ID, "abc")
	if err != nil || exists {
		t.Fatalf("expected no existing sha, got exists=%v err=%v", exists, err)
	}

	if _, err := s.InsertDeployment(DeploymentSpec{ProjectID: p.ID, Sha: "abc"}); err != nil {
		t.Fatalf("insert deployment: %v", err)
	}

	exists, err = s.HashExists(p.ID, "abc")
	if err != nil || !exists {
		t.Fatalf("expected sha to exist, got exists=%v err=%v", exists, err)
	}

	_, err = s.InsertDeployment(DeploymentSpec{ProjectID: p.ID, Sha: "abc"})
	if !errkind.As(err, errkind.Conflict) {
		t.Fatalf("expected conflict on duplicate sha, got %v", err)
	}

	deployments, err := s.GetDeployments(p.ID)
	if err != nil {
		t.Fatalf("get deployments: %v", err)
	}
	if len(deployments) != 1 {
		t.Fatalf("expected 1 deployment, got %d", len(deployments))
	}
	if len(deployments[0].URLID) < 6 {
		t.Fatalf("url_id too short: %q", deployments[0].URLID)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	p, err := s.InsertProject(ProjectSpec{Name: "demo", RepoID: "org/demo"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if _, err := s.InsertDeployment(DeploymentSpec{ProjectID: p.ID, Sha: "abc"}); err != nil {
		t.Fatalf("insert deployment: %v", err)
	}
	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	deployments, err := s.GetDeployments(p.ID)
	if err != nil {
		t.Fatalf("get deployments: %v", err)
	}
	if len(deployments) != 0 {
		t.Fatalf("expected cascade delete, got %d deployments", len(deployments))
	}
}

func TestDeleteProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteProject(999)
	if !errkind.As(err, errkind.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
