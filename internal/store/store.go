// Package store is the durable source of truth for projects and
// deployments. All in-memory state elsewhere in the system is derived from
// what this package persists, so the control plane can restart without
// losing track of what must exist.
package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"deploybox/internal/envbundle"
	"deploybox/internal/errkind"
)

// BuildResult is the terminal outcome of a build attempt.
type BuildResult string

const (
	ResultBuilt  BuildResult = "built"
	ResultFailed BuildResult = "failed"
)

// Project is a user-declared binding of a name to an upstream repository.
type Project struct {
	ID               int64
	Name             string
	RepoID           string
	Env              envbundle.Bundle
	CustomHostnames  []string
	ProdDeploymentID *int64
	CreatedAt        time.Time
}

// ProjectSpec is the input to InsertProject.
type ProjectSpec struct {
	Name            string
	RepoID          string
	Env             envbundle.Bundle
	CustomHostnames []string
}

// ProjectPatch describes a partial update to a Project. Nil fields are left
// unchanged.
type ProjectPatch struct {
	Name             *string
	Env              envbundle.Bundle
	CustomHostnames  []string
	ProdDeploymentID *int64
}

// Deployment is the immutable record of one build attempt for one commit of
// one project.
type Deployment struct {
	ID            int64
	URLID         string
	ProjectID     int64
	Sha           string
	Branch        *string
	CreatedAt     time.Time
	BuildStarted  *time.Time
	BuildFinished *time.Time
	Result        *BuildResult
	ImageID       *string // built container image reference; set once Result is Built
	Env           envbundle.Bundle
}

// DeploymentSpec is the input to InsertDeployment.
type DeploymentSpec struct {
	ProjectID int64
	Sha       string
	Branch    *string
	Env       envbundle.Bundle
}

const urlIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const maxURLIDAttempts = 8

// Store is a serialized-write SQLite-backed persistence layer.
type Store struct {
	write *sql.DB // single connection, all writes go through it
	read  *sql.DB // pooled, read-only
}

// Open creates or attaches to a SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	write, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errkind.Wrapf(errkind.Fatal, err, "open write handle")
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&mode=ro&_foreign_keys=on")
	if err != nil {
		write.Close()
		return nil, errkind.Wrapf(errkind.Fatal, err, "open read handle")
	}

	s := &Store{write: write, read: read}
	if err := s.migrate(); err != nil {
		write.Close()
		read.Close()
		return nil, err
	}
	return s, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	err1 := s.write.Close()
	err2 := s.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	repo_id TEXT NOT NULL,
	env TEXT NOT NULL DEFAULT '',
	custom_hostnames TEXT NOT NULL DEFAULT '',
	prod_deployment_id INTEGER,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url_id TEXT NOT NULL UNIQUE,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	sha TEXT NOT NULL,
	branch TEXT,
	created_at DATETIME NOT NULL,
	build_started DATETIME,
	build_finished DATETIME,
	result TEXT,
	image_id TEXT,
	env TEXT NOT NULL DEFAULT '',
	UNIQUE(project_id, sha)
);

CREATE INDEX IF NOT EXISTS idx_deployments_project ON deployments(project_id);
`
	_, err := s.write.Exec(schema)
	if err != nil {
		return errkind.Wrapf(errkind.Fatal, err, "migrate schema")
	}
	return nil
}

func joinHostnames(h []string) string {
	out := ""
	for i, v := range h {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func splitHostnames(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// GetProjects returns every project in the store.
func (s *Store) GetProjects() ([]Project, error) {
	rows, err := s.read.Query(`SELECT id, name, repo_id, env, custom_hostnames, prod_deployment_id, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, err, "query projects")
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var envStr, hostStr string
		var prod sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoID, &envStr, &hostStr, &prod, &p.CreatedAt); err != nil {
			return nil, errkind.Wrapf(errkind.Transient, err, "scan project")
		}
		p.Env = envbundle.Parse(envStr)
		p.CustomHostnames = splitHostnames(hostStr)
		if prod.Valid {
			id := prod.Int64
			p.ProdDeploymentID = &id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertProject creates a new project. Returns a Conflict error on duplicate
// name.
func (s *Store) InsertProject(spec ProjectSpec) (Project, error) {
	now := time.Now().UTC()
	res, err := s.write.Exec(
		`INSERT INTO projects (name, repo_id, env, custom_hostnames, created_at) VALUES (?, ?, ?, ?, ?)`,
		spec.Name, spec.RepoID, spec.Env.Format(), joinHostnames(spec.CustomHostnames), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Project{}, errkind.Wrapf(errkind.Conflict, err, "project name %q already exists", spec.Name)
		}
		return Project{}, errkind.Wrapf(errkind.Transient, err, "insert project")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Project{}, errkind.Wrapf(errkind.Transient, err, "last insert id")
	}
	return Project{
		ID: id, Name: spec.Name, RepoID: spec.RepoID, Env: spec.Env,
		CustomHostnames: spec.CustomHostnames, CreatedAt: now,
	}, nil
}

// UpdateProject applies patch to the project with the given id.
func (s *Store) UpdateProject(id int64, patch ProjectPatch) error {
	if patch.Name != nil {
		if _, err := s.write.Exec(`UPDATE projects SET name = ? WHERE id = ?`, *patch.Name, id); err != nil {
			if isUniqueViolation(err) {
				return errkind.Wrapf(errkind.Conflict, err, "project name %q already exists", *patch.Name)
			}
			return errkind.Wrapf(errkind.Transient, err, "update project name")
		}
	}
	if patch.Env != nil {
		if _, err := s.write.Exec(`UPDATE projects SET env = ? WHERE id = ?`, patch.Env.Format(), id); err != nil {
			return errkind.Wrapf(errkind.Transient, err, "update project env")
		}
	}
	if patch.CustomHostnames != nil {
		if _, err := s.write.Exec(`UPDATE projects SET custom_hostnames = ? WHERE id = ?`, joinHostnames(patch.CustomHostnames), id); err != nil {
			return errkind.Wrapf(errkind.Transient, err, "update project hostnames")
		}
	}
	if patch.ProdDeploymentID != nil {
		if _, err := s.write.Exec(`UPDATE projects SET prod_deployment_id = ? WHERE id = ?`, *patch.ProdDeploymentID, id); err != nil {
			return errkind.Wrapf(errkind.Transient, err, "update project prod deployment")
		}
	}
	return nil
}

// DeleteProject removes a project and cascades to its deployments.
func (s *Store) DeleteProject(id int64) error {
	res, err := s.write.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "delete project")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "rows affected")
	}
	if n == 0 {
		return errkind.Wrapf(errkind.NotFound, fmt.Errorf("project %d", id), "delete project")
	}
	return nil
}

// GetDeployments returns every deployment for a project, newest first.
func (s *Store) GetDeployments(projectID int64) ([]Deployment, error) {
	rows, err := s.read.Query(
		`SELECT id, url_id, project_id, sha, branch, created_at, build_started, build_finished, result, image_id, env
		 FROM deployments WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, err, "query deployments")
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (Deployment, error) {
	var d Deployment
	var envStr string
	var branch sql.NullString
	var buildStarted, buildFinished sql.NullTime
	var result, imageID sql.NullString
	if err := row.Scan(&d.ID, &d.URLID, &d.ProjectID, &d.Sha, &branch, &d.CreatedAt, &buildStarted, &buildFinished, &result, &imageID, &envStr); err != nil {
		return Deployment{}, errkind.Wrapf(errkind.Transient, err, "scan deployment")
	}
	d.Env = envbundle.Parse(envStr)
	if branch.Valid {
		b := branch.String
		d.Branch = &b
	}
	if buildStarted.Valid {
		t := buildStarted.Time
		d.BuildStarted = &t
	}
	if buildFinished.Valid {
		t := buildFinished.Time
		d.BuildFinished = &t
	}
	if result.Valid {
		r := BuildResult(result.String)
		d.Result = &r
	}
	if imageID.Valid {
		id := imageID.String
		d.ImageID = &id
	}
	return d, nil
}

// GetDeployment fetches a single deployment by id.
func (s *Store) GetDeployment(id int64) (Deployment, error) {
	row := s.read.QueryRow(
		`SELECT id, url_id, project_id, sha, branch, created_at, build_started, build_finished, result, image_id, env
		 FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, errkind.Wrapf(errkind.NotFound, err, "deployment %d", id)
	}
	return d, err
}

// HashExists reports whether a deployment with the given sha already exists
// for the project.
func (s *Store) HashExists(projectID int64, sha string) (bool, error) {
	var n int
	err := s.read.QueryRow(`SELECT COUNT(1) FROM deployments WHERE project_id = ? AND sha = ?`, projectID, sha).Scan(&n)
	if err != nil {
		return false, errkind.Wrapf(errkind.Transient, err, "check hash exists")
	}
	return n > 0, nil
}

func randomURLID() (string, error) {
	b := make([]byte, 8)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(urlIDAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = urlIDAlphabet[n.Int64()]
	}
	return string(b), nil
}

// InsertDeployment inserts a new deployment row, assigning it a fresh,
// rejection-sampled url_id. Returns a Fatal error if a unique url_id cannot
// be found within a small number of attempts.
func (s *Store) InsertDeployment(spec DeploymentSpec) (Deployment, error) {
	now := time.Now().UTC()
	for attempt := 0; attempt < maxURLIDAttempts; attempt++ {
		urlID, err := randomURLID()
		if err != nil {
			return Deployment{}, errkind.Wrapf(errkind.Fatal, err, "generate url_id")
		}
		res, err := s.write.Exec(
			`INSERT INTO deployments (url_id, project_id, sha, branch, created_at, env) VALUES (?, ?, ?, ?, ?, ?)`,
			urlID, spec.ProjectID, spec.Sha, spec.Branch, now, spec.Env.Format(),
		)
		if err != nil {
			if isUniqueViolationOnColumn(err, "url_id") {
				continue // resample
			}
			if isUniqueViolation(err) {
				return Deployment{}, errkind.Wrapf(errkind.Conflict, err, "deployment for project %d sha %q already exists", spec.ProjectID, spec.Sha)
			}
			return Deployment{}, errkind.Wrapf(errkind.Transient, err, "insert deployment")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Deployment{}, errkind.Wrapf(errkind.Transient, err, "last insert id")
		}
		return Deployment{
			ID: id, URLID: urlID, ProjectID: spec.ProjectID, Sha: spec.Sha,
			Branch: spec.Branch, CreatedAt: now, Env: spec.Env,
		}, nil
	}
	return Deployment{}, errkind.Wrapf(errkind.Fatal, fmt.Errorf("url_id collisions exhausted %d attempts", maxURLIDAttempts), "insert deployment")
}

// SetBuildStarted records that a build attempt has begun.
func (s *Store) SetBuildStarted(id int64, ts time.Time) error {
	_, err := s.write.Exec(`UPDATE deployments SET build_started = ? WHERE id = ?`, ts, id)
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "set build started")
	}
	return nil
}

// SetBuildResult records the terminal outcome of a build attempt. imageID is
// the built container image reference and is persisted alongside the result
// so a restarted process can re-run the image without rebuilding; pass ""
// when the build failed.
func (s *Store) SetBuildResult(id int64, ts time.Time, result BuildResult, imageID string) error {
	var img sql.NullString
	if imageID != "" {
		img = sql.NullString{String: imageID, Valid: true}
	}
	_, err := s.write.Exec(`UPDATE deployments SET build_finished = ?, result = ?, image_id = ? WHERE id = ?`, ts, string(result), img, id)
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "set build result")
	}
	return nil
}

// DeleteDeployment removes a single deployment row.
func (s *Store) DeleteDeployment(id int64) error {
	res, err := s.write.Exec(`DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "delete deployment")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "rows affected")
	}
	if n == 0 {
		return errkind.Wrapf(errkind.NotFound, fmt.Errorf("deployment %d", id), "delete deployment")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed"))
}

func isUniqueViolationOnColumn(err error, column string) bool {
	return isUniqueViolation(err) && containsAny(err.Error(), column)
}

func containsAny(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
