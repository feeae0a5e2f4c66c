// Package sourcehost defines the capability set the watcher and builder
// need from an upstream code host: discovering commits and pull requests,
// and fetching a buildable snapshot of a commit.
package sourcehost

import (
	"context"
	"io"
)

// PullRequest is an open pull request of a repository, whatever its base
// branch.
type PullRequest struct {
	Number   int
	HeadRef  string
	HeadSha  string
}

// Host is the capability set a source host adapter exposes. Implementations
// classify failures with internal/errkind (Transient, NotFound, Auth).
type Host interface {
	// DefaultBranch returns the name of the repository's default branch.
	DefaultBranch(ctx context.Context, repoID string) (string, error)

	// BranchHeadSha returns the commit sha currently at the head of branch.
	BranchHeadSha(ctx context.Context, repoID, branch string) (string, error)

	// OpenPullRequests lists every currently open pull request.
	OpenPullRequests(ctx context.Context, repoID string) ([]PullRequest, error)

	// Tarball streams a gzip tarball of the repository at sha. The caller
	// must close the returned reader.
	Tarball(ctx context.Context, repoID, sha string) (io.ReadCloser, error)
}
