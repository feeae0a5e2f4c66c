package sourcehost

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"deploybox/internal/errkind"
)

// GitHubHost implements Host against the GitHub REST API via go-github.
type GitHubHost struct {
	client *github.Client
}

// NewGitHubHost builds a GitHubHost. An empty token yields an unauthenticated
// client, subject to GitHub's lower anonymous rate limit.
func NewGitHubHost(token string) *GitHubHost {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = 30 * time.Second
	}
	return &GitHubHost{client: github.NewClient(httpClient)}
}

func splitRepoID(repoID string) (owner, name string) {
	parts := strings.SplitN(repoID, "/", 2)
	if len(parts) != 2 {
		return repoID, ""
	}
	return parts[0], parts[1]
}

func classify(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return errkind.Wrap(errkind.NotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errkind.Wrap(errkind.Auth, err)
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return errkind.Wrap(errkind.Transient, err)
		}
	}
	// Network-level failures (no response at all) are treated as transient;
	// no backoff is applied here or by the callers.
	return errkind.Wrap(errkind.Transient, err)
}

// DefaultBranch implements Host.
func (h *GitHubHost) DefaultBranch(ctx context.Context, repoID string) (string, error) {
	owner, name := splitRepoID(repoID)
	repo, resp, err := h.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", classify(resp, err)
	}
	return repo.GetDefaultBranch(), nil
}

// BranchHeadSha implements Host.
func (h *GitHubHost) BranchHeadSha(ctx context.Context, repoID, branch string) (string, error) {
	owner, name := splitRepoID(repoID)
	b, resp, err := h.client.Repositories.GetBranch(ctx, owner, name, branch, 0)
	if err != nil {
		return "", classify(resp, err)
	}
	return b.GetCommit().GetSHA(), nil
}

// OpenPullRequests implements Host.
func (h *GitHubHost) OpenPullRequests(ctx context.Context, repoID string) ([]PullRequest, error) {
	owner, name := splitRepoID(repoID)
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []PullRequest
	for {
		pulls, resp, err := h.client.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, classify(resp, err)
		}
		for _, pr := range pulls {
			out = append(out, PullRequest{
				Number:  pr.GetNumber(),
				HeadRef: pr.GetHead().GetRef(),
				HeadSha: pr.GetHead().GetSHA(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// Tarball implements Host.
func (h *GitHubHost) Tarball(ctx context.Context, repoID, sha string) (io.ReadCloser, error) {
	owner, name := splitRepoID(repoID)
	url, resp, err := h.client.Repositories.GetArchiveLink(ctx, owner, name, github.Tarball, &github.RepositoryContentGetOptions{Ref: sha}, 3)
	if err != nil {
		return nil, classify(resp, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		httpResp.Body.Close()
		return nil, errkind.Wrap(errkind.Transient, io.ErrUnexpectedEOF)
	}
	return httpResp.Body, nil
}
