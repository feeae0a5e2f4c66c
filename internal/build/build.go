// Package build bridges the source host and container host adapters: it
// turns a commit identified by the watcher into the tarball + image spec a
// Deployment needs to drive a build, without the manager knowing anything
// about source-host concerns directly.
package build

import (
	"context"
	"io"

	"deploybox/internal/containerhost"
	"deploybox/internal/deployment"
	"deploybox/internal/envbundle"
	"deploybox/internal/errkind"
	"deploybox/internal/sourcehost"
)

// Fetcher implements manager.SourceFetcher against a sourcehost.Host.
type Fetcher struct {
	host sourcehost.Host
}

// NewFetcher builds a Fetcher over host.
func NewFetcher(host sourcehost.Host) *Fetcher {
	return &Fetcher{host: host}
}

// FetchBuildInput downloads the tarball for sha and packages it with the
// image spec the container host needs to build it.
func (f *Fetcher) FetchBuildInput(ctx context.Context, repoID, sha string, projectEnv envbundle.Bundle, imageTag string) (*deployment.BuildInput, error) {
	rc, err := f.host.Tarball(ctx, repoID, sha)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, err, "read tarball for %s@%s", repoID, sha)
	}

	return &deployment.BuildInput{
		Spec:       containerhost.ImageSpec{Tag: imageTag},
		SourceTar:  data,
		ProjectEnv: projectEnv,
	}, nil
}
