// Package containerhost builds container images from source tarballs and
// runs, stops, and inspects the resulting containers.
package containerhost

import "context"

// ImageSpec describes what to build.
type ImageSpec struct {
	Tag        string
	Dockerfile string // path within the build context, defaults to "Dockerfile"
}

// BuildError carries the captured build log alongside the failure.
type BuildError struct {
	Logs []string
	Err  error
}

func (e *BuildError) Error() string { return e.Err.Error() }
func (e *BuildError) Unwrap() error { return e.Err }

// Inspection is the live runtime state of a container.
type Inspection struct {
	Running  bool
	Exited   bool
	ExitCode int
	IP       string
	Port     int
}

// LogLine is one line of build output, delivered as it is produced.
type LogLine struct {
	Text string
	Err  error // set, with Text empty, on the final line if the stream failed
}

// Host is the capability set the deployment object needs from the
// container runtime.
type Host interface {
	// Build builds image_spec from sourceTar (a tar stream, optionally
	// gzip-compressed) with env available as build arguments. Returns an
	// image id on success. Build log lines are pushed to logs as they are
	// produced; logs is closed when the build finishes, successfully or not.
	Build(ctx context.Context, spec ImageSpec, sourceTar []byte, env map[string]string, logs chan<- LogLine) (imageID string, err error)

	// Run starts a container from imageID with the given environment and
	// returns its container id.
	Run(ctx context.Context, imageID string, env map[string]string) (containerID string, err error)

	// Stop stops a running container without removing it.
	Stop(ctx context.Context, containerID string) error

	// Remove deletes a stopped container.
	Remove(ctx context.Context, containerID string) error

	// Inspect reports the current runtime state of a container.
	Inspect(ctx context.Context, containerID string) (Inspection, error)
}
