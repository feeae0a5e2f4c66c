package containerhost

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"deploybox/internal/errkind"
)

// DockerHost implements Host against a local or remote Docker Engine.
type DockerHost struct {
	cli *dockerclient.Client
}

// NewDockerHost connects to the Docker Engine using the standard
// DOCKER_HOST/DOCKER_CERT_PATH environment conventions.
func NewDockerHost() (*DockerHost, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errkind.Wrapf(errkind.Fatal, err, "connect to docker engine")
	}
	return &DockerHost{cli: cli}, nil
}

// Close releases the underlying engine connection.
func (h *DockerHost) Close() error { return h.cli.Close() }

func toBuildArgs(env map[string]string) map[string]*string {
	args := make(map[string]*string, len(env))
	for k, v := range env {
		v := v
		args[k] = &v
	}
	return args
}

// Build implements Host.
func (h *DockerHost) Build(ctx context.Context, spec ImageSpec, sourceTar []byte, env map[string]string, logs chan<- LogLine) (string, error) {
	defer close(logs)

	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := h.cli.ImageBuild(ctx, bytes.NewReader(sourceTar), types.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: dockerfile,
		BuildArgs:  toBuildArgs(env),
		Remove:     true,
	})
	if err != nil {
		return "", errkind.Wrapf(errkind.Transient, err, "start image build")
	}
	defer resp.Body.Close()

	var captured []string
	var imageID string
	var buildErr error

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var msg struct {
			Stream      string `json:"stream"`
			Error       string `json:"error"`
			Aux         *struct {
				ID string `json:"ID"`
			} `json:"aux"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Stream != "" {
			captured = append(captured, msg.Stream)
			logs <- LogLine{Text: msg.Stream}
		}
		if msg.Error != "" {
			buildErr = fmt.Errorf("%s", msg.Error)
		}
		if msg.Aux != nil && msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
	}
	if err := scanner.Err(); err != nil {
		logs <- LogLine{Err: err}
		return "", errkind.Wrapf(errkind.Transient, err, "read build output")
	}
	if buildErr != nil {
		return "", &BuildError{Logs: captured, Err: errkind.Wrap(errkind.BuildFailure, buildErr)}
	}
	if imageID == "" {
		imageID = spec.Tag
	}
	return imageID, nil
}

// Run implements Host.
func (h *DockerHost) Run(ctx context.Context, imageID string, env map[string]string) (string, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	exposed, portBindings, err := nat.ParsePortSpecs([]string{})
	if err != nil {
		return "", errkind.Wrapf(errkind.Fatal, err, "parse port specs")
	}

	cfg := &container.Config{
		Image:        imageID,
		Env:          envList,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		AutoRemove:   false,
	}

	created, err := h.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", errkind.Wrapf(errkind.Transient, err, "create container")
	}
	if err := h.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", errkind.Wrapf(errkind.Transient, err, "start container")
	}
	return created.ID, nil
}

// Stop implements Host.
func (h *DockerHost) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := h.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return errkind.Wrapf(errkind.Transient, err, "stop container %s", containerID)
	}
	return nil
}

// Remove implements Host.
func (h *DockerHost) Remove(ctx context.Context, containerID string) error {
	if err := h.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return errkind.Wrapf(errkind.Transient, err, "remove container %s", containerID)
	}
	return nil
}

// Inspect implements Host.
func (h *DockerHost) Inspect(ctx context.Context, containerID string) (Inspection, error) {
	info, err := h.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Inspection{}, errkind.Wrapf(errkind.NotFound, err, "inspect container %s", containerID)
		}
		return Inspection{}, errkind.Wrapf(errkind.Transient, err, "inspect container %s", containerID)
	}

	insp := Inspection{
		Running:  info.State.Running,
		Exited:   info.State.Status == "exited",
		ExitCode: info.State.ExitCode,
	}
	if info.NetworkSettings != nil {
		insp.IP = info.NetworkSettings.IPAddress
	}
	for port := range info.Config.ExposedPorts {
		if port.Proto() == "tcp" {
			insp.Port = port.Int()
			break
		}
	}
	return insp, nil
}

var _ io.Closer = (*DockerHost)(nil)
