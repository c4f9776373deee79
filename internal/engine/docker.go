package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker wraps the Docker SDK client.
type Docker struct {
	inner *client.Client
}

// NewDocker creates a Docker client using environment defaults.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (d *Docker) Ping(ctx context.Context) error {
	if d == nil || d.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// ContainerState returns the state string of the named container,
// for example "running" or "exited". A missing container reports "absent".
func (d *Docker) ContainerState(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	inspect, err := d.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "absent", nil
		}
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if inspect.State == nil {
		return "absent", nil
	}
	return inspect.State.Status, nil
}

// ContainerRunning reports whether the named container exists and is running.
func (d *Docker) ContainerRunning(ctx context.Context, name string) (bool, error) {
	state, err := d.ContainerState(ctx, name)
	if err != nil {
		return false, err
	}
	return state == "running", nil
}

// ContainerStatus captures minimal runtime details about a container.
type ContainerStatus struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// ListByLabel returns all containers carrying the given label, including
// stopped ones.
func (d *Docker) ListByLabel(ctx context.Context, key, value string) ([]ContainerStatus, error) {
	args := filters.NewArgs(filters.Arg("label", key+"="+value))
	summaries, err := d.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]ContainerStatus, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, ContainerStatus{Name: name, State: s.State, Status: s.Status})
	}
	return out, nil
}

// ExecWithInput runs a command inside a running container, feeding stdin
// and returning combined output. A nonzero exit code is an error.
func (d *Docker) ExecWithInput(ctx context.Context, containerName string, cmd, env []string, stdin string) (string, error) {
	if strings.TrimSpace(containerName) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if len(cmd) == 0 {
		return "", fmt.Errorf("exec command cannot be empty")
	}
	createResp, err := d.inner.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdin:  stdin != "",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.inner.ContainerExecAttach(ctx, createResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	if stdin != "" {
		if _, err := attach.Conn.Write([]byte(stdin)); err != nil {
			return "", fmt.Errorf("exec write stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return "", fmt.Errorf("exec close stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("exec read output: %w", err)
	}

	inspect, err := d.inner.ContainerExecInspect(ctx, createResp.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	combined := stdout.String() + stderr.String()
	if inspect.ExitCode != 0 {
		return combined, fmt.Errorf("exec exited with code %d: %s", inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return combined, nil
}

// Close releases resources held by the Docker client.
func (d *Docker) Close() error {
	if d.inner == nil {
		return nil
	}
	return d.inner.Close()
}
