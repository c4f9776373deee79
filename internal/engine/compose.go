package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes a command in a working directory and returns
// its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Compose drives docker compose for a single site directory. Every site
// keeps its docker-compose.yml at the directory root, so the directory
// itself identifies the compose project.
type Compose struct {
	runner CommandRunner
}

// NewCompose returns a Compose backed by the given runner. A nil runner
// falls back to ExecRunner.
func NewCompose(runner CommandRunner) *Compose {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Compose{runner: runner}
}

// Up starts the site's container group in detached mode.
func (c *Compose) Up(ctx context.Context, dir string) error {
	out, err := c.runner.Run(ctx, dir, "docker", "compose", "up", "-d", "--remove-orphans")
	if err != nil {
		return fmt.Errorf("docker compose up: %w: %s", err, tail(out))
	}
	return nil
}

// Stop stops the site's containers without removing them.
func (c *Compose) Stop(ctx context.Context, dir string) error {
	out, err := c.runner.Run(ctx, dir, "docker", "compose", "stop")
	if err != nil {
		return fmt.Errorf("docker compose stop: %w: %s", err, tail(out))
	}
	return nil
}

// Down removes the site's containers and networks. When removeVolumes is
// set, named volumes are removed as well.
func (c *Compose) Down(ctx context.Context, dir string, removeVolumes bool) error {
	args := []string{"compose", "down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "-v")
	}
	out, err := c.runner.Run(ctx, dir, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker compose down: %w: %s", err, tail(out))
	}
	return nil
}

// ExecService runs a command inside a running compose service.
func (c *Compose) ExecService(ctx context.Context, dir, service string, command []string) ([]byte, error) {
	if strings.TrimSpace(service) == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("exec command cannot be empty")
	}
	args := append([]string{"compose", "exec", "-T", service}, command...)
	out, err := c.runner.Run(ctx, dir, "docker", args...)
	if err != nil {
		return out, fmt.Errorf("docker compose exec %s: %w: %s", service, err, tail(out))
	}
	return out, nil
}

// RunOneOff runs a throwaway container with the site directory mounted at
// /app, used for dependency installs before the group starts.
func (c *Compose) RunOneOff(ctx context.Context, dir, image string, command []string) error {
	if strings.TrimSpace(image) == "" {
		return fmt.Errorf("image name cannot be empty")
	}
	if len(command) == 0 {
		return fmt.Errorf("one-off command cannot be empty")
	}
	args := append([]string{"run", "--rm", "-v", dir + ":/app", "-w", "/app", image}, command...)
	out, err := c.runner.Run(ctx, dir, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker run %s: %w: %s", image, err, tail(out))
	}
	return nil
}

// tail trims command output to the last few lines so errors stay readable.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
