package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls [][]string
	dirs  []string
	out   []byte
	err   error
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	f.dirs = append(f.dirs, dir)
	return f.out, f.err
}

func TestComposeUp(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCompose(runner)
	if err := c.Up(context.Background(), "/srv/sites/demo"); err != nil {
		t.Fatalf("Up: %v", err)
	}
	want := "docker compose up -d --remove-orphans"
	if got := strings.Join(runner.calls[0], " "); got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
	if runner.dirs[0] != "/srv/sites/demo" {
		t.Fatalf("dir = %q", runner.dirs[0])
	}
}

func TestComposeDownVolumes(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCompose(runner)
	if err := c.Down(context.Background(), "/srv/sites/demo", true); err != nil {
		t.Fatalf("Down: %v", err)
	}
	want := "docker compose down --remove-orphans -v"
	if got := strings.Join(runner.calls[0], " "); got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestComposeDownKeepVolumes(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCompose(runner)
	if err := c.Down(context.Background(), "/srv/sites/demo", false); err != nil {
		t.Fatalf("Down: %v", err)
	}
	for _, arg := range runner.calls[0] {
		if arg == "-v" {
			t.Fatal("down without removeVolumes must not pass -v")
		}
	}
}

func TestComposeExecService(t *testing.T) {
	runner := &fakeRunner{out: []byte("ok\n")}
	c := NewCompose(runner)
	out, err := c.ExecService(context.Background(), "/srv/sites/demo", "app", []string{"php", "artisan", "migrate", "--force"})
	if err != nil {
		t.Fatalf("ExecService: %v", err)
	}
	if string(out) != "ok\n" {
		t.Fatalf("out = %q", out)
	}
	want := "docker compose exec -T app php artisan migrate --force"
	if got := strings.Join(runner.calls[0], " "); got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestComposeExecServiceValidation(t *testing.T) {
	c := NewCompose(&fakeRunner{})
	if _, err := c.ExecService(context.Background(), "/srv", "", []string{"true"}); err == nil {
		t.Fatal("expected error for empty service")
	}
	if _, err := c.ExecService(context.Background(), "/srv", "app", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestComposeRunOneOff(t *testing.T) {
	runner := &fakeRunner{}
	c := NewCompose(runner)
	err := c.RunOneOff(context.Background(), "/srv/sites/demo", "composer:latest", []string{"composer", "install", "--no-dev"})
	if err != nil {
		t.Fatalf("RunOneOff: %v", err)
	}
	want := "docker run --rm -v /srv/sites/demo:/app -w /app composer:latest composer install --no-dev"
	if got := strings.Join(runner.calls[0], " "); got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestComposeErrorIncludesOutputTail(t *testing.T) {
	runner := &fakeRunner{
		out: []byte("line1\nline2\nline3\nline4\nline5\nline6\nnetwork shared_net not found"),
		err: errors.New("exit status 1"),
	}
	c := NewCompose(runner)
	err := c.Up(context.Background(), "/srv/sites/demo")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "network shared_net not found") {
		t.Fatalf("error missing output tail: %v", err)
	}
	if strings.Contains(err.Error(), "line1") {
		t.Fatalf("error should keep only the tail: %v", err)
	}
}
