package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/beyazitkolemen/serverbond-docker/internal/agenterr"
	"github.com/beyazitkolemen/serverbond-docker/internal/pipeline"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForStatus(t *testing.T, q *Queue, id string, want Status) Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			got, _ := q.Get(id)
			t.Fatalf("task %s never reached %s, last seen %s", id, want, got.Status)
		default:
		}
		if got, ok := q.Get(id); ok && got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitAndComplete(t *testing.T) {
	q := NewQueue(1, 4, discard())
	defer q.Shutdown(context.Background())

	steps := []pipeline.StepResult{{Step: "clone", Outcome: pipeline.OutcomeOK}}
	submitted, err := q.Submit(KindBuild, "demo", func(context.Context) ([]pipeline.StepResult, error) {
		return steps, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.Status != StatusQueued || submitted.ID == "" {
		t.Fatalf("submitted = %+v", submitted)
	}

	done := waitForStatus(t, q, submitted.ID, StatusSucceeded)
	if len(done.Steps) != 1 || done.Steps[0].Step != "clone" {
		t.Fatalf("steps = %+v", done.Steps)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatal("timestamps not recorded")
	}
}

func TestFailureRecordedOnTask(t *testing.T) {
	q := NewQueue(1, 4, discard())
	defer q.Shutdown(context.Background())

	submitted, err := q.Submit(KindRedeploy, "demo", func(context.Context) ([]pipeline.StepResult, error) {
		return []pipeline.StepResult{{Step: "start", Outcome: pipeline.OutcomeFailed}}, errors.New("compose up exploded")
	})
	if err != nil {
		t.Fatal(err)
	}
	done := waitForStatus(t, q, submitted.ID, StatusFailed)
	if done.Error != "compose up exploded" {
		t.Fatalf("error = %q", done.Error)
	}
}

func TestPerSiteMutualExclusion(t *testing.T) {
	q := NewQueue(1, 4, discard())
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	first, err := q.Submit(KindBuild, "demo", func(context.Context) ([]pipeline.StepResult, error) {
		close(started)
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if _, err := q.Submit(KindRedeploy, "demo", func(context.Context) ([]pipeline.StepResult, error) {
		return nil, nil
	}); !errors.Is(err, agenterr.ErrConflict) {
		t.Fatalf("second submit err = %v, want ErrConflict", err)
	}

	// A different site is not blocked.
	other, err := q.Submit(KindBuild, "other", func(context.Context) ([]pipeline.StepResult, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("other site submit: %v", err)
	}

	close(release)
	waitForStatus(t, q, first.ID, StatusSucceeded)
	waitForStatus(t, q, other.ID, StatusSucceeded)

	// Once finished, the site accepts new work again.
	again, err := q.Submit(KindRedeploy, "demo", func(context.Context) ([]pipeline.StepResult, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
	waitForStatus(t, q, again.ID, StatusSucceeded)
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, 1, discard())
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	if _, err := q.Submit(KindBuild, "a", func(context.Context) ([]pipeline.StepResult, error) {
		close(started)
		<-release
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started
	// Fill the single buffered slot.
	if _, err := q.Submit(KindBuild, "b", func(context.Context) ([]pipeline.StepResult, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(KindBuild, "c", func(context.Context) ([]pipeline.StepResult, error) {
		return nil, nil
	}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestGetUnknownTask(t *testing.T) {
	q := NewQueue(1, 1, discard())
	defer q.Shutdown(context.Background())
	if _, ok := q.Get("nope"); ok {
		t.Fatal("unknown task must not be found")
	}
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	q := NewQueue(1, 4, discard())
	submitted, err := q.Submit(KindBuild, "demo", func(context.Context) ([]pipeline.StepResult, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	done, _ := q.Get(submitted.ID)
	if done.Status != StatusSucceeded {
		t.Fatalf("queued task not drained, status = %s", done.Status)
	}

	if _, err := q.Submit(KindBuild, "late", func(context.Context) ([]pipeline.StepResult, error) {
		return nil, nil
	}); !errors.Is(err, agenterr.ErrDependencyUnavailable) {
		t.Fatalf("post-shutdown submit err = %v, want ErrDependencyUnavailable", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	q := NewQueue(1, 8, discard())
	defer q.Shutdown(context.Background())

	a, err := q.Submit(KindBuild, "a", func(context.Context) ([]pipeline.StepResult, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, q, a.ID, StatusSucceeded)
	time.Sleep(5 * time.Millisecond)
	b, err := q.Submit(KindBuild, "b", func(context.Context) ([]pipeline.StepResult, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, q, b.ID, StatusSucceeded)

	list := q.List()
	if len(list) != 2 || list[0].ID != b.ID {
		t.Fatalf("list = %+v", list)
	}
}
