// Package task runs pipeline work asynchronously on a bounded worker pool.
// At most one task per site is in flight at any time.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/beyazitkolemen/serverbond-docker/internal/agenterr"
	"github.com/beyazitkolemen/serverbond-docker/internal/pipeline"
)

// Kind labels what a task does.
type Kind string

const (
	KindBuild    Kind = "build"
	KindRedeploy Kind = "redeploy"
	KindRemove   Kind = "remove"
	KindStart    Kind = "start"
	KindStop     Kind = "stop"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrQueueFull is returned when the bounded queue cannot accept more work.
var ErrQueueFull = errors.New("task queue is full")

// Task is the queryable record of one asynchronous run.
type Task struct {
	ID         string                `json:"id"`
	Kind       Kind                  `json:"kind"`
	Site       string                `json:"site"`
	Status     Status                `json:"status"`
	Steps      []pipeline.StepResult `json:"steps,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// RunFunc executes the task body and reports its step results.
type RunFunc func(ctx context.Context) ([]pipeline.StepResult, error)

type item struct {
	id  string
	run RunFunc
}

// Queue owns the worker pool, the task records and the per-site
// in-flight guard.
type Queue struct {
	logger *slog.Logger
	jobs   chan item

	mu       sync.Mutex
	tasks    map[string]*Task
	inflight map[string]string
	closed   bool

	wg sync.WaitGroup

	taskResults *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

// NewQueue starts worker goroutines draining a queue of the given depth.
func NewQueue(workers, depth int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 16
	}
	q := &Queue{
		logger:   logger,
		jobs:     make(chan item, depth),
		tasks:    make(map[string]*Task),
		inflight: make(map[string]string),
	}
	q.initMetrics()
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) initMetrics() {
	q.taskResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "serverbond",
		Subsystem: "agent",
		Name:      "task_results_total",
		Help:      "Completed tasks by kind and final status",
	}, []string{"kind", "status"})
	q.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "serverbond",
		Subsystem: "agent",
		Name:      "task_queue_depth",
		Help:      "Tasks waiting for a worker",
	})

	for _, collector := range []prometheus.Collector{q.taskResults, q.queueDepth} {
		if err := prometheus.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					q.taskResults = existing
				case prometheus.Gauge:
					q.queueDepth = existing
				}
			}
		}
	}
}

// Submit registers and enqueues a task. It rejects a second task for a
// site that already has one queued or running, and rejects everything
// once the queue is shutting down or full.
func (q *Queue) Submit(kind Kind, siteName string, run RunFunc) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Task{}, fmt.Errorf("agent is shutting down: %w", agenterr.ErrDependencyUnavailable)
	}
	if other, ok := q.inflight[siteName]; ok {
		return Task{}, fmt.Errorf("task %s already in flight for site %s: %w", other, siteName, agenterr.ErrConflict)
	}

	t := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Site:      siteName,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	select {
	case q.jobs <- item{id: t.ID, run: run}:
	default:
		return Task{}, ErrQueueFull
	}

	q.tasks[t.ID] = t
	q.inflight[siteName] = t.ID
	q.queueDepth.Inc()
	q.logger.Info("task queued", "task_id", t.ID, "kind", kind, "site", siteName)
	return *t, nil
}

// Get returns a snapshot of the task with the given id.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return snapshot(t), true
}

// List returns snapshots of all known tasks, newest first.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Shutdown stops accepting work and waits for queued tasks to drain, up
// to the context deadline.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.queueDepth.Dec()
		q.start(job.id)

		steps, err := job.run(context.Background())

		q.finish(job.id, steps, err)
	}
}

func (q *Queue) start(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	t.Status = StatusRunning
	t.StartedAt = &now
}

func (q *Queue) finish(id string, steps []pipeline.StepResult, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	t.FinishedAt = &now
	t.Steps = steps
	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
		q.logger.Error("task failed", "task_id", t.ID, "kind", t.Kind, "site", t.Site, "error", err)
	} else {
		t.Status = StatusSucceeded
		q.logger.Info("task completed", "task_id", t.ID, "kind", t.Kind, "site", t.Site)
	}
	q.taskResults.With(prometheus.Labels{"kind": string(t.Kind), "status": string(t.Status)}).Inc()
	delete(q.inflight, t.Site)
}

func snapshot(t *Task) Task {
	out := *t
	out.Steps = append([]pipeline.StepResult(nil), t.Steps...)
	return out
}
