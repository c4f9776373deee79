package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beyazitkolemen/serverbond-docker/internal/cache"
	"github.com/beyazitkolemen/serverbond-docker/internal/engine"
	"github.com/beyazitkolemen/serverbond-docker/internal/pipeline"
	"github.com/beyazitkolemen/serverbond-docker/internal/site"
	"github.com/beyazitkolemen/serverbond-docker/internal/task"
	"github.com/beyazitkolemen/serverbond-docker/pkg/config"
)

type fakeQueue struct {
	submitErr error
	submitted []task.Task
	tasks     map[string]task.Task
	runInline bool
}

func (f *fakeQueue) Submit(kind task.Kind, siteName string, run task.RunFunc) (task.Task, error) {
	if f.submitErr != nil {
		return task.Task{}, f.submitErr
	}
	t := task.Task{ID: "task-1", Kind: kind, Site: siteName, Status: task.StatusQueued, CreatedAt: time.Now().UTC()}
	f.submitted = append(f.submitted, t)
	if f.runInline {
		run(context.Background())
	}
	return t, nil
}

func (f *fakeQueue) Get(id string) (task.Task, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeQueue) List() []task.Task {
	out := make([]task.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

type fakePipeline struct {
	builds    []pipeline.BuildRequest
	redeploys []pipeline.RedeployRequest
	lifecycle []string
}

func (f *fakePipeline) Build(_ context.Context, req pipeline.BuildRequest) ([]pipeline.StepResult, error) {
	f.builds = append(f.builds, req)
	return nil, nil
}

func (f *fakePipeline) Redeploy(_ context.Context, req pipeline.RedeployRequest) ([]pipeline.StepResult, error) {
	f.redeploys = append(f.redeploys, req)
	return nil, nil
}

func (f *fakePipeline) Start(_ context.Context, name string) error {
	f.lifecycle = append(f.lifecycle, "start "+name)
	return nil
}

func (f *fakePipeline) Stop(_ context.Context, name string) error {
	f.lifecycle = append(f.lifecycle, "stop "+name)
	return nil
}

func (f *fakePipeline) Remove(_ context.Context, name string) error {
	f.lifecycle = append(f.lifecycle, "remove "+name)
	return nil
}

type fakeInspector struct {
	pingErr    error
	running    bool
	listCalls  int
	containers []engine.ContainerStatus
}

func (f *fakeInspector) Ping(context.Context) error { return f.pingErr }

func (f *fakeInspector) ContainerRunning(context.Context, string) (bool, error) {
	return f.running, nil
}

func (f *fakeInspector) ListByLabel(context.Context, string, string) ([]engine.ContainerStatus, error) {
	f.listCalls++
	return f.containers, nil
}

type routerFixture struct {
	router    *Router
	store     *site.Store
	queue     *fakeQueue
	pipeline  *fakePipeline
	inspector *fakeInspector
}

func newFixture(t *testing.T, cfg config.AgentConfig) *routerFixture {
	t.Helper()
	store := site.NewStore(t.TempDir())
	queue := &fakeQueue{tasks: map[string]task.Task{}}
	pl := &fakePipeline{}
	inspector := &fakeInspector{running: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.MySQLContainer == "" {
		cfg.MySQLContainer = "shared_mysql"
	}
	if cfg.StatusCacheTTL == 0 {
		cfg.StatusCacheTTL = time.Minute
	}
	if cfg.InspectTimeout == 0 {
		cfg.InspectTimeout = time.Second
	}
	router := New(logger, cfg, queue, pl, store, inspector, cache.NewMemory())
	return &routerFixture{router: router, store: store, queue: queue, pipeline: pl, inspector: inspector}
}

func doJSON(t *testing.T, router *Router, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestBuildAccepted(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	rec := doJSON(t, f.router, http.MethodPost, "/build",
		`{"domain":"demo.example.com","repo":"https://github.com/acme/demo.git"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	if len(f.queue.submitted) != 1 || f.queue.submitted[0].Kind != task.KindBuild || f.queue.submitted[0].Site != "demo" {
		t.Fatalf("submitted = %+v", f.queue.submitted)
	}
}

func TestBuildValidation(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	cases := []struct {
		name string
		body string
	}{
		{"missing domain", `{"repo":"https://x.git"}`},
		{"bad domain", `{"domain":"not a domain!","repo":"https://x.git"}`},
		{"missing repo", `{"domain":"demo.example.com"}`},
		{"bad repo scheme", `{"domain":"demo.example.com","repo":"ftp://x.git"}`},
		{"bad env key", `{"domain":"demo.example.com","repo":"https://x.git","env":{"2BAD KEY":"v"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, f.router, http.MethodPost, "/build", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
			}
		})
	}
	if len(f.queue.submitted) != 0 {
		t.Fatal("invalid requests must not reach the queue")
	}
}

func TestBuildOverridesReachPipeline(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	f.queue.runInline = true
	rec := doJSON(t, f.router, http.MethodPost, "/build",
		`{"domain":"demo.example.com","repo":"https://x.git","db_pass":"s3kret","env":{"MAIL_HOST":"smtp.internal"}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	if len(f.pipeline.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(f.pipeline.builds))
	}
	got := f.pipeline.builds[0]
	if got.DBPassword != "s3kret" {
		t.Fatalf("db password = %q", got.DBPassword)
	}
	if got.EnvOverrides["MAIL_HOST"] != "smtp.internal" {
		t.Fatalf("env overrides = %+v", got.EnvOverrides)
	}
}

func TestBuildConflictWithExistingSite(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	if err := f.store.Save(&site.Site{Name: "demo", Domain: "demo.example.com"}); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, f.router, http.MethodPost, "/build",
		`{"domain":"demo.example.com","repo":"https://github.com/acme/demo.git"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
}

func TestRedeployMissingSite(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	rec := doJSON(t, f.router, http.MethodPost, "/redeploy", `{"domain":"ghost.example.com"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
}

func TestRedeployAccepted(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	f.queue.runInline = true
	if err := f.store.Save(&site.Site{Name: "demo", Domain: "demo.example.com"}); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, f.router, http.MethodPost, "/redeploy",
		`{"domain":"demo.example.com","post_deploy":["php artisan migrate --force"]}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	if len(f.pipeline.redeploys) != 1 || len(f.pipeline.redeploys[0].PostDeploy) != 1 {
		t.Fatalf("redeploys = %+v", f.pipeline.redeploys)
	}
}

func TestQueueFullMapsTo429(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	f.queue.submitErr = task.ErrQueueFull
	rec := doJSON(t, f.router, http.MethodPost, "/build",
		`{"domain":"demo.example.com","repo":"https://github.com/acme/demo.git"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
}

func TestTaskLookup(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	f.queue.tasks["abc"] = task.Task{ID: "abc", Status: task.StatusSucceeded}

	rec := doJSON(t, f.router, http.MethodGet, "/tasks/abc", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "abc" || got.Status != task.StatusSucceeded {
		t.Fatalf("task = %+v", got)
	}

	rec = doJSON(t, f.router, http.MethodGet, "/tasks/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestSitesListHidesCredentials(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	err := f.store.Save(&site.Site{
		Name:      "demo",
		Domain:    "demo.example.com",
		AppSecret: "base64:topsecret",
		Database:  &site.Database{Name: "demo_db", User: "demo_user", Password: "dbsecret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, f.router, http.MethodGet, "/sites", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, leaked := range []string{"topsecret", "dbsecret"} {
		if strings.Contains(body, leaked) {
			t.Fatalf("response leaks %q: %s", leaked, body)
		}
	}
	if !strings.Contains(body, "demo_db") {
		t.Fatalf("response should include database name: %s", body)
	}
}

func TestSiteStatusUsesCache(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	f.inspector.containers = []engine.ContainerStatus{{Name: "demo_app", State: "running", Status: "Up 2 hours"}}
	if err := f.store.Save(&site.Site{Name: "demo", Domain: "demo.example.com", State: site.StateRunning}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		rec := doJSON(t, f.router, http.MethodGet, "/sites/demo/status", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
		}
		if !strings.Contains(rec.Body.String(), "demo_app") {
			t.Fatalf("body = %s", rec.Body)
		}
	}
	if f.inspector.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1 (cached)", f.inspector.listCalls)
	}
}

func TestSiteLifecycleEndpoints(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	f.queue.runInline = true
	if err := f.store.Save(&site.Site{Name: "demo", Domain: "demo.example.com"}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, f.router, http.MethodPost, "/sites/demo/stop", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("stop code = %d", rec.Code)
	}
	rec = doJSON(t, f.router, http.MethodPost, "/sites/demo/start", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start code = %d", rec.Code)
	}
	rec = doJSON(t, f.router, http.MethodDelete, "/sites/demo", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delete code = %d", rec.Code)
	}
	want := []string{"stop demo", "start demo", "remove demo"}
	if len(f.pipeline.lifecycle) != len(want) {
		t.Fatalf("lifecycle = %v", f.pipeline.lifecycle)
	}
	for i := range want {
		if f.pipeline.lifecycle[i] != want[i] {
			t.Fatalf("lifecycle = %v, want %v", f.pipeline.lifecycle, want)
		}
	}

	rec = doJSON(t, f.router, http.MethodPost, "/sites/ghost/start", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing site start code = %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t, config.AgentConfig{AgentToken: "sekrit"})

	rec := doJSON(t, f.router, http.MethodGet, "/sites", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token code = %d", rec.Code)
	}
	rec = doJSON(t, f.router, http.MethodGet, "/sites", "", map[string]string{"X-Agent-Token": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code = %d", rec.Code)
	}
	rec = doJSON(t, f.router, http.MethodGet, "/sites", "", map[string]string{"X-Agent-Token": "sekrit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token code = %d", rec.Code)
	}

	// Health stays open for the load balancer.
	rec = doJSON(t, f.router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d, body %s", rec.Code, rec.Body)
	}
}

func TestHealthDegradedWhenMySQLDown(t *testing.T) {
	f := newFixture(t, config.AgentConfig{})
	f.inspector.running = false
	rec := doJSON(t, f.router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("body = %s", rec.Body)
	}
}
