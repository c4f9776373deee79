// Package httpapi exposes the agent's HTTP control surface.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beyazitkolemen/serverbond-docker/internal/agenterr"
	"github.com/beyazitkolemen/serverbond-docker/internal/cache"
	"github.com/beyazitkolemen/serverbond-docker/internal/engine"
	"github.com/beyazitkolemen/serverbond-docker/internal/pipeline"
	"github.com/beyazitkolemen/serverbond-docker/internal/site"
	"github.com/beyazitkolemen/serverbond-docker/internal/task"
	"github.com/beyazitkolemen/serverbond-docker/pkg/config"
)

// composeProjectLabel is set by docker compose on every container it
// manages. The project name is the site directory name.
const composeProjectLabel = "com.docker.compose.project"

const healthCheckTimeout = 2 * time.Second

var (
	domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	repoSchemes   = []string{"https://", "http://", "git@", "ssh://", "git://", "file://", "/"}
)

// taskQueue is the slice of the task queue the router uses.
type taskQueue interface {
	Submit(kind task.Kind, siteName string, run task.RunFunc) (task.Task, error)
	Get(id string) (task.Task, bool)
	List() []task.Task
}

// sitePipeline is the slice of the pipeline the router uses.
type sitePipeline interface {
	Build(ctx context.Context, req pipeline.BuildRequest) ([]pipeline.StepResult, error)
	Redeploy(ctx context.Context, req pipeline.RedeployRequest) ([]pipeline.StepResult, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// containerInspector answers health and status queries about containers.
type containerInspector interface {
	Ping(ctx context.Context) error
	ContainerRunning(ctx context.Context, name string) (bool, error)
	ListByLabel(ctx context.Context, key, value string) ([]engine.ContainerStatus, error)
}

// Router exposes HTTP endpoints for the site agent.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	cfg      config.AgentConfig
	queue    taskQueue
	pipeline sitePipeline
	store    *site.Store
	docker   containerInspector
	statuses cache.Cache

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the router and registers all handlers.
func New(logger *slog.Logger, cfg config.AgentConfig, queue taskQueue, pl sitePipeline, store *site.Store, docker containerInspector, statuses cache.Cache) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		cfg:      cfg,
		queue:    queue,
		pipeline: pl,
		store:    store,
		docker:   docker,
		statuses: statuses,
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/build", r.instrument("/build", r.requireToken(r.handleBuild)))
	r.mux.HandleFunc("/redeploy", r.instrument("/redeploy", r.requireToken(r.handleRedeploy)))
	r.mux.HandleFunc("/tasks", r.instrument("/tasks", r.requireToken(r.handleTasks)))
	r.mux.HandleFunc("/tasks/", r.instrument("/tasks/:id", r.requireToken(r.handleTask)))
	r.mux.HandleFunc("/sites", r.instrument("/sites", r.requireToken(r.handleSites)))
	r.mux.HandleFunc("/sites/", r.instrument("/sites/:name", r.requireToken(r.handleSite)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}

	dockerState := map[string]any{"status": "up"}
	if err := r.docker.Ping(ctx); err != nil {
		status = "degraded"
		dockerState = map[string]any{"status": "down", "error": err.Error()}
	}
	components["docker"] = dockerState

	mysqlState := map[string]any{"status": "up"}
	running, err := r.docker.ContainerRunning(ctx, r.cfg.MySQLContainer)
	if err != nil {
		status = "degraded"
		mysqlState = map[string]any{"status": "unknown", "error": err.Error()}
	} else if !running {
		status = "degraded"
		mysqlState = map[string]any{"status": "down"}
	}
	components["mysql"] = mysqlState

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload pipeline.BuildRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateBuild(payload); err != nil {
		r.writeDomainError(w, err)
		return
	}
	name := site.NameFromDomain(payload.Domain)
	if r.store.Exists(name) {
		r.writeDomainError(w, agenterr.ErrConflict)
		return
	}
	t, err := r.queue.Submit(task.KindBuild, name, func(ctx context.Context) ([]pipeline.StepResult, error) {
		return r.pipeline.Build(ctx, payload)
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.writeJSON(w, http.StatusAccepted, t)
}

func (r *Router) handleRedeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload pipeline.RedeployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateDomain(payload.Domain); err != nil {
		r.writeDomainError(w, err)
		return
	}
	name := site.NameFromDomain(payload.Domain)
	if !r.store.Exists(name) {
		r.writeDomainError(w, agenterr.ErrNotFound)
		return
	}
	t, err := r.queue.Submit(task.KindRedeploy, name, func(ctx context.Context) ([]pipeline.StepResult, error) {
		return r.pipeline.Redeploy(ctx, payload)
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.writeJSON(w, http.StatusAccepted, t)
}

func (r *Router) handleTasks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"tasks": r.queue.List()})
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/tasks/"), "/")
	if id == "" {
		r.writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	t, ok := r.queue.Get(id)
	if !ok {
		r.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	r.writeJSON(w, http.StatusOK, t)
}

func (r *Router) handleSites(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sites, err := r.store.List()
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(sites))
	for _, s := range sites {
		out = append(out, publicSite(s))
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"sites": out})
}

// handleSite dispatches /sites/{name}, /sites/{name}/status,
// /sites/{name}/start and /sites/{name}/stop.
func (r *Router) handleSite(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/sites/"), "/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		r.writeError(w, http.StatusBadRequest, "site name required")
		return
	}

	switch {
	case action == "" && req.Method == http.MethodGet:
		r.handleSiteGet(w, name)
	case action == "" && req.Method == http.MethodDelete:
		r.handleSiteDelete(w, name)
	case action == "status" && req.Method == http.MethodGet:
		r.handleSiteStatus(w, req, name)
	case action == "start" && req.Method == http.MethodPost:
		r.handleLifecycle(w, name, task.KindStart, r.pipeline.Start)
	case action == "stop" && req.Method == http.MethodPost:
		r.handleLifecycle(w, name, task.KindStop, r.pipeline.Stop)
	default:
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleSiteGet(w http.ResponseWriter, name string) {
	s, err := r.store.Load(name)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, publicSite(s))
}

func (r *Router) handleSiteDelete(w http.ResponseWriter, name string) {
	if !r.store.Exists(name) {
		r.writeDomainError(w, agenterr.ErrNotFound)
		return
	}
	t, err := r.queue.Submit(task.KindRemove, name, func(ctx context.Context) ([]pipeline.StepResult, error) {
		return nil, r.pipeline.Remove(ctx, name)
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.writeJSON(w, http.StatusAccepted, t)
}

func (r *Router) handleLifecycle(w http.ResponseWriter, name string, kind task.Kind, op func(context.Context, string) error) {
	if !r.store.Exists(name) {
		r.writeDomainError(w, agenterr.ErrNotFound)
		return
	}
	t, err := r.queue.Submit(kind, name, func(ctx context.Context) ([]pipeline.StepResult, error) {
		return nil, op(ctx, name)
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.writeJSON(w, http.StatusAccepted, t)
}

func (r *Router) handleSiteStatus(w http.ResponseWriter, req *http.Request, name string) {
	record, err := r.store.Load(name)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	payload, err := r.statuses.GetOrCompute(req.Context(), "status:"+name, r.cfg.StatusCacheTTL, func(ctx context.Context) ([]byte, error) {
		inspectCtx, cancel := context.WithTimeout(ctx, r.cfg.InspectTimeout)
		defer cancel()
		containers, err := r.docker.ListByLabel(inspectCtx, composeProjectLabel, name)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"site":       name,
			"state":      record.State,
			"containers": containers,
		})
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// publicSite strips credentials from a site record before it leaves the
// agent.
func publicSite(s *site.Site) map[string]any {
	out := map[string]any{
		"name":       s.Name,
		"domain":     s.Domain,
		"repo":       s.Repo,
		"framework":  s.Framework,
		"state":      s.State,
		"created_at": s.CreatedAt,
		"updated_at": s.UpdatedAt,
	}
	if s.Branch != "" {
		out["branch"] = s.Branch
	}
	if s.PHPVersion != "" {
		out["php_version"] = s.PHPVersion
	}
	if s.Database != nil {
		out["database"] = map[string]string{"name": s.Database.Name, "user": s.Database.User}
	}
	return out
}

func validateBuild(req pipeline.BuildRequest) error {
	if err := validateDomain(req.Domain); err != nil {
		return err
	}
	repo := strings.TrimSpace(req.Repo)
	if repo == "" {
		return agenterr.Validationf("repository url is required")
	}
	for key := range req.EnvOverrides {
		if !envKeyPattern.MatchString(key) {
			return agenterr.Validationf("environment key %q is not a valid variable name", key)
		}
	}
	for _, scheme := range repoSchemes {
		if strings.HasPrefix(repo, scheme) {
			return nil
		}
	}
	return agenterr.Validationf("repository url %q has an unsupported scheme", repo)
}

func validateDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return agenterr.Validationf("domain is required")
	}
	if !domainPattern.MatchString(domain) {
		return agenterr.Validationf("domain %q is not a valid hostname", domain)
	}
	return nil
}
