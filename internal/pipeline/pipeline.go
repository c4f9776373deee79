// Package pipeline runs the build and redeploy workflows for one site at a
// time. Steps are classified as fatal or soft: a fatal failure aborts the run
// and marks the site failed, a soft failure is recorded and the run continues.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/beyazitkolemen/serverbond-docker/internal/agenterr"
	"github.com/beyazitkolemen/serverbond-docker/internal/dbprov"
	"github.com/beyazitkolemen/serverbond-docker/internal/framework"
	"github.com/beyazitkolemen/serverbond-docker/internal/site"
	"github.com/beyazitkolemen/serverbond-docker/internal/tmpl"
	"github.com/beyazitkolemen/serverbond-docker/pkg/config"
	"github.com/beyazitkolemen/serverbond-docker/pkg/crypto"
)

// SourceFetcher clones and updates site checkouts.
type SourceFetcher interface {
	Clone(ctx context.Context, url, branch, dir string) error
	Pull(ctx context.Context, dir string) error
}

// Engine drives the container group for a site directory.
type Engine interface {
	Up(ctx context.Context, dir string) error
	Stop(ctx context.Context, dir string) error
	Down(ctx context.Context, dir string, removeVolumes bool) error
	ExecService(ctx context.Context, dir, service string, command []string) ([]byte, error)
	RunOneOff(ctx context.Context, dir, image string, command []string) error
}

// Provisioner manages per-site databases on the shared MySQL container.
type Provisioner interface {
	EnsureDatabase(ctx context.Context, creds dbprov.Credentials) error
	DropDatabase(ctx context.Context, creds dbprov.Credentials) error
}

// Renderer produces the site's configuration files from a template set.
type Renderer interface {
	Render(set string, ctx map[string]any) (map[string]string, error)
}

// BuildRequest describes a new site to provision. Database credentials and
// environment entries may be supplied by the caller; anything omitted is
// generated or defaulted.
type BuildRequest struct {
	Domain       string            `json:"domain"`
	Repo         string            `json:"repo"`
	Branch       string            `json:"branch,omitempty"`
	Framework    string            `json:"framework,omitempty"`
	PHPVersion   string            `json:"php_version,omitempty"`
	DBName       string            `json:"db_name,omitempty"`
	DBUser       string            `json:"db_user,omitempty"`
	DBPassword   string            `json:"db_pass,omitempty"`
	EnvOverrides map[string]string `json:"env,omitempty"`
}

// RedeployRequest describes an update of an existing site. PostDeploy
// commands run inside the app service after the group is back up.
type RedeployRequest struct {
	Domain     string   `json:"domain"`
	PostDeploy []string `json:"post_deploy,omitempty"`
}

// StepResult records the outcome of one pipeline step.
type StepResult struct {
	Step    string `json:"step"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

const (
	OutcomeOK         = "ok"
	OutcomeSoftFailed = "soft_failed"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
)

// Pipeline wires the site workflows to their dependencies.
type Pipeline struct {
	cfg      config.AgentConfig
	fetcher  SourceFetcher
	engine   Engine
	db       Provisioner
	renderer Renderer
	store    *site.Store
	logger   *slog.Logger
}

func New(cfg config.AgentConfig, fetcher SourceFetcher, engine Engine, db Provisioner, renderer Renderer, store *site.Store, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		fetcher:  fetcher,
		engine:   engine,
		db:       db,
		renderer: renderer,
		store:    store,
		logger:   logger,
	}
}

// run tracks step results and the soft failure budget for one workflow run.
type run struct {
	p     *Pipeline
	name  string
	steps []StepResult
	soft  int
}

func (r *run) ok(step string) {
	r.steps = append(r.steps, StepResult{Step: step, Outcome: OutcomeOK})
}

func (r *run) skip(step, why string) {
	r.steps = append(r.steps, StepResult{Step: step, Outcome: OutcomeSkipped, Message: why})
}

// softFail records a tolerated failure. It returns an error only when the
// configured soft failure budget is exhausted, which escalates to fatal.
func (r *run) softFail(step string, err error) error {
	r.soft++
	r.steps = append(r.steps, StepResult{Step: step, Outcome: OutcomeSoftFailed, Message: err.Error()})
	r.p.logger.Warn("pipeline step failed, continuing", "site", r.name, "step", step, "error", err)
	if limit := r.p.cfg.SoftFailureLimit; limit > 0 && r.soft > limit {
		return fmt.Errorf("soft failure budget exhausted after %d failures: %w", r.soft, err)
	}
	return nil
}

func (r *run) fail(step string, err error) ([]StepResult, error) {
	r.steps = append(r.steps, StepResult{Step: step, Outcome: OutcomeFailed, Message: err.Error()})
	r.p.logger.Error("pipeline step failed", "site", r.name, "step", step, "error", err)
	return r.steps, agenterr.NewStepError(step, err)
}

// Build provisions a new site end to end: clone, classify, database,
// configuration, dependency install and container start.
func (p *Pipeline) Build(ctx context.Context, req BuildRequest) ([]StepResult, error) {
	name := site.NameFromDomain(req.Domain)
	if name == "" {
		return nil, agenterr.Validationf("domain %q yields an empty site name", req.Domain)
	}
	if p.store.Exists(name) {
		return nil, fmt.Errorf("site %s already exists: %w", name, agenterr.ErrConflict)
	}
	r := &run{p: p, name: name}
	dir := p.store.Dir(name)
	p.logger.Info("build started", "site", name, "domain", req.Domain, "repo", req.Repo)

	cloneCtx, cancel := context.WithTimeout(ctx, p.cfg.GitTimeout)
	err := p.fetcher.Clone(cloneCtx, req.Repo, req.Branch, dir)
	cancel()
	if err != nil {
		os.RemoveAll(dir)
		return r.fail("clone", err)
	}
	r.ok("clone")

	variant := framework.Resolve(req.Framework)
	if variant == framework.Unknown {
		variant = framework.Detect(dir)
	}
	if variant == framework.Unknown {
		steps, ferr := r.fail("detect", fmt.Errorf("could not determine framework for %s", req.Repo))
		p.markFailed(name, dir, req, variant, nil, "")
		return steps, ferr
	}
	profile := framework.ProfileFor(variant)
	r.ok("detect")
	p.logger.Info("framework resolved", "site", name, "framework", variant)

	phpVersion, phpRuntime, err := p.resolvePHP(req.PHPVersion)
	if err != nil {
		return r.fail("detect", err)
	}

	secret, err := crypto.AppSecret()
	if err != nil {
		return r.fail("secret", err)
	}

	var db *site.Database
	if profile.RequiresDatabase {
		db, err = p.buildCredentials(name, req)
		if err != nil {
			return r.fail("database", err)
		}
		dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBExecTimeout)
		err = p.db.EnsureDatabase(dbCtx, dbprov.Credentials{Database: db.Name, User: db.User, Password: db.Password})
		cancel()
		if err != nil {
			steps, ferr := r.fail("database", err)
			p.markFailed(name, dir, req, variant, db, secret)
			return steps, ferr
		}
		r.ok("database")
	} else {
		r.skip("database", "framework does not use a database")
	}

	record := &site.Site{
		Name:         name,
		Domain:       req.Domain,
		Repo:         req.Repo,
		Branch:       req.Branch,
		Framework:    variant,
		State:        site.StateBuilding,
		PHPVersion:   phpVersion,
		AppSecret:    secret,
		Database:     db,
		EnvOverrides: req.EnvOverrides,
	}
	if err := p.store.Save(record); err != nil {
		return r.fail("record", err)
	}

	if err := p.renderConfig(record, profile, phpRuntime, dir); err != nil {
		steps, ferr := r.fail("render", err)
		p.store.SetState(name, site.StateFailed)
		return steps, ferr
	}
	r.ok("render")

	if err := p.install(ctx, dir, profile); err != nil {
		if err := r.softFail("install", err); err != nil {
			steps, ferr := r.fail("install", err)
			p.store.SetState(name, site.StateFailed)
			return steps, ferr
		}
	} else if len(profile.InstallCmd) == 0 {
		r.skip("install", "framework has no install step")
	} else {
		r.ok("install")
	}

	upCtx, cancel := context.WithTimeout(ctx, p.cfg.ComposeTimeout)
	err = p.engine.Up(upCtx, dir)
	cancel()
	if err != nil {
		steps, ferr := r.fail("start", err)
		p.store.SetState(name, site.StateFailed)
		return steps, ferr
	}
	r.ok("start")

	if err := p.store.SetState(name, site.StateRunning); err != nil {
		return r.fail("record", err)
	}
	p.logger.Info("build completed", "site", name, "framework", variant)
	return r.steps, nil
}

// Redeploy updates an existing site: stop, pull, re-render with the
// persisted secret and credentials, start, then run post-deploy commands.
func (p *Pipeline) Redeploy(ctx context.Context, req RedeployRequest) ([]StepResult, error) {
	name := site.NameFromDomain(req.Domain)
	record, err := p.store.Load(name)
	if err != nil {
		return nil, err
	}
	r := &run{p: p, name: name}
	dir := p.store.Dir(name)
	profile := framework.ProfileFor(record.Framework)
	p.logger.Info("redeploy started", "site", name, "framework", record.Framework)

	// The containers are about to go down, so the record must not claim the
	// site is running until the group is back up.
	if err := p.store.SetState(name, site.StateBuilding); err != nil {
		return r.fail("record", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, p.cfg.ComposeTimeout)
	err = p.engine.Stop(stopCtx, dir)
	cancel()
	if err != nil {
		if err := r.softFail("stop", err); err != nil {
			return r.fail("stop", err)
		}
	} else {
		r.ok("stop")
	}

	pullCtx, cancel := context.WithTimeout(ctx, p.cfg.GitTimeout)
	err = p.fetcher.Pull(pullCtx, dir)
	cancel()
	if err != nil {
		if err := r.softFail("pull", err); err != nil {
			return r.fail("pull", err)
		}
	} else {
		r.ok("pull")
	}

	_, phpRuntime, err := p.resolvePHP(record.PHPVersion)
	if err != nil {
		return r.fail("render", err)
	}
	if err := p.renderConfig(record, profile, phpRuntime, dir); err != nil {
		steps, ferr := r.fail("render", err)
		p.store.SetState(name, site.StateFailed)
		return steps, ferr
	}
	r.ok("render")

	upCtx, cancel := context.WithTimeout(ctx, p.cfg.ComposeTimeout)
	err = p.engine.Up(upCtx, dir)
	cancel()
	if err != nil {
		steps, ferr := r.fail("start", err)
		p.store.SetState(name, site.StateFailed)
		return steps, ferr
	}
	r.ok("start")

	for _, command := range req.PostDeploy {
		step := "post_deploy: " + command
		argv := splitCommand(command)
		if len(argv) == 0 {
			r.skip(step, "empty command")
			continue
		}
		execCtx, cancel := context.WithTimeout(ctx, p.cfg.ComposeTimeout)
		_, err := p.engine.ExecService(execCtx, dir, appService(record.Framework), argv)
		cancel()
		if err != nil {
			if err := r.softFail(step, err); err != nil {
				steps, ferr := r.fail(step, err)
				p.store.SetState(name, site.StateFailed)
				return steps, ferr
			}
			continue
		}
		r.ok(step)
	}

	if err := p.store.SetState(name, site.StateRunning); err != nil {
		return r.fail("record", err)
	}
	p.logger.Info("redeploy completed", "site", name)
	return r.steps, nil
}

// Start brings a stopped site's container group back up.
func (p *Pipeline) Start(ctx context.Context, name string) error {
	if _, err := p.store.Load(name); err != nil {
		return err
	}
	upCtx, cancel := context.WithTimeout(ctx, p.cfg.ComposeTimeout)
	defer cancel()
	if err := p.engine.Up(upCtx, p.store.Dir(name)); err != nil {
		return err
	}
	return p.store.SetState(name, site.StateRunning)
}

// Stop halts a site's container group without removing anything.
func (p *Pipeline) Stop(ctx context.Context, name string) error {
	if _, err := p.store.Load(name); err != nil {
		return err
	}
	stopCtx, cancel := context.WithTimeout(ctx, p.cfg.ComposeTimeout)
	defer cancel()
	if err := p.engine.Stop(stopCtx, p.store.Dir(name)); err != nil {
		return err
	}
	return p.store.SetState(name, site.StateStopped)
}

// Remove tears a site down: containers and volumes go, the database is
// dropped when one was provisioned, and the site directory is deleted.
func (p *Pipeline) Remove(ctx context.Context, name string) error {
	record, err := p.store.Load(name)
	if err != nil {
		return err
	}
	downCtx, cancel := context.WithTimeout(ctx, p.cfg.ComposeTimeout)
	err = p.engine.Down(downCtx, p.store.Dir(name), true)
	cancel()
	if err != nil {
		p.logger.Warn("compose down failed during removal, continuing", "site", name, "error", err)
	}
	if record.Database != nil {
		dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBExecTimeout)
		err = p.db.DropDatabase(dbCtx, dbprov.Credentials{Database: record.Database.Name, User: record.Database.User})
		cancel()
		if err != nil {
			p.logger.Warn("database drop failed during removal, continuing", "site", name, "error", err)
		}
	}
	if err := p.store.Delete(name); err != nil {
		return err
	}
	p.logger.Info("site removed", "site", name)
	return nil
}

func (p *Pipeline) resolvePHP(requested string) (string, config.PHPRuntime, error) {
	version := requested
	if version == "" {
		version = p.cfg.DefaultPHPVersion
	}
	runtime, ok := p.cfg.PHPVersions[version]
	if !ok {
		return "", config.PHPRuntime{}, agenterr.Validationf("unsupported php version %q", version)
	}
	return version, runtime, nil
}

func (p *Pipeline) buildCredentials(name string, req BuildRequest) (*site.Database, error) {
	dbName := req.DBName
	if dbName == "" {
		dbName = name + "_db"
	}
	dbUser := req.DBUser
	if dbUser == "" {
		dbUser = name + "_user"
	}
	password := req.DBPassword
	if password == "" {
		generated, err := crypto.RandomPassword(24)
		if err != nil {
			return nil, fmt.Errorf("generate database password: %w", err)
		}
		password = generated
	}
	return &site.Database{
		Name:     dbprov.SanitizeIdentifier(dbName),
		User:     dbprov.SanitizeUser(dbUser),
		Password: password,
	}, nil
}

func (p *Pipeline) renderConfig(record *site.Site, profile framework.Profile, phpRuntime config.PHPRuntime, dir string) error {
	ctx := map[string]any{
		"app_name":               record.Name,
		"domain":                 record.Domain,
		"network":                p.cfg.Network,
		"shared_mysql_container": p.cfg.MySQLContainer,
		"shared_redis_container": p.cfg.RedisContainer,
		"app_key":                record.AppSecret,
		"php_version":            record.PHPVersion,
		"php_image":              phpRuntime.Image,
		"php_extensions":         phpRuntime.Extensions,
		"node_version":           p.cfg.NodeVersion,
		"db_name":                "",
		"db_user":                "",
		"db_password":            "",
		"extra_env":              record.EnvOverrides,
	}
	if record.Database != nil {
		ctx["db_name"] = record.Database.Name
		ctx["db_user"] = record.Database.User
		ctx["db_password"] = record.Database.Password
	}
	files, err := p.renderer.Render(profile.TemplateSet, ctx)
	if err != nil {
		return err
	}
	return tmpl.WriteFiles(dir, files)
}

func (p *Pipeline) install(ctx context.Context, dir string, profile framework.Profile) error {
	if len(profile.InstallCmd) == 0 {
		return nil
	}
	image := profile.InstallImage
	if image == "" {
		image = "node:" + p.cfg.NodeVersion + "-alpine"
	}
	installCtx, cancel := context.WithTimeout(ctx, p.cfg.InstallTimeout)
	defer cancel()
	return p.engine.RunOneOff(installCtx, dir, image, profile.InstallCmd)
}

// markFailed persists a failed record for a site whose build died before the
// first save, so the directory on disk stays explainable.
func (p *Pipeline) markFailed(name, dir string, req BuildRequest, variant framework.Variant, db *site.Database, secret string) {
	record := &site.Site{
		Name:         name,
		Domain:       req.Domain,
		Repo:         req.Repo,
		Branch:       req.Branch,
		Framework:    variant,
		State:        site.StateFailed,
		AppSecret:    secret,
		Database:     db,
		EnvOverrides: req.EnvOverrides,
	}
	if err := p.store.Save(record); err != nil {
		p.logger.Error("persist failed record", "site", name, "error", err)
	}
}

// splitCommand splits a post-deploy command line into argv, honoring single
// and double quotes so arguments like --execute="..." survive intact.
func splitCommand(s string) []string {
	var argv []string
	var cur strings.Builder
	var quote rune
	inToken := false
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	return argv
}

// appService names the compose service post-deploy commands run in.
func appService(v framework.Variant) string {
	if v == framework.Static {
		return "web"
	}
	return "app"
}
