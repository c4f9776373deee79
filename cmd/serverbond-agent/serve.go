package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beyazitkolemen/serverbond-docker/internal/cache"
	"github.com/beyazitkolemen/serverbond-docker/internal/dbprov"
	"github.com/beyazitkolemen/serverbond-docker/internal/engine"
	"github.com/beyazitkolemen/serverbond-docker/internal/gitrepo"
	"github.com/beyazitkolemen/serverbond-docker/internal/httpapi"
	"github.com/beyazitkolemen/serverbond-docker/internal/pipeline"
	"github.com/beyazitkolemen/serverbond-docker/internal/site"
	"github.com/beyazitkolemen/serverbond-docker/internal/task"
	"github.com/beyazitkolemen/serverbond-docker/internal/tmpl"
	"github.com/beyazitkolemen/serverbond-docker/pkg/config"
	"github.com/beyazitkolemen/serverbond-docker/pkg/logger"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/serverbond/agent.yml", "path to the agent config file")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.New("agent", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docker, err := engine.NewDocker("")
	if err != nil {
		return err
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		return err
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return err
	}

	store := site.NewStore(cfg.BaseDir)
	compose := engine.NewCompose(nil)
	provisioner := dbprov.New(docker, cfg.MySQLContainer, cfg.MySQLRootPassword, cfg.MySQLCharset, cfg.MySQLCollation, log)
	renderer := tmpl.New(cfg.TemplateDir)
	pl := pipeline.New(cfg, gitrepo.Fetcher{}, compose, provisioner, renderer, store, log)
	queue := task.NewQueue(cfg.Workers, cfg.QueueDepth, log)

	var statuses cache.Cache
	if cfg.CacheRedisAddr != "" {
		statuses, err = cache.NewRedis(cfg.CacheRedisAddr, cfg.CacheRedisPassword, cfg.CacheRedisDB, log)
		if err != nil {
			log.Warn("redis cache unavailable, using in-memory cache", "addr", cfg.CacheRedisAddr, "error", err)
			statuses = cache.NewMemory()
		}
	} else {
		statuses = cache.NewMemory()
	}
	defer statuses.Close()

	router := httpapi.New(log, cfg, queue, pl, store, docker, statuses)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("agent server starting", "addr", cfg.Addr, "base_dir", cfg.BaseDir)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := queue.Shutdown(shutdownCtx); err != nil {
			log.Error("task queue drain failed", "error", err)
		}
		log.Info("agent server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			return err
		}
	}
	return nil
}
