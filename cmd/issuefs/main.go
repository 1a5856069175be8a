package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitissue/gitissue/internal/config"
	issuefuse "github.com/gitissue/gitissue/internal/fuse"
)

func configureLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	var (
		configPath string
		repoPath   string
		mountpoint string
		backend    string
		debug      bool
		newTitle   string
		newDesc    string
	)

	flag.StringVar(&configPath, "config", config.DefaultPath(), "Path to config file")
	flag.StringVar(&repoPath, "repo", "", "Repository root (overrides [store] path)")
	flag.StringVar(&mountpoint, "mount", "", "FUSE mount point (overrides [mount] path)")
	flag.StringVar(&backend, "backend", "", "Object store backend: git or cid (overrides [store] backend)")
	flag.BoolVar(&debug, "debug", false, "Log FUSE requests")
	flag.StringVar(&newTitle, "new", "", "Create an issue with this title as the configured author, then exit")
	flag.StringVar(&newDesc, "description", "", "Description for -new")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(slog.Default(), "issuefs: load config", err)
	}
	if repoPath != "" {
		cfg.Store.Path = config.ExpandHome(repoPath)
	}
	if mountpoint != "" {
		cfg.Mount.Path = config.ExpandHome(mountpoint)
	}
	if backend != "" {
		cfg.Store.Backend = backend
	}
	logger := configureLogger(cfg)
	slog.SetDefault(logger)

	if newTitle == "" && cfg.Mount.Path == "" {
		logger.Error("issuefs: --mount or [mount] path is required")
		os.Exit(2)
	}

	logger.Info("issuefs: opening repository", "path", cfg.Store.Path, "backend", cfg.Store.Backend, "namespace", cfg.Store.Namespace)
	store, err := cfg.OpenStore(logger)
	if err != nil {
		fatal(logger, "issuefs: open repository", err)
	}
	defer store.Close()

	if newTitle != "" {
		id, err := createIssue(cfg, store, newTitle, newDesc)
		if err != nil {
			store.Close()
			fatal(logger, "issuefs: create issue", err)
		}
		logger.Info("issuefs: created issue", "id", id)
		fmt.Println(id)
		return
	}

	if err := os.MkdirAll(cfg.Mount.Path, 0755); err != nil {
		store.Close()
		fatal(logger, "issuefs: create mountpoint", err)
	}

	logger.Info("issuefs: mounting", "mountpoint", cfg.Mount.Path)
	server, err := issuefuse.MountFS(cfg.Mount.Path, store, issuefuse.Options{
		Logger: logger,
		Debug:  debug || cfg.Mount.Debug,
	})
	if err != nil {
		store.Close()
		fatal(logger, "issuefs: mount failed", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-done
		logger.Info("issuefs: shutting down")
		if err := server.Unmount(); err != nil {
			logger.Warn("issuefs: unmount", "err", err)
		}
	}()

	logger.Info("issuefs: ready", "pid", os.Getpid())
	server.Wait()
	logger.Info("issuefs: stopped")
}
