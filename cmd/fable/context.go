package main

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"fable/internal/analysis"
	"fable/internal/analysis/cache"
	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/pipeline"
	"fable/internal/registry"
	"fable/internal/store"
	"fable/internal/synth"
	"fable/internal/voices"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// app bundles the wired subsystems behind one CLI invocation. The store lock
// is held until Close, so each command opens at most one app.
type app struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	voices   *voices.Manager
	synth    *synth.Manager
	pipeline *pipeline.Pipeline
}

func (c *commandContext) openApp() (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	// Command output stays clean; structured logs land in the log file.
	logger, err := logging.NewFile(logging.Options{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
		Writer: io.Discard,
	}, cfg.Paths.LogDir, "fable.log")
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(st, logger)
	vm := voices.NewManager(st, logger)
	engine := synth.NewEngine(cfg.Synthesis, logger)
	sm := synth.NewManager(st, vm, engine, cfg, logger)

	responseCache := cache.New(cfg.CachePath(), time.Duration(cfg.Cache.TTLHours)*time.Hour, logger)
	analyzer := analysis.NewClient(cfg.Analysis, responseCache, logger)

	return &app{
		cfg:      cfg,
		store:    st,
		registry: reg,
		voices:   vm,
		synth:    sm,
		pipeline: pipeline.New(cfg, st, reg, analyzer, vm, sm, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (c *commandContext) withApp(fn func(*app) error) error {
	a, err := c.openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
