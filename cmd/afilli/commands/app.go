package commands

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jakebbass/afilli/internal/affiliate"
	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/db"
	"github.com/jakebbass/afilli/internal/email"
	"github.com/jakebbass/afilli/internal/enrich"
	"github.com/jakebbass/afilli/internal/executor"
	"github.com/jakebbass/afilli/internal/generator"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/orchestrator"
	"github.com/jakebbass/afilli/internal/scraper"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/telemetry"
)

// loadConfig reads --config when given, otherwise the merged global and project config.
func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		return config.LoadFile(configFlag)
	}
	return config.Load()
}

// configFilePath returns the file the daemon should watch, or "" when no
// config file exists. The project file wins over the global one.
func configFilePath() string {
	if configFlag != "" {
		return configFlag
	}
	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, config.ProjectConfigName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(config.GlobalConfigPath()); err == nil {
		return config.GlobalConfigPath()
	}
	return ""
}

func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Path:   cfg.ExpandedLogPath(),
		Format: cfg.Logging.Format,
	})
}

// openStore opens the database named by cfg. The caller closes the DB.
func openStore(cfg *config.Config) (*db.DB, *store.Store, error) {
	database, err := db.Open(cfg.ExpandedDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	st, err := store.New(database)
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return database, st, nil
}

// app is the fully wired agent runtime.
type app struct {
	db      *db.DB
	store   *store.Store
	email   *email.Service
	metrics *telemetry.Metrics
	orch    *orchestrator.Orchestrator
}

// newApp wires every collaborator from cfg. Extra options are applied to the
// orchestrator after the metrics handler.
func newApp(cfg *config.Config, opts ...orchestrator.Option) (*app, error) {
	database, st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout()
	client := &http.Client{Timeout: timeout}

	gen, err := llm.New(cfg.LLM, timeout)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init llm: %w", err)
	}
	mail := email.New(st, cfg.Email)
	exec := executor.New(executor.Deps{
		Store: st,
		LLM:   gen,
		Web:   scraper.New(cfg.Scraper, gen, client),
		Email: mail,
		Fetchers: []affiliate.Fetcher{
			affiliate.NewAWIN(cfg.Affiliate.AWIN, client),
			affiliate.NewCJ(cfg.Affiliate.CJ, client),
			affiliate.NewClickBank(cfg.Affiliate.ClickBank, client),
		},
		Enricher: enrich.NewClay(cfg.Enrichment, client),
	})
	if err := exec.Validate(); err != nil {
		_ = database.Close()
		return nil, err
	}

	metrics := telemetry.NewMetrics()
	orchOpts := append([]orchestrator.Option{orchestrator.WithEventHandler(metrics.Observe)}, opts...)
	return &app{
		db:      database,
		store:   st,
		email:   mail,
		metrics: metrics,
		orch:    orchestrator.New(st, exec, generator.New(st), orchOpts...),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
