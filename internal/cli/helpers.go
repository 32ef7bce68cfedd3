package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imkarma/cardflow/internal/agent"
	"github.com/imkarma/cardflow/internal/api"
	"github.com/imkarma/cardflow/internal/config"
	"github.com/imkarma/cardflow/internal/execution"
	cflog "github.com/imkarma/cardflow/internal/log"
	"github.com/imkarma/cardflow/internal/orchestrator"
	"github.com/imkarma/cardflow/internal/store"
)

// cardflowPath returns the path to a file inside .cardflow/.
func cardflowPath(parts ...string) string {
	elems := append([]string{config.Dir}, parts...)
	return filepath.Join(elems...)
}

// mustConfig loads the project config, returning an error if cardflow is not
// initialized.
func mustConfig() (*config.Config, error) {
	path := cardflowPath(config.File)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("cardflow not initialized. Run: cardflow init")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// mustJournal opens the configured journal for reading.
func mustJournal() (*store.Store, error) {
	cfg, err := mustConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Journal == "" {
		return nil, fmt.Errorf("journal disabled in %s", cardflowPath(config.File))
	}
	if _, err := os.Stat(cfg.Journal); os.IsNotExist(err) {
		return nil, fmt.Errorf("no journal yet at %s. Run: cardflow run \"your task\"", cfg.Journal)
	}
	return store.New(cfg.Journal)
}

// openSession wires a session from cfg: the backend client, the optional
// LLM planner, the journal and the metrics endpoint. The returned func
// stops everything.
func openSession(cfg *config.Config) (*orchestrator.Session, func(), error) {
	logger := cflog.GetLogger()
	client := api.New(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout()),
		api.WithRateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
		api.WithLogger(logger),
	)

	deps := orchestrator.Deps{
		Decomposer: client,
		Searcher:   client,
		Caller:     client,
		Agent:      client,
		Logger:     logger,
	}

	if cfg.Decomposer == config.DecomposerLLM {
		runner, err := agent.NewRunner("planner", *cfg.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create planner: %w", err)
		}
		planner := agent.NewPlanner(runner, agent.WithLogger(logger))
		deps.Decomposer = planner
		deps.Agent = planner
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Metrics != "" {
		reg := prometheus.NewRegistry()
		m, err := execution.NewMetrics(reg)
		if err != nil {
			return nil, nil, fmt.Errorf("register metrics: %w", err)
		}
		deps.Metrics = m
		closers = append(closers, serveMetrics(cfg.Metrics, reg))
	}

	if cfg.Journal != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal), 0755); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create journal dir: %w", err)
		}
		j, err := store.New(cfg.Journal)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open journal: %w", err)
		}
		deps.Journal = j
	}

	session, err := orchestrator.New(cfg, deps)
	if err != nil {
		if deps.Journal != nil {
			deps.Journal.Close()
		}
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, session.Stop)
	return session, closeAll, nil
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		cflog.GetLogger().WithField("addr", addr).Info("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cflog.GetLogger().WithError(err).Warn("metrics server error")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printPhase(label, desc string) {
	fmt.Printf("%s═══ %s%s — %s\n\n", colorBold, label, colorReset, desc)
}
