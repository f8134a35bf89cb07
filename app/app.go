package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/searchktools/tinyhttpd/config"
	"github.com/searchktools/tinyhttpd/core"
	"github.com/searchktools/tinyhttpd/core/auth"
	"github.com/searchktools/tinyhttpd/core/logging"
	"github.com/searchktools/tinyhttpd/core/observability"
	"github.com/searchktools/tinyhttpd/core/pools"
	"golang.org/x/sync/errgroup"
)

const authGCInterval = 10 * time.Minute

// App owns every long-lived service of the server process
type App struct {
	cfg     *config.Config
	sink    *logging.Sink
	log     zerolog.Logger
	store   *auth.BadgerStore
	monitor *observability.Monitor
	engine  *core.Engine
	metrics *http.Server
}

// New builds the application from cfg. Close releases what New acquired
// if Run is never called.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}

	if cfg.OpenLog {
		sink, err := logging.New(logging.Config{
			Level:     cfg.LogLevel,
			Dir:       cfg.LogDir,
			QueueSize: cfg.LogQueue,
		})
		if err != nil {
			return nil, err
		}
		a.sink = sink
		a.log = sink.Logger()
	} else {
		a.log = zerolog.Nop()
	}

	store, err := auth.Open(auth.Options{Dir: cfg.AuthDB, Logger: a.log})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	prev := pools.ApplyGCConfig(pools.GCConfig{
		GOGC:        cfg.GCPercent,
		MemoryLimit: int64(cfg.MemLimitMB) << 20,
	})
	a.log.Debug().Int("gogc", cfg.GCPercent).Int("previous", prev).Int("memory_limit_mb", cfg.MemLimitMB).Msg("gc configured")

	a.monitor = observability.NewMonitor()
	a.engine, err = core.NewEngine(core.Options{
		Port:      cfg.Port,
		TrigMode:  cfg.TrigMode,
		Timeout:   cfg.Timeout(),
		OptLinger: cfg.OptLinger,
		Workers:   cfg.Workers,
		MaxConns:  cfg.MaxConns,
		Root:      cfg.Root,
		Verifier:  a.store,
		Logger:    a.log,
		Monitor:   a.monitor,
	})
	if err != nil {
		a.log.Error().Err(err).Msg("server init failed")
		a.Close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		a.metrics = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// routes serves the Prometheus registry, the engine counters and the
// per-path request report
func (a *App) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Method(http.MethodGet, "/metrics", a.monitor.Handler())
	router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, a.engine.StatsJSON())
	})
	router.Get("/stats/paths", func(w http.ResponseWriter, r *http.Request) {
		data, err := a.monitor.ReportJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	router.Get("/stats.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, a.engine.StatsText())
	})
	return router
}

// Engine returns the underlying engine
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Run serves until ctx is cancelled, SIGINT/SIGTERM arrives or a
// component fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ln net.Listener
	if a.metrics != nil {
		var err error
		if ln, err = net.Listen("tcp", a.metrics.Addr); err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		a.log.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(ctx)
	})

	g.Go(func() error {
		a.store.RunGC(ctx, authGCInterval)
		return nil
	})

	if ln != nil {
		g.Go(func() error {
			if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metrics.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	a.log.Info().Err(err).Msg("shutting down")
	return err
}

// Close stops the engine, releases the credential store and flushes logs
func (a *App) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
		a.sink = nil
	}
	return errors.Join(errs...)
}
