package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/kpid/internal/config"
	"codeberg.org/mutker/kpid/internal/definition"
	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/httpapi"
	"codeberg.org/mutker/kpid/internal/job"
	"codeberg.org/mutker/kpid/internal/kpi"
	"codeberg.org/mutker/kpid/internal/logger"
	"codeberg.org/mutker/kpid/internal/metrics"
	"codeberg.org/mutker/kpid/internal/objects"
	"codeberg.org/mutker/kpid/internal/pid"
	"codeberg.org/mutker/kpid/internal/scheduler"
	"codeberg.org/mutker/kpid/internal/script"
	"codeberg.org/mutker/kpid/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 10 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.GetLogLevel(), logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	pidFile := pid.New("", pid.DefaultName)
	if err := pidFile.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cancel); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("error in main loop")
		} else {
			logger.Error().Err(err).Msg("error in main loop")
		}
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cancel context.CancelFunc) error {
	errFactory := errors.New()

	repo, err := store.NewRepository(store.Config{
		DBPath:          cfg.GetDatabasePath(),
		BackupOnMigrate: true,
	}, logger.New("store"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitStore, err)
	}
	defer repo.Close()

	definitions, err := definition.NewFileStore(cfg.GetDefinitionsPath(), logger.New("definitions"))
	if err != nil {
		return errFactory.Wrap(errors.ErrLoadKpis, err)
	}

	objectTypes := objects.NewRegistry()
	for _, objectType := range definitions.ObjectTypes() {
		registerObjectType(objectTypes, definitions, objectType)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorsSet := metrics.New(reg)

	sched := scheduler.NewService(scheduler.Config{
		StaleAfter: cfg.GetStaleRunningAfter(),
		Retention:  cfg.GetStateRetention(),
	}, repo, logger.New("scheduler"), collectorsSet)
	defer sched.Close()

	// states left by a previous process are meaningless after a restart
	sched.FlushAllStates(ctx)
	sched.StartSystemStatus(cfg.HousekeepingInterval)

	kpis := kpi.NewRegistry(definitions, &kpi.Environment{
		Evaluator:   script.New(),
		Scheduler:   sched,
		Data:        repo,
		Objects:     objectTypes,
		Log:         logger.New("kpi"),
		Metrics:     collectorsSet,
		WarmupDelay: cfg.GetWarmupDelay(),
	})
	if err := kpis.Init(ctx); err != nil {
		return err
	}
	defer kpis.Cancel()

	jobs := job.NewRegistry(sched, logger.New("jobs"), collectorsSet)
	jobs.Start([]job.Descriptor{
		job.NewStateFlush(sched, logger.New("jobs")),
		job.NewKpiReload(kpis),
	})
	defer jobs.Cancel()

	if cfg.WatchDefinitions {
		watcher := definition.NewWatcher(definitions, logger.New("definitions"), func(uids []string) {
			for _, objectType := range definitions.ObjectTypes() {
				registerObjectType(objectTypes, definitions, objectType)
			}
			for _, uid := range uids {
				if err := kpis.ReloadKpi(ctx, uid); err != nil {
					logger.Error().Err(err).Str("kpi", uid).Msg("failed to reload KPI")
				}
			}
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("definitions watcher stopped")
			}
		}()
	}

	if cfg.Listen != "" {
		var opts []httpapi.Option
		if cfg.Metrics {
			opts = append(opts, httpapi.WithMetrics(reg))
		}
		server := httpapi.NewServer(cfg.Listen, kpis, jobs, logger.New("http"), opts...)

		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("failed to stop HTTP server")
			}
		}()
	}

	logger.Info().
		Int("kpis", len(kpis.Kpis())).
		Int("jobs", len(jobs.Jobs())).
		Msg("kpid started")

	<-ctx.Done()
	return nil
}

// registerObjectType serves the inline objects of the definitions file
func registerObjectType(registry *objects.Registry, definitions *definition.FileStore, objectType string) {
	registry.Register(objectType, func() (objects.Container, error) {
		return objects.NewStatic(func() []map[string]any {
			return definitions.Objects(objectType)
		}), nil
	})
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
