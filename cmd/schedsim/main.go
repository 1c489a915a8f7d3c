package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ranware/macsched/internal/config"
	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/metrics"
	"github.com/ranware/macsched/internal/pcap"
	"github.com/ranware/macsched/internal/persistence/sqlite"
	"github.com/ranware/macsched/internal/sched"
	"github.com/ranware/macsched/internal/sim"
	"github.com/ranware/macsched/internal/ue"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	realtime := flag.Bool("realtime", false, "pace the run at one TTI per millisecond")
	seed := flag.Int64("seed", 0, "override the simulation seed")
	ttis := flag.Uint64("ttis", 0, "override the run length in TTIs")
	verifyStore := flag.String("verify-store", "", "check a trace database for corruption and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *verifyStore != "" {
		issues, err := sqlite.VerifyIntegrity(*verifyStore, "quick")
		if err != nil {
			fmt.Fprintf(os.Stderr, "verify %s: %v\n", *verifyStore, err)
			os.Exit(1)
		}
		if len(issues) > 0 {
			fmt.Fprintf(os.Stderr, "%s: %d integrity issue(s):\n", *verifyStore, len(issues))
			for _, msg := range issues {
				fmt.Fprintf(os.Stderr, "  %s\n", msg)
			}
			os.Exit(1)
		}
		fmt.Printf("%s: ok\n", *verifyStore)
		os.Exit(0)
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		mainLog := log.WithComponent("main")
		mainLog.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("path", *configPath).
			Msg("failed to load configuration")
	}

	logCfg := log.Config{Level: cfg.Log.Level, Service: "schedsim"}
	if cfg.Log.Format == "console" {
		logCfg.Output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Configure(logCfg)
	logger := log.WithComponent("main")

	// Flags sit above the environment and the file.
	if *realtime {
		cfg.Sim.Realtime = true
	}
	if *seed != 0 {
		cfg.Sim.Seed = *seed
	}
	if *ttis != 0 {
		cfg.Sim.TTIs = *ttis
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Int("carriers", len(cfg.Cell.Carriers)).
		Int64("seed", cfg.Sim.Seed).
		Uint64("ttis", cfg.Sim.TTIs).
		Bool("realtime", cfg.Sim.Realtime).
		Msg("starting schedsim")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.RecordCarrierWidths(cfg.Cell)
	collector := metrics.NewCollector()

	params := sim.Params{
		Cell:     cfg.Cell,
		Sim:      cfg.Sim,
		Sinks:    []sched.ResultSink{collector},
		OnDepart: collector.Forget,
	}

	var capture *pcap.Writer
	if cfg.Capture.Enabled {
		capture, err = pcap.New(cfg.Capture.Path, cfg.Capture.Buffer)
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "pcap.open_failed").
				Str("path", cfg.Capture.Path).
				Msg("failed to open capture file")
		}
		params.Capture = capture
	}

	var store *sim.TraceStore
	if cfg.Store.Enabled {
		store, err = sim.NewTraceStore(cfg.Store.Path)
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "store.open_failed").
				Str("path", cfg.Store.Path).
				Msg("failed to open trace store")
		}
		params.Store = store
	}

	runner, err := sim.New(params)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "sim.setup_failed").
			Msg("failed to build simulation")
	}
	metrics.RegisterCellCounters(runner.Counters)

	// Hot reload: file watcher plus SIGHUP. Only the scheduling weights
	// apply to a running cell; structural changes need a restart and the
	// holder says so in its logs.
	holder := config.NewHolder(cfg, loader)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "config.watcher_failed").Msg("config watcher unavailable")
	}
	defer holder.Stop()

	updates := make(chan config.AppConfig, 1)
	holder.Register(updates)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, runCtx := errgroup.WithContext(ctx)
	simCtx, simDone := context.WithCancel(runCtx)
	defer simDone()

	g.Go(func() error {
		for {
			select {
			case <-simCtx.Done():
				return nil
			case <-hup:
				logger.Info().Str("event", "config.sighup").Msg("reloading configuration")
				if err := holder.Reload(runCtx); err != nil {
					logger.Warn().Err(err).Msg("reload failed, keeping current configuration")
				}
			case next := <-updates:
				w := next.Cell.Weights
				if w == (ue.Weights{}) {
					w = ue.DefaultWeights()
				}
				if err := runner.ApplyWeights(w); err != nil {
					logger.Warn().Err(err).Msg("could not apply new scheduling weights")
				}
			}
		}
	})

	if cfg.Server.Listen != "" {
		srv := newServer(cfg.Server.Listen, runner.RunID(), collector)
		g.Go(func() error {
			logger.Info().
				Str("event", "server.listen").
				Str("addr", cfg.Server.Listen).
				Msg("debug server started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-simCtx.Done()
			// Bounded shutdown even when the parent context is gone.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var report *sim.Report
	g.Go(func() error {
		defer simDone()
		rep, err := runner.Run(simCtx)
		report = rep
		return err
	})

	err = g.Wait()

	// The run stopped feeding them; drain and close in capture order.
	if capture != nil {
		if cerr := capture.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("capture close failed")
		}
	}
	if store != nil {
		if cerr := store.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("trace store close failed")
		}
	}

	if err != nil {
		logger.Fatal().Err(err).Str("event", "run.failed").Msg("simulation failed")
	}
	if report != nil {
		logger.Info().
			Str("event", "run.summary").
			Str("run_id", report.RunID).
			Uint64("ttis", report.TTIs).
			Uint64("grants", report.Grants).
			Uint64("dl_bytes", report.DLBytes).
			Uint64("ul_bytes", report.ULBytes).
			Uint64("retransmissions", report.Retransmissions).
			Uint64("violations", report.Violations).
			Msg("simulation complete")
	}
	logger.Info().Msg("schedsim exiting")
}
