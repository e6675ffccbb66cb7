package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"moto-security-worker/scanner"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred closes always execute.
func run() int {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, reading from environment")
	}

	var configPath string
	var dbDriver string
	var dsn string
	var debug bool
	var httpAddr string
	var once string
	var seedPath string
	var amqpURL string
	var syslogAddr string
	var workers int

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&dbDriver, "db-driver", "sqlite", "Database driver: sqlite or postgres.")
	flag.StringVar(&dsn, "dsn", "motosec.db", "Database DSN (file path for sqlite).")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.StringVar(&httpAddr, "http-addr", "", "Status/metrics listen address (e.g. :8080). Empty disables.")
	flag.StringVar(&once, "once", "", "Run a single scan and exit: incremental or full.")
	flag.StringVar(&seedPath, "seed", "", "YAML file of registrations to import before starting.")
	flag.StringVar(&amqpURL, "amqp-url", "", "RabbitMQ URL for notification relay. Empty disables.")
	flag.StringVar(&syslogAddr, "syslog-addr", "", "Syslog receiver address (tcp) for run heartbeats. Empty disables.")
	flag.IntVar(&workers, "workers", 4, "Parallel registration checks per incremental scan.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional)
	cfg := &scanner.FileConfig{}
	if configPath != "" {
		c, err := scanner.LoadConfig(configPath)
		if err != nil {
			log.Error().Err(err).Msg("load config")
			return 1
		}
		cfg = c
	}

	// CLI overrides only for flags that were set
	if visited["db-driver"] {
		cfg.Database.Driver = dbDriver
	}
	if visited["dsn"] {
		cfg.Database.DSN = dsn
	}
	if visited["debug"] {
		cfg.Debug = debug
	}
	if visited["http-addr"] {
		cfg.HTTP.Addr = httpAddr
	}
	if visited["amqp-url"] {
		cfg.Relay.AMQPURL = amqpURL
	}
	if visited["syslog-addr"] {
		cfg.Heartbeat.SyslogAddr = syslogAddr
	}
	if visited["workers"] {
		cfg.Scan.Workers = workers
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	once = strings.ToLower(strings.TrimSpace(once))
	if once != "" && once != scanner.ScanIncremental && once != scanner.ScanFull {
		fmt.Fprintf(os.Stderr, "invalid -once %q (want incremental or full)\n", once)
		return 2
	}

	db, err := scanner.OpenDB(cfg.DatabaseOptions())
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("open database")
		return 1
	}
	store := scanner.NewGormStore(db)
	defer store.Close()

	if seedPath != "" {
		regs, err := scanner.LoadSeedFile(seedPath, time.Now())
		if err != nil {
			log.Error().Err(err).Msg("load seed file")
			return 1
		}
		n, err := scanner.SeedRegistrations(context.Background(), store, regs)
		if err != nil {
			log.Error().Err(err).Int("inserted", n).Msg("seed registrations")
			return 1
		}
		log.Info().Int("count", n).Str("file", seedPath).Msg("registrations seeded")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []scanner.Option{
		scanner.WithLogger(log.Logger),
		scanner.WithMetrics(scanner.NewMetrics(registry)),
	}
	if cfg.Relay.AMQPURL != "" {
		relay, err := scanner.NewAMQPRelay(cfg.Relay.AMQPURL, cfg.Relay.Exchange, log.Logger)
		if err != nil {
			// Notifications are still stored; only the push is lost.
			log.Warn().Err(err).Msg("notification relay unavailable, continuing without it")
		} else {
			defer relay.Close()
			opts = append(opts, scanner.WithRelay(relay))
		}
	}
	if cfg.Heartbeat.SyslogAddr != "" {
		opts = append(opts, scanner.WithHeartbeat(scanner.NewSyslogClient(cfg.Heartbeat.SyslogAddr)))
	}

	worker, err := scanner.NewWorker(cfg.WorkerConfig(), store, opts...)
	if err != nil {
		log.Error().Err(err).Msg("init worker")
		return 1
	}

	if once != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		var runErr error
		if once == scanner.ScanFull {
			runErr = worker.RunFull(ctx)
		} else {
			runErr = worker.RunIncremental(ctx)
		}
		if runErr != nil {
			log.Error().Err(runErr).Str("scan", once).Msg("scan failed")
			return 1
		}
		return 0
	}

	loc, _ := cfg.Location()
	sched, err := scanner.NewScheduler(worker, cfg.WorkerConfig().IncrementalInterval, cfg.Schedule.FullScanCron.Expr, loc, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("init scheduler")
		return 1
	}

	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		h := scanner.NewStatusHandler(worker, registry, log.Logger)
		srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.Addr).Msg("status server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	sched.Start()
	log.Info().
		Int("interval_minutes", cfg.Schedule.IncrementalIntervalMinutes).
		Str("full_scan_cron", cfg.Schedule.FullScanCron.Expr).
		Int("workers", cfg.Scan.Workers).
		Msg("security worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("scheduled scan did not finish in time")
	}
	if err := worker.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("triggered scan did not finish in time")
	}
	log.Info().Msg("security worker stopped")
	return 0
}
