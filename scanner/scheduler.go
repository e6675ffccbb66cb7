package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler fires the two scan cadences on the worker.
type Scheduler struct {
	cron   *cron.Cron
	worker *Worker
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// NewScheduler registers the incremental job every interval and the full job
// on fullSpec, a standard 5-field cron expression.
func NewScheduler(w *Worker, interval time.Duration, fullSpec string, loc *time.Location, log zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("incremental interval must be positive")
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, worker: w, log: log, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.incrementalTick); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule incremental scan: %w", err)
	}
	if _, err := c.AddFunc(fullSpec, s.fullTick); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule full scan %q: %w", fullSpec, err)
	}
	return s, nil
}

func (s *Scheduler) incrementalTick() {
	err := s.worker.RunIncremental(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrScanInProgress):
		s.log.Info().Str("holder", s.worker.guard.Holder()).Msg("scan already running, incremental tick skipped")
	default:
		s.log.Error().Err(err).Msg("incremental scan failed")
	}
}

func (s *Scheduler) fullTick() {
	if err := s.worker.RunFull(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("full scan failed")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.log.Info().Time("next", e.Next).Msg("scan scheduled")
	}
}

// Stop prevents new ticks and waits for a running job. When ctx expires first
// the running scan is cancelled and Stop returns ctx's error.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done.Done()
		return ctx.Err()
	}
}
