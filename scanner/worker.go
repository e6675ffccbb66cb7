package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	ScanIncremental = "incremental"
	ScanFull        = "full"
)

type WorkerConfig struct {
	IncrementalInterval time.Duration
	// IncrementalWindow is wider than the interval to tolerate clock drift
	// and slow writers.
	IncrementalWindow  time.Duration
	Workers            int
	CallTimeout        time.Duration
	IncrementalTimeout time.Duration
	FullTimeout        time.Duration
	// FullGuardWait bounds how long a full scan waits for an in-flight run.
	// FullTimeout starts counting only once the guard is held.
	FullGuardWait time.Duration
	HashHexLen    int

	// Heartbeat labels.
	JobLabel     string
	ServiceLabel string
	FixedLabels  map[string]string
}

func (c *WorkerConfig) applyDefaults() {
	if c.IncrementalInterval <= 0 {
		c.IncrementalInterval = 5 * time.Minute
	}
	if c.IncrementalWindow <= 0 {
		c.IncrementalWindow = 10 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.HashHexLen <= 0 {
		c.HashHexLen = defaultHashHexLen
	}
	if c.FullGuardWait <= 0 {
		c.FullGuardWait = c.FullTimeout
	}
	if c.ServiceLabel == "" {
		c.ServiceLabel = "motosec"
	}
}

type Option func(*Worker)

func WithRelay(r NotificationRelay) Option { return func(w *Worker) { w.relay = r } }
func WithHeartbeat(s SyslogSender) Option { return func(w *Worker) { w.heartbeat = s } }
func WithMetrics(m *Metrics) Option { return func(w *Worker) { w.metrics = m } }
func WithLogger(l zerolog.Logger) Option { return func(w *Worker) { w.log = l } }
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }
func WithRunGuard(g *RunGuard) Option { return func(w *Worker) { w.guard = g } }

// Worker is the long-lived scanning service. One instance per process; two
// workers against the same store would alert twice.
type Worker struct {
	cfg       WorkerConfig
	store     RecordStore
	relay     NotificationRelay
	heartbeat SyslogSender
	metrics   *Metrics
	log       zerolog.Logger
	now       func() time.Time
	guard     *RunGuard

	matcher *Matcher
	alerts  *AlertManager

	baseCtx context.Context
	cancel  context.CancelFunc
	bgMu    sync.Mutex
	stopped bool
	bg      sync.WaitGroup

	mu           sync.Mutex
	lastScanTime *time.Time
	lastFullScan *time.Time
}

func NewWorker(cfg WorkerConfig, store RecordStore, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	cfg.applyDefaults()
	w := &Worker{
		cfg:   cfg,
		store: store,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.guard == nil {
		w.guard = NewRunGuard()
	}
	w.matcher = NewMatcher(store, cfg.CallTimeout, w.log)
	notifier := NewNotifier(store, w.relay, cfg.CallTimeout, w.metrics, w.log)
	w.alerts = NewAlertManager(store, notifier, NewAuditLogger(store, cfg.CallTimeout), cfg.CallTimeout, cfg.HashHexLen, w.log)
	w.baseCtx, w.cancel = context.WithCancel(context.Background())
	return w, nil
}

// Status is the health view exposed to monitoring.
type Status struct {
	IsRunning           bool       `json:"isRunning"`
	CurrentScan         string     `json:"currentScan,omitempty"`
	LastScanTime        *time.Time `json:"lastScanTime"`
	LastFullScanTime    *time.Time `json:"lastFullScanTime"`
	ScanIntervalMinutes int        `json:"scanIntervalMinutes"`
}

func (w *Worker) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		IsRunning:           w.guard.Running(),
		CurrentScan:         w.guard.Holder(),
		LastScanTime:        copyTime(w.lastScanTime),
		LastFullScanTime:    copyTime(w.lastFullScan),
		ScanIntervalMinutes: int(w.cfg.IncrementalInterval / time.Minute),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RunIncremental scans the recent window. When another scan holds the guard
// it returns ErrScanInProgress without doing anything.
func (w *Worker) RunIncremental(ctx context.Context) error {
	release, ok := w.guard.TryAcquire(ScanIncremental)
	if !ok {
		w.metrics.ObserveRun(ScanIncremental, "skipped", 0)
		return ErrScanInProgress
	}
	defer release()
	return w.runLocked(ctx, ScanIncremental)
}

// RunFull waits for the guard so the daily sweep is delayed by an in-flight
// incremental run, not dropped. The wait and the run have separate deadlines.
func (w *Worker) RunFull(ctx context.Context) error {
	waitCtx := ctx
	if w.cfg.FullGuardWait > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(ctx, w.cfg.FullGuardWait)
		defer cancelWait()
	}
	release, err := w.guard.Acquire(waitCtx, ScanFull)
	if err != nil {
		w.metrics.ObserveRun(ScanFull, "skipped", 0)
		return fmt.Errorf("wait for run guard: %w", err)
	}
	defer release()
	if w.cfg.FullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FullTimeout)
		defer cancel()
	}
	return w.runLocked(ctx, ScanFull)
}

// Trigger starts a scan in the background if the guard is free. After
// Shutdown it returns ErrWorkerStopped.
func (w *Worker) Trigger(scan string) error {
	if scan != ScanIncremental && scan != ScanFull {
		return fmt.Errorf("unknown scan %q", scan)
	}
	release, ok := w.guard.TryAcquire(scan)
	if !ok {
		return ErrScanInProgress
	}
	w.bgMu.Lock()
	if w.stopped {
		w.bgMu.Unlock()
		release()
		return ErrWorkerStopped
	}
	w.bg.Add(1)
	w.bgMu.Unlock()
	go func() {
		defer w.bg.Done()
		defer release()
		ctx := w.baseCtx
		if scan == ScanFull && w.cfg.FullTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.cfg.FullTimeout)
			defer cancel()
		}
		if err := w.runLocked(ctx, scan); err != nil {
			w.log.Error().Err(err).Str("scan", scan).Msg("triggered scan failed")
		}
	}()
	return nil
}

// Shutdown rejects further triggers and waits for triggered scans. When ctx
// expires first they are cancelled and Shutdown returns ctx's error.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.bgMu.Lock()
	w.stopped = true
	w.bgMu.Unlock()

	done := make(chan struct{})
	go func() {
		w.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

func (w *Worker) runLocked(ctx context.Context, scan string) (runErr error) {
	start := w.now()
	stats := &runStats{}
	log := w.log.With().Str("scan", scan).Logger()
	log.Info().Msg("scan started")

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("scan panicked: %v", r)
		}
		end := w.now()
		result := "ok"
		if runErr != nil {
			result = "error"
			log.Error().Err(runErr).Msg("scan failed")
		}
		w.metrics.ObserveRun(scan, result, end.Sub(start))
		snapshot := stats.snapshot()
		log.Info().
			Int("scanned", snapshot.Scanned).
			Int("stolen_duplicates", snapshot.StolenDuplicates).
			Int("regular_duplicates", snapshot.RegularDuplicates).
			Int("mixed_conflicts", snapshot.MixedConflicts).
			Int("duplicate_groups", snapshot.DuplicateGroups).
			Int("suppressed", snapshot.Suppressed).
			Int("failed", snapshot.Failed).
			Dur("elapsed", end.Sub(start)).
			Msg("scan finished")
		if w.heartbeat != nil {
			if err := w.sendHeartbeat(scan, start, end, snapshot, runErr); err != nil {
				log.Warn().Err(err).Msg("heartbeat send failed")
			}
		}
	}()

	switch scan {
	case ScanIncremental:
		if w.cfg.IncrementalTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.cfg.IncrementalTimeout)
			defer cancel()
		}
		return w.scanIncremental(ctx, stats)
	case ScanFull:
		return w.scanFull(ctx, stats)
	default:
		return fmt.Errorf("unknown scan %q", scan)
	}
}

func (w *Worker) scanIncremental(ctx context.Context, stats *runStats) error {
	since := w.now().Add(-w.cfg.IncrementalWindow)

	callCtx, cancel := withCallTimeout(ctx, w.cfg.CallTimeout)
	recent, err := w.store.RecentRegistrations(callCtx, since)
	cancel()
	if err != nil {
		return fmt.Errorf("query recent registrations: %w", err)
	}
	w.markScanned(ScanIncremental)

	if len(recent) == 0 {
		w.log.Debug().Time("since", since).Msg("no recent registrations")
		return nil
	}
	w.log.Info().Int("count", len(recent)).Msg("checking recent registrations")

	var g errgroup.Group
	g.SetLimit(w.cfg.Workers)
	for _, part := range partitionBySerial(recent) {
		if ctx.Err() != nil {
			break
		}
		part := part
		g.Go(func() error {
			for _, reg := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				w.processRegistration(ctx, reg, stats)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("incremental scan interrupted: %w", err)
	}
	return ctx.Err()
}

// partitionBySerial keeps same-serial registrations in one ordered chain so
// they never race each other; partitions run in parallel.
func partitionBySerial(regs []Registration) [][]Registration {
	index := make(map[string]int)
	var out [][]Registration
	for _, r := range regs {
		i, ok := index[r.SerialNumber]
		if !ok {
			i = len(out)
			index[r.SerialNumber] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], r)
	}
	return out
}

func (w *Worker) processRegistration(ctx context.Context, reg Registration, stats *runStats) {
	log := w.log.With().Str("serial", reg.SerialNumber).Str("registration_id", reg.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			stats.add(func(s *runStats) { s.Failed++ })
			log.Error().Interface("panic", r).Msg("registration check panicked")
		}
	}()

	stats.add(func(s *runStats) { s.Scanned++ })
	w.metrics.AddScanned(ScanIncremental, 1)

	if reg.AlertSent {
		log.Debug().Msg("already flagged, skipped")
		stats.add(func(s *runStats) { s.Skipped++ })
		return
	}

	c := Classify(w.matcher.Candidates(ctx, reg))
	var (
		res HandleResult
		err error
	)
	switch c.Kind {
	case KindStolenDuplicate:
		log.Warn().Int("stolen_matches", len(c.Stolen)).Msg("stolen duplicate detected")
		res, err = w.alerts.HandleStolenDuplicate(ctx, reg, c)
	case KindRegularDuplicate:
		log.Info().Int("matches", len(c.Candidates)).Msg("duplicate detected")
		res, err = w.alerts.HandleRegularDuplicate(ctx, reg, c)
	default:
		log.Debug().Msg("no duplicate")
		stats.add(func(s *runStats) { s.Clean++ })
		return
	}
	w.record(c.Kind, res, err, stats, log)
}

func (w *Worker) scanFull(ctx context.Context, stats *runStats) error {
	callCtx, cancel := withCallTimeout(ctx, w.cfg.CallTimeout)
	regs, err := w.store.RegistrationsByStatus(callCtx, StatusActive, StatusStolen)
	cancel()
	if err != nil {
		return fmt.Errorf("query active and stolen registrations: %w", err)
	}
	stats.add(func(s *runStats) { s.Scanned = len(regs) })
	w.metrics.AddScanned(ScanFull, len(regs))
	w.log.Info().Int("count", len(regs)).Msg("full scan of registrations")

	for _, g := range FindDuplicateGroups(regs) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("full scan interrupted: %w", err)
		}
		stats.add(func(s *runStats) { s.DuplicateGroups++ })
		w.log.Info().
			Str("field", g.Field).
			Str("value", g.Value).
			Int("members", len(g.Members)).
			Msg("duplicate group")
		if g.Mixed() {
			w.processGroup(ctx, g, stats)
		}
	}
	w.markScanned(ScanFull)
	return nil
}

func (w *Worker) processGroup(ctx context.Context, g DuplicateGroup, stats *runStats) {
	log := w.log.With().Str("field", g.Field).Str("value", g.Value).Logger()
	defer func() {
		if r := recover(); r != nil {
			stats.add(func(s *runStats) { s.Failed++ })
			log.Error().Interface("panic", r).Msg("group analysis panicked")
		}
	}()
	log.Warn().
		Int("stolen", len(g.Stolen)).
		Int("active", len(g.Active)).
		Msg("mixed-status conflict detected")
	res, err := w.alerts.HandleMixedStatus(ctx, g)
	w.record(KindMixedStatus, res, err, stats, log)
}

func (w *Worker) record(kind AlertKind, res HandleResult, err error, stats *runStats, log zerolog.Logger) {
	if err != nil {
		stats.add(func(s *runStats) { s.Failed++ })
		log.Error().Err(err).Msg("detection not recorded")
		return
	}
	w.metrics.IncrementDetection(kind, res.Suppressed)
	stats.add(func(s *runStats) {
		if res.Suppressed {
			s.Suppressed++
			return
		}
		switch kind {
		case KindStolenDuplicate:
			s.StolenDuplicates++
		case KindRegularDuplicate:
			s.RegularDuplicates++
		case KindMixedStatus:
			s.MixedConflicts++
		}
		s.NotificationsCreated += res.Notifications.Created
		s.NotificationsFailed += res.Notifications.Failed
	})
	if res.Alert != nil {
		log.Info().
			Str("alert_id", res.Alert.ID).
			Bool("suspended", res.Suspended).
			Int("notifications", res.Notifications.Created).
			Msg("alert created")
	}
}

func (w *Worker) markScanned(scan string) {
	t := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if scan == ScanFull {
		w.lastFullScan = &t
		return
	}
	w.lastScanTime = &t
}

type runStats struct {
	mu                   sync.Mutex
	Scanned              int
	Skipped              int
	Clean                int
	StolenDuplicates     int
	RegularDuplicates    int
	MixedConflicts       int
	DuplicateGroups      int
	Suppressed           int
	Failed               int
	NotificationsCreated int
	NotificationsFailed  int
}

func (s *runStats) add(fn func(*runStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type statsSnapshot struct {
	Scanned              int
	Skipped              int
	Clean                int
	StolenDuplicates     int
	RegularDuplicates    int
	MixedConflicts       int
	DuplicateGroups      int
	Suppressed           int
	Failed               int
	NotificationsCreated int
	NotificationsFailed  int
}

func (s *runStats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statsSnapshot{
		Scanned:              s.Scanned,
		Skipped:              s.Skipped,
		Clean:                s.Clean,
		StolenDuplicates:     s.StolenDuplicates,
		RegularDuplicates:    s.RegularDuplicates,
		MixedConflicts:       s.MixedConflicts,
		DuplicateGroups:      s.DuplicateGroups,
		Suppressed:           s.Suppressed,
		Failed:               s.Failed,
		NotificationsCreated: s.NotificationsCreated,
		NotificationsFailed:  s.NotificationsFailed,
	}
}

func (w *Worker) sendHeartbeat(scan string, start, end time.Time, stats statsSnapshot, runErr error) error {
	status := "ok"
	errMsg := ""
	if runErr != nil {
		status = "error"
		errMsg = runErr.Error()
		if errors.Is(runErr, context.DeadlineExceeded) {
			status = "timeout"
		}
	}
	msg := map[string]any{
		"scan":                  scan,
		"status":                status,
		"error":                 errMsg,
		"started_at":            start.UTC().Format(time.RFC3339Nano),
		"ended_at":              end.UTC().Format(time.RFC3339Nano),
		"duration_ms":           end.Sub(start).Milliseconds(),
		"scanned":               stats.Scanned,
		"skipped":               stats.Skipped,
		"stolen_duplicates":     stats.StolenDuplicates,
		"regular_duplicates":    stats.RegularDuplicates,
		"mixed_conflicts":       stats.MixedConflicts,
		"duplicate_groups":      stats.DuplicateGroups,
		"suppressed":            stats.Suppressed,
		"failed":                stats.Failed,
		"notifications_created": stats.NotificationsCreated,
		"notifications_failed":  stats.NotificationsFailed,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	labels := map[string]string{
		"job":     w.cfg.JobLabel,
		"service": w.cfg.ServiceLabel,
		"scan":    scan,
		"status":  status,
	}
	for k, v := range w.cfg.FixedLabels {
		if _, taken := labels[k]; !taken {
			labels[k] = v
		}
	}
	return w.heartbeat.SendRFC5424Timeout(heartbeatAppName, buildStructuredData("motosec", labels), string(b), 3*time.Second)
}
