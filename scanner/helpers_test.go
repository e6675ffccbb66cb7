package scanner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := OpenDB(DatabaseOptions{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "motosec.db")})
	require.NoError(t, err)
	store := NewGormStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedReg(t *testing.T, store RecordStore, reg Registration) Registration {
	t.Helper()
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = testNow.Add(-2 * time.Minute)
	}
	require.NoError(t, store.CreateRegistration(context.Background(), &reg))
	return reg
}

func loadReg(t *testing.T, store *GormStore, id string) Registration {
	t.Helper()
	var reg Registration
	require.NoError(t, store.DB().First(&reg, "id = ?", id).Error)
	return reg
}

func allAlerts(t *testing.T, store *GormStore) []Alert {
	t.Helper()
	var out []Alert
	require.NoError(t, store.DB().Order("created_at asc").Find(&out).Error)
	return out
}

func allNotifications(t *testing.T, store *GormStore) []Notification {
	t.Helper()
	var out []Notification
	require.NoError(t, store.DB().Order("created_at asc").Find(&out).Error)
	return out
}

func allAuditEntries(t *testing.T, store *GormStore) []AuditEntry {
	t.Helper()
	var out []AuditEntry
	require.NoError(t, store.DB().Find(&out).Error)
	return out
}

func newTestWorker(t *testing.T, store RecordStore, opts ...Option) *Worker {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return testNow })}
	w, err := NewWorker(WorkerConfig{
		IncrementalInterval: 5 * time.Minute,
		IncrementalWindow:   10 * time.Minute,
		Workers:             4,
		CallTimeout:         5 * time.Second,
		JobLabel:            "motosec-test",
	}, store, append(base, opts...)...)
	require.NoError(t, err)
	return w
}

type mockSyslogSender struct {
	mu    sync.Mutex
	calls []mockSyslogCall
	failN int
}

type mockSyslogCall struct {
	appName        string
	structuredData string
	message        string
}

func (m *mockSyslogSender) SendRFC5424Timeout(appName string, structuredData string, message string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockSyslogCall{appName: appName, structuredData: structuredData, message: message})
	if m.failN > 0 {
		m.failN--
		return errors.New("mock syslog send failure")
	}
	return nil
}

func (m *mockSyslogSender) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *mockSyslogSender) Calls() []mockSyslogCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSyslogCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type fakeRelay struct {
	mu        sync.Mutex
	published []Notification
	err       error
}

func (r *fakeRelay) Publish(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, n)
	return nil
}

func (r *fakeRelay) Published() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.published))
	copy(out, r.published)
	return out
}

var errInjected = errors.New("injected store failure")

// failingStore wraps a real store and fails selected operations.
type failingStore struct {
	RecordStore

	mu    sync.Mutex
	fail  map[string]bool
	panic map[string]bool
	// failAudience fails CreateNotification only for that audience.
	failAudience string
	// block, when set, is waited on by RecentRegistrations.
	block chan struct{}
}

func newFailingStore(inner RecordStore) *failingStore {
	return &failingStore{RecordStore: inner, fail: map[string]bool{}, panic: map[string]bool{}}
}

func (s *failingStore) Fail(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = true
}

func (s *failingStore) Panic(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panic[op] = true
}

func (s *failingStore) FailNotificationsTo(audience string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAudience = audience
}

func (s *failingStore) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic[op] {
		panic("injected panic in " + op)
	}
	if s.fail[op] {
		return errInjected
	}
	return nil
}

func (s *failingStore) RecentRegistrations(ctx context.Context, since time.Time) ([]Registration, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.check("RecentRegistrations"); err != nil {
		return nil, err
	}
	return s.RecordStore.RecentRegistrations(ctx, since)
}

func (s *failingStore) RegistrationsBySerial(ctx context.Context, serial string, excludeID string) ([]Registration, error) {
	if err := s.check("RegistrationsBySerial"); err != nil {
		return nil, err
	}
	return s.RecordStore.RegistrationsBySerial(ctx, serial, excludeID)
}

func (s *failingStore) RegistrationsByVIN(ctx context.Context, vin string, excludeID string) ([]Registration, error) {
	if err := s.check("RegistrationsByVIN"); err != nil {
		return nil, err
	}
	return s.RecordStore.RegistrationsByVIN(ctx, vin, excludeID)
}

func (s *failingStore) SuspendRegistration(ctx context.Context, id string) (bool, error) {
	if err := s.check("SuspendRegistration"); err != nil {
		return false, err
	}
	return s.RecordStore.SuspendRegistration(ctx, id)
}

func (s *failingStore) CreateAlert(ctx context.Context, alert *Alert) error {
	if err := s.check("CreateAlert"); err != nil {
		return err
	}
	return s.RecordStore.CreateAlert(ctx, alert)
}

func (s *failingStore) FindOpenAlertByDedupKey(ctx context.Context, key string) (*Alert, error) {
	if err := s.check("FindOpenAlertByDedupKey"); err != nil {
		return nil, err
	}
	return s.RecordStore.FindOpenAlertByDedupKey(ctx, key)
}

func (s *failingStore) CreateNotification(ctx context.Context, n *Notification) error {
	if err := s.check("CreateNotification"); err != nil {
		return err
	}
	s.mu.Lock()
	target := s.failAudience
	s.mu.Unlock()
	if target != "" && n.Audience() == target {
		return errInjected
	}
	return s.RecordStore.CreateNotification(ctx, n)
}

func (s *failingStore) CreateAuditEntry(ctx context.Context, e *AuditEntry) error {
	if err := s.check("CreateAuditEntry"); err != nil {
		return err
	}
	return s.RecordStore.CreateAuditEntry(ctx, e)
}
