package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

// RecordStore is the slice of the registration database the scanner needs.
type RecordStore interface {
	RecentRegistrations(ctx context.Context, since time.Time) ([]Registration, error)
	RegistrationsBySerial(ctx context.Context, serial string, excludeID string) ([]Registration, error)
	RegistrationsByVIN(ctx context.Context, vin string, excludeID string) ([]Registration, error)
	RegistrationsByStatus(ctx context.Context, statuses ...RegistrationStatus) ([]Registration, error)
	CreateRegistration(ctx context.Context, reg *Registration) error
	SuspendRegistration(ctx context.Context, id string) (bool, error)

	CreateAlert(ctx context.Context, alert *Alert) error
	FindOpenAlertByDedupKey(ctx context.Context, key string) (*Alert, error)
	CreateNotification(ctx context.Context, n *Notification) error
	CreateAuditEntry(ctx context.Context, e *AuditEntry) error
}

type DatabaseOptions struct {
	Driver string
	DSN    string
	Debug  bool
}

func OpenDB(opts DatabaseOptions) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if opts.Debug {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(opts.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, err
	}
	if dialector.Name() == "sqlite" {
		// One writer at a time; also keeps ":memory:" databases shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Registration{}, &Alert{}, &Notification{}, &AuditEntry{}); err != nil {
		return nil, err
	}
	return db, nil
}

// GormStore implements RecordStore on top of gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) RecentRegistrations(ctx context.Context, since time.Time) ([]Registration, error) {
	var out []Registration
	err := s.db.WithContext(ctx).
		Where("registered_at >= ?", since.UTC()).
		Order("registered_at desc").
		Find(&out).Error
	return out, err
}

func (s *GormStore) RegistrationsBySerial(ctx context.Context, serial string, excludeID string) ([]Registration, error) {
	var out []Registration
	err := s.db.WithContext(ctx).
		Where("serial_number = ? AND id <> ?", serial, excludeID).
		Order("registered_at asc").
		Find(&out).Error
	return out, err
}

func (s *GormStore) RegistrationsByVIN(ctx context.Context, vin string, excludeID string) ([]Registration, error) {
	if strings.TrimSpace(vin) == "" {
		return nil, nil
	}
	var out []Registration
	err := s.db.WithContext(ctx).
		Where("vin = ? AND id <> ?", vin, excludeID).
		Order("registered_at asc").
		Find(&out).Error
	return out, err
}

func (s *GormStore) RegistrationsByStatus(ctx context.Context, statuses ...RegistrationStatus) ([]Registration, error) {
	var out []Registration
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("registered_at asc, id asc").
		Find(&out).Error
	return out, err
}

func (s *GormStore) CreateRegistration(ctx context.Context, reg *Registration) error {
	return s.db.WithContext(ctx).Create(reg).Error
}

// SuspendRegistration blocks a registration that is still active. It reports
// false when the row was missing or already in another status.
func (s *GormStore) SuspendRegistration(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Updates(map[string]any{"status": StatusSuspended, "alert_sent": true})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CreateAlert(ctx context.Context, alert *Alert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}

func (s *GormStore) FindOpenAlertByDedupKey(ctx context.Context, key string) (*Alert, error) {
	var a Alert
	err := s.db.WithContext(ctx).
		Where("dedup_key = ? AND status = ?", key, AlertInReview).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) CreateNotification(ctx context.Context, n *Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormStore) CreateAuditEntry(ctx context.Context, e *AuditEntry) error {
	return s.db.WithContext(ctx).Create(e).Error
}
