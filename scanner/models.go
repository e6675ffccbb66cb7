package scanner

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RegistrationStatus string

const (
	StatusActive    RegistrationStatus = "active"
	StatusStolen    RegistrationStatus = "stolen"
	StatusSuspended RegistrationStatus = "suspended"
)

type AlertKind string

const (
	KindStolenDuplicate  AlertKind = "stolen_duplicate"
	KindRegularDuplicate AlertKind = "regular_duplicate"
	KindMixedStatus      AlertKind = "mixed_status"
)

type AlertStatus string

const (
	AlertInReview AlertStatus = "in_review"
	AlertClosed   AlertStatus = "closed"
)

type NotificationType string

const (
	NotificationTheftDetected NotificationType = "theft_detected"
	NotificationSecurityAlert NotificationType = "security_alert"
)

const (
	// AuditActionStolenDetection marks audit entries written by this worker.
	AuditActionStolenDetection = "worker_stolen_detection"
	// DetectionMethodWorkerScan distinguishes automated detections from manual reports.
	DetectionMethodWorkerScan = "worker_scan"
)

var (
	ErrAuditImmutable  = errors.New("audit entries are append-only")
	ErrInvalidAudience = errors.New("notification must target exactly one audience")
)

// Registration is a taxi-moto registration made at one bureau. Serial numbers
// are not unique on purpose: duplicates are what the scanner looks for.
type Registration struct {
	ID               string             `gorm:"primaryKey;size:36"`
	SerialNumber     string             `gorm:"index;size:128;not null"`
	VIN              string             `gorm:"column:vin;index;size:64"` // empty when unknown
	Status           RegistrationStatus `gorm:"index;size:16"`
	BureauID         string             `gorm:"index;size:64"`
	RegistrationCity string             `gorm:"size:128"`
	RegisteredAt     time.Time          `gorm:"index"`
	AlertSent        bool               `gorm:"index"`
}

func (Registration) TableName() string { return "registrations" }

func (r *Registration) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	r.RegisteredAt = r.RegisteredAt.UTC()
	return nil
}

type Alert struct {
	ID                string             `gorm:"primaryKey;size:36"`
	Kind              AlertKind          `gorm:"index;size:32"`
	SerialNumber      string             `gorm:"index;size:128"`
	VIN               string             `gorm:"column:vin;index;size:64"`
	DetectingBureauID string             `gorm:"index;size:64"`
	DetectionCity     string             `gorm:"size:128"`
	Description       string             `gorm:"type:text"`
	Status            AlertStatus        `gorm:"index;size:16"`
	RegistrationIDs   datatypes.JSONSlice[string]
	DedupKey          string    `gorm:"index;size:64"`
	CreatedAt         time.Time `gorm:"index"`
}

func (Alert) TableName() string { return "security_alerts" }

func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AlertInReview
	}
	return nil
}

type Notification struct {
	ID                    string           `gorm:"primaryKey;size:36"`
	AlertID               string           `gorm:"index;size:36"`
	Title                 string           `gorm:"size:255"`
	Body                  string           `gorm:"type:text"`
	Type                  NotificationType `gorm:"index;size:32"`
	TargetBureauDetection *string          `gorm:"index;size:64"`
	TargetBureauOrigin    *string          `gorm:"index;size:64"`
	TargetAdmin           bool             `gorm:"index"`
	Metadata              datatypes.JSONMap
	CreatedAt             time.Time `gorm:"index"`
}

func (Notification) TableName() string { return "security_notifications" }

// Audience names the single target of the notification, or "" when the
// targets are missing or ambiguous.
func (n *Notification) Audience() string {
	set := 0
	audience := ""
	if n.TargetBureauDetection != nil {
		set++
		audience = "bureau_detection"
	}
	if n.TargetBureauOrigin != nil {
		set++
		audience = "bureau_origin"
	}
	if n.TargetAdmin {
		set++
		audience = "admin"
	}
	if set != 1 {
		return ""
	}
	return audience
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.Audience() == "" {
		return ErrInvalidAudience
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}

func (n *Notification) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("notifications are immutable")
}

// AuditEntry is an append-only trail of stolen-duplicate detections.
type AuditEntry struct {
	ID           string `gorm:"primaryKey;size:36"`
	Action       string `gorm:"index;size:64"`
	SerialNumber string `gorm:"index;size:128"`
	VIN          string `gorm:"column:vin;size:64"`
	BureauID     string `gorm:"index;size:64"`
	Metadata     datatypes.JSONMap
	CreatedAt    time.Time `gorm:"index"`
}

func (AuditEntry) TableName() string { return "security_audit_entries" }

func (e *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (e *AuditEntry) BeforeUpdate(tx *gorm.DB) error { return ErrAuditImmutable }
func (e *AuditEntry) BeforeDelete(tx *gorm.DB) error { return ErrAuditImmutable }

func strPtr(s string) *string { return &s }
