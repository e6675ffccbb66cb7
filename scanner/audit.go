package scanner

import (
	"context"
	"time"

	"gorm.io/datatypes"
)

// AuditLogger appends one trail entry per stolen-duplicate detection.
type AuditLogger struct {
	store       RecordStore
	callTimeout time.Duration
}

func NewAuditLogger(store RecordStore, callTimeout time.Duration) *AuditLogger {
	return &AuditLogger{store: store, callTimeout: callTimeout}
}

func (a *AuditLogger) RecordStolenDetection(ctx context.Context, reg Registration, stolen []Registration, alertID string) (*AuditEntry, error) {
	entry := &AuditEntry{
		Action:       AuditActionStolenDetection,
		SerialNumber: reg.SerialNumber,
		VIN:          reg.VIN,
		BureauID:     reg.BureauID,
		Metadata: datatypes.JSONMap{
			"alert_id":                alertID,
			"stolen_registration_ids": registrationIDs(stolen),
			"detection_method":        DetectionMethodWorkerScan,
		},
	}
	callCtx, cancel := withCallTimeout(ctx, a.callTimeout)
	defer cancel()
	if err := a.store.CreateAuditEntry(callCtx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
