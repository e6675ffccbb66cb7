package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	descStolenDuplicate  = "Automatic detection via worker - registration matches a vehicle reported stolen"
	descRegularDuplicate = "Automatic detection via worker - potential duplicate, verification recommended"
)

// AlertManager persists the outcome of a classification: the alert, the
// block on the registration and the side effects hanging off the alert id.
type AlertManager struct {
	store       RecordStore
	notifier    *Notifier
	audit       *AuditLogger
	callTimeout time.Duration
	hashHexLen  int
	log         zerolog.Logger
}

func NewAlertManager(store RecordStore, notifier *Notifier, audit *AuditLogger, callTimeout time.Duration, hashHexLen int, log zerolog.Logger) *AlertManager {
	return &AlertManager{
		store:       store,
		notifier:    notifier,
		audit:       audit,
		callTimeout: callTimeout,
		hashHexLen:  hashHexLen,
		log:         log,
	}
}

type HandleResult struct {
	Alert         *Alert
	Suppressed    bool
	Suspended     bool
	Notifications fanoutResult
	Audited       bool
}

// HandleStolenDuplicate runs alert -> suspend -> notify -> audit. Without an
// alert nothing else can reference the event, so an alert failure aborts.
// A failed suspension is logged and the pipeline goes on.
func (m *AlertManager) HandleStolenDuplicate(ctx context.Context, reg Registration, c Classification) (HandleResult, error) {
	var res HandleResult
	key := incrementalDedupKey(m.hashHexLen, KindStolenDuplicate, reg.ID)
	if m.alreadyOpen(ctx, key, reg.SerialNumber) {
		res.Suppressed = true
		return res, nil
	}

	alert := &Alert{
		Kind:              KindStolenDuplicate,
		SerialNumber:      reg.SerialNumber,
		VIN:               reg.VIN,
		DetectingBureauID: reg.BureauID,
		DetectionCity:     reg.RegistrationCity,
		Description:       descStolenDuplicate,
		RegistrationIDs:   append([]string{reg.ID}, registrationIDs(c.Candidates)...),
		DedupKey:          key,
	}
	if err := m.createAlert(ctx, alert); err != nil {
		return res, fmt.Errorf("create stolen-duplicate alert: %w", err)
	}
	res.Alert = alert

	callCtx, cancel := withCallTimeout(ctx, m.callTimeout)
	suspended, err := m.store.SuspendRegistration(callCtx, reg.ID)
	cancel()
	switch {
	case err != nil:
		m.log.Error().Err(err).
			Str("serial", reg.SerialNumber).
			Str("registration_id", reg.ID).
			Str("alert_id", alert.ID).
			Msg("suspend registration failed; alert kept")
	case !suspended:
		m.log.Warn().
			Str("serial", reg.SerialNumber).
			Str("registration_id", reg.ID).
			Str("status", string(reg.Status)).
			Msg("registration not active, left unchanged")
	default:
		res.Suspended = true
	}

	res.Notifications = m.notifier.NotifyStolenDuplicate(ctx, reg, c.Stolen, alert.ID)

	if _, err := m.audit.RecordStolenDetection(ctx, reg, c.Stolen, alert.ID); err != nil {
		m.log.Error().Err(err).
			Str("serial", reg.SerialNumber).
			Str("alert_id", alert.ID).
			Msg("write audit entry failed")
	} else {
		res.Audited = true
	}
	return res, nil
}

// HandleRegularDuplicate records the alert and notifies; the registration is
// only blocked for confirmed stolen matches.
func (m *AlertManager) HandleRegularDuplicate(ctx context.Context, reg Registration, c Classification) (HandleResult, error) {
	var res HandleResult
	key := incrementalDedupKey(m.hashHexLen, KindRegularDuplicate, reg.ID)
	if m.alreadyOpen(ctx, key, reg.SerialNumber) {
		res.Suppressed = true
		return res, nil
	}

	alert := &Alert{
		Kind:              KindRegularDuplicate,
		SerialNumber:      reg.SerialNumber,
		VIN:               reg.VIN,
		DetectingBureauID: reg.BureauID,
		DetectionCity:     reg.RegistrationCity,
		Description:       descRegularDuplicate,
		RegistrationIDs:   append([]string{reg.ID}, registrationIDs(c.Candidates)...),
		DedupKey:          key,
	}
	if err := m.createAlert(ctx, alert); err != nil {
		return res, fmt.Errorf("create duplicate alert: %w", err)
	}
	res.Alert = alert
	res.Notifications = m.notifier.NotifyRegularDuplicate(ctx, reg, alert.ID)
	return res, nil
}

// HandleMixedStatus records a full-scan conflict. The alert points at the
// first member's keys and lists every member id.
func (m *AlertManager) HandleMixedStatus(ctx context.Context, g DuplicateGroup) (HandleResult, error) {
	var res HandleResult
	if len(g.Members) == 0 {
		return res, nil
	}
	first := g.Members[0]
	key := groupDedupKey(m.hashHexLen, g.Field, g.Value, g.Members)
	if m.alreadyOpen(ctx, key, first.SerialNumber) {
		res.Suppressed = true
		return res, nil
	}

	alert := &Alert{
		Kind:            KindMixedStatus,
		SerialNumber:    first.SerialNumber,
		VIN:             first.VIN,
		Description:     fmt.Sprintf("Conflict detected by full scan - %s with mixed statuses", g.Field),
		RegistrationIDs: registrationIDs(g.Members),
		DedupKey:        key,
	}
	if err := m.createAlert(ctx, alert); err != nil {
		return res, fmt.Errorf("create mixed-status alert: %w", err)
	}
	res.Alert = alert
	res.Notifications = m.notifier.NotifyMixedStatus(ctx, g, alert.ID)
	return res, nil
}

func (m *AlertManager) createAlert(ctx context.Context, alert *Alert) error {
	callCtx, cancel := withCallTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.store.CreateAlert(callCtx, alert)
}

// alreadyOpen reports whether an in-review alert exists for the same event.
// A failed lookup does not suppress: a repeated alert beats a missed one.
func (m *AlertManager) alreadyOpen(ctx context.Context, key string, serial string) bool {
	callCtx, cancel := withCallTimeout(ctx, m.callTimeout)
	existing, err := m.store.FindOpenAlertByDedupKey(callCtx, key)
	cancel()
	switch {
	case err == nil:
		m.log.Info().
			Str("serial", serial).
			Str("alert_id", existing.ID).
			Msg("open alert already covers this event, skipped")
		return true
	case errors.Is(err, ErrNotFound):
		return false
	default:
		m.log.Warn().Err(err).Str("serial", serial).Msg("dedup lookup failed, alerting anyway")
		return false
	}
}
