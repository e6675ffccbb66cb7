package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

const detectionMethodWorker = "worker"

// Notifier stores notifications for each audience of a detection and
// relays the stored ones to the delivery broker. Every notification is
// independent: one failure never stops the others.
type Notifier struct {
	store       RecordStore
	relay       NotificationRelay
	callTimeout time.Duration
	metrics     *Metrics
	log         zerolog.Logger
}

func NewNotifier(store RecordStore, relay NotificationRelay, callTimeout time.Duration, metrics *Metrics, log zerolog.Logger) *Notifier {
	return &Notifier{store: store, relay: relay, callTimeout: callTimeout, metrics: metrics, log: log}
}

type fanoutResult struct {
	Created int
	Failed  int
}

func (n *Notifier) NotifyStolenDuplicate(ctx context.Context, reg Registration, stolen []Registration, alertID string) fanoutResult {
	return n.send(ctx, stolenDuplicateNotifications(reg, stolen, alertID))
}

func (n *Notifier) NotifyRegularDuplicate(ctx context.Context, reg Registration, alertID string) fanoutResult {
	return n.send(ctx, regularDuplicateNotifications(reg, alertID))
}

func (n *Notifier) NotifyMixedStatus(ctx context.Context, g DuplicateGroup, alertID string) fanoutResult {
	return n.send(ctx, []Notification{mixedStatusNotification(g, alertID)})
}

func (n *Notifier) send(ctx context.Context, batch []Notification) fanoutResult {
	var res fanoutResult
	for i := range batch {
		notif := &batch[i]
		callCtx, cancel := withCallTimeout(ctx, n.callTimeout)
		err := n.store.CreateNotification(callCtx, notif)
		cancel()
		if err != nil {
			res.Failed++
			n.metrics.IncrementNotification(string(notif.Type), "error")
			n.log.Error().Err(err).
				Str("alert_id", notif.AlertID).
				Str("audience", notif.Audience()).
				Msg("create notification failed")
			continue
		}
		res.Created++
		n.metrics.IncrementNotification(string(notif.Type), "created")

		if n.relay == nil {
			continue
		}
		callCtx, cancel = withCallTimeout(ctx, n.callTimeout)
		err = n.relay.Publish(callCtx, *notif)
		cancel()
		if err != nil {
			n.metrics.IncrementNotification(string(notif.Type), "relay_error")
			n.log.Warn().Err(err).
				Str("notification_id", notif.ID).
				Str("alert_id", notif.AlertID).
				Msg("relay notification failed")
		}
	}
	return res
}

// stolenDuplicateNotifications builds 2+K notifications: the detecting
// bureau, one per stolen match's origin bureau, and the administrator.
func stolenDuplicateNotifications(reg Registration, stolen []Registration, alertID string) []Notification {
	out := make([]Notification, 0, len(stolen)+2)
	out = append(out, Notification{
		AlertID:               alertID,
		Title:                 "Stolen moto detected automatically",
		Body:                  fmt.Sprintf("Moto %s you just registered matches a vehicle reported stolen - registration blocked", reg.SerialNumber),
		Type:                  NotificationTheftDetected,
		TargetBureauDetection: strPtr(reg.BureauID),
		Metadata: datatypes.JSONMap{
			"serial_number":    reg.SerialNumber,
			"alert_id":         alertID,
			"detection_method": detectionMethodWorker,
		},
	})
	for _, s := range stolen {
		out = append(out, Notification{
			AlertID:            alertID,
			Title:              "Your stolen moto was detected",
			Body:               fmt.Sprintf("Moto %s reappeared in %s", s.SerialNumber, reg.RegistrationCity),
			Type:               NotificationTheftDetected,
			TargetBureauOrigin: strPtr(s.BureauID),
			Metadata: datatypes.JSONMap{
				"serial_number":          reg.SerialNumber,
				"alert_id":               alertID,
				"detection_bureau":       reg.BureauID,
				"stolen_registration_id": s.ID,
			},
		})
	}
	out = append(out, Notification{
		AlertID:     alertID,
		Title:       "Automatic security alert",
		Body:        fmt.Sprintf("Moto %s - inter-bureau detection by worker", reg.SerialNumber),
		Type:        NotificationSecurityAlert,
		TargetAdmin: true,
		Metadata: datatypes.JSONMap{
			"serial_number":    reg.SerialNumber,
			"alert_id":         alertID,
			"detection_method": detectionMethodWorker,
			"stolen_count":     len(stolen),
		},
	})
	return out
}

func regularDuplicateNotifications(reg Registration, alertID string) []Notification {
	meta := func() datatypes.JSONMap {
		return datatypes.JSONMap{
			"serial_number":    reg.SerialNumber,
			"alert_id":         alertID,
			"detection_method": detectionMethodWorker,
		}
	}
	return []Notification{
		{
			AlertID:               alertID,
			Title:                 "Duplicate detected automatically",
			Body:                  fmt.Sprintf("Moto %s - verification recommended", reg.SerialNumber),
			Type:                  NotificationSecurityAlert,
			TargetBureauDetection: strPtr(reg.BureauID),
			Metadata:              meta(),
		},
		{
			AlertID:     alertID,
			Title:       "Duplicate detected",
			Body:        fmt.Sprintf("Moto %s - manual verification recommended", reg.SerialNumber),
			Type:        NotificationSecurityAlert,
			TargetAdmin: true,
			Metadata:    meta(),
		},
	}
}

func mixedStatusNotification(g DuplicateGroup, alertID string) Notification {
	return Notification{
		AlertID:     alertID,
		Title:       "Security conflict detected",
		Body:        fmt.Sprintf("%s %s - mix of stolen and active statuses", g.Field, g.Value),
		Type:        NotificationSecurityAlert,
		TargetAdmin: true,
		Metadata: datatypes.JSONMap{
			"field":               g.Field,
			"value":               g.Value,
			"alert_id":            alertID,
			"registrations_count": len(g.Members),
			"stolen_count":        len(g.Stolen),
			"active_count":        len(g.Active),
		},
	}
}
