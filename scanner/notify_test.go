package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStolenDuplicateNotifications_TwoPlusK(t *testing.T) {
	reg := Registration{ID: "c", SerialNumber: "S2", BureauID: "B3", RegistrationCity: "Abomey"}
	for k := 1; k <= 4; k++ {
		stolen := make([]Registration, 0, k)
		for i := 0; i < k; i++ {
			stolen = append(stolen, Registration{ID: string(rune('a' + i)), SerialNumber: "S2", BureauID: string(rune('P' + i)), Status: StatusStolen})
		}
		ns := stolenDuplicateNotifications(reg, stolen, "alert-1")
		require.Len(t, ns, 2+k)

		counts := audiences(ns)
		assert.Equal(t, 1, counts["bureau_detection"])
		assert.Equal(t, k, counts["bureau_origin"])
		assert.Equal(t, 1, counts["admin"])
		for _, n := range ns {
			assert.Equal(t, "alert-1", n.AlertID)
		}
	}
}

func TestStolenDuplicateNotifications_Content(t *testing.T) {
	reg := Registration{ID: "c", SerialNumber: "S2", BureauID: "B3", RegistrationCity: "Abomey"}
	stolen := []Registration{{ID: "a", SerialNumber: "S2", BureauID: "B1", Status: StatusStolen}}
	ns := stolenDuplicateNotifications(reg, stolen, "alert-1")

	assert.Equal(t, "B3", *ns[0].TargetBureauDetection)
	assert.Contains(t, ns[0].Body, "registration blocked")
	assert.Equal(t, "B1", *ns[1].TargetBureauOrigin)
	assert.Contains(t, ns[1].Body, "Abomey")
	assert.Equal(t, "a", ns[1].Metadata["stolen_registration_id"])
	assert.Equal(t, "B3", ns[1].Metadata["detection_bureau"])
	assert.True(t, ns[2].TargetAdmin)
	assert.Equal(t, 1, ns[2].Metadata["stolen_count"])
}

func TestMixedStatusNotification_Metadata(t *testing.T) {
	g := DuplicateGroup{
		Field:   FieldVIN,
		Value:   "V1",
		Members: []Registration{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		Stolen:  []Registration{{ID: "1"}},
		Active:  []Registration{{ID: "2"}, {ID: "3"}},
	}
	n := mixedStatusNotification(g, "alert-9")
	assert.Equal(t, "admin", n.Audience())
	assert.Equal(t, NotificationSecurityAlert, n.Type)
	assert.Equal(t, 3, n.Metadata["registrations_count"])
	assert.Equal(t, 1, n.Metadata["stolen_count"])
	assert.Equal(t, 2, n.Metadata["active_count"])
	assert.Equal(t, FieldVIN, n.Metadata["field"])
}

func TestNotifier_RelayFailureKeepsStoredRecord(t *testing.T) {
	store := newTestStore(t)
	relay := &fakeRelay{err: errors.New("broker down")}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	n := NewNotifier(store, relay, time.Second, metrics, zerolog.Nop())
	res := n.NotifyRegularDuplicate(context.Background(), Registration{SerialNumber: "S1", BureauID: "B2"}, "alert-1")

	assert.Equal(t, fanoutResult{Created: 2}, res)
	assert.Len(t, allNotifications(t, store), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Notifications.WithLabelValues(string(NotificationSecurityAlert), "created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Notifications.WithLabelValues(string(NotificationSecurityAlert), "relay_error")))
}

func TestNotification_RejectsAmbiguousAudience(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateNotification(context.Background(), &Notification{
		AlertID:               "alert-1",
		Type:                  NotificationSecurityAlert,
		TargetBureauDetection: strPtr("B1"),
		TargetAdmin:           true,
	})
	assert.ErrorIs(t, err, ErrInvalidAudience)

	err = store.CreateNotification(context.Background(), &Notification{AlertID: "alert-1", Type: NotificationSecurityAlert})
	assert.ErrorIs(t, err, ErrInvalidAudience)
}
