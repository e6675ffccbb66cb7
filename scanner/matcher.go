package scanner

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Matcher finds the registrations that share a serial number or VIN with a
// newly created one.
type Matcher struct {
	store       RecordStore
	callTimeout time.Duration
	log         zerolog.Logger
}

func NewMatcher(store RecordStore, callTimeout time.Duration, log zerolog.Logger) *Matcher {
	return &Matcher{store: store, callTimeout: callTimeout, log: log}
}

// Candidates returns the union of the serial and VIN lookups, deduplicated
// by id. A failed lookup counts as "no match" for that key only.
func (m *Matcher) Candidates(ctx context.Context, reg Registration) []Registration {
	var bySerial, byVIN []Registration

	callCtx, cancel := withCallTimeout(ctx, m.callTimeout)
	rows, err := m.store.RegistrationsBySerial(callCtx, reg.SerialNumber, reg.ID)
	cancel()
	if err != nil {
		m.log.Error().Err(err).
			Str("serial", reg.SerialNumber).
			Str("registration_id", reg.ID).
			Msg("serial number lookup failed")
	} else {
		bySerial = rows
	}

	if reg.VIN != "" {
		callCtx, cancel := withCallTimeout(ctx, m.callTimeout)
		rows, err := m.store.RegistrationsByVIN(callCtx, reg.VIN, reg.ID)
		cancel()
		if err != nil {
			m.log.Error().Err(err).
				Str("serial", reg.SerialNumber).
				Str("vin", reg.VIN).
				Str("registration_id", reg.ID).
				Msg("vin lookup failed")
		} else {
			byVIN = rows
		}
	}

	return unionByID(bySerial, byVIN)
}

func unionByID(lists ...[]Registration) []Registration {
	seen := make(map[string]struct{})
	var out []Registration
	for _, list := range lists {
		for _, r := range list {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
