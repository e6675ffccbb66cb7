package scanner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedRecord is one registration in a seed file. RegisteredAt takes an
// absolute time or an offset from now ("-3m", "now").
type SeedRecord struct {
	ID               string `yaml:"id"`
	SerialNumber     string `yaml:"serial_number"`
	VIN              string `yaml:"vin"`
	Status           string `yaml:"status"`
	BureauID         string `yaml:"bureau_id"`
	RegistrationCity string `yaml:"city"`
	RegisteredAt     string `yaml:"registered_at"`
	AlertSent        bool   `yaml:"alert_sent"`
}

type seedFile struct {
	Registrations []SeedRecord `yaml:"registrations"`
}

// LoadSeedFile parses a seed file into registrations ready to insert.
func LoadSeedFile(path string, now time.Time) ([]Registration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	out := make([]Registration, 0, len(f.Registrations))
	for i, rec := range f.Registrations {
		reg, err := rec.toRegistration(now)
		if err != nil {
			return nil, fmt.Errorf("seed record %d: %w", i, err)
		}
		out = append(out, reg)
	}
	return out, nil
}

func (r SeedRecord) toRegistration(now time.Time) (Registration, error) {
	serial := strings.TrimSpace(r.SerialNumber)
	if serial == "" {
		return Registration{}, fmt.Errorf("serial_number is required")
	}
	status, err := ParseStatus(r.Status)
	if err != nil {
		return Registration{}, err
	}
	at, err := parseSeedTime(r.RegisteredAt, now, time.Local)
	if err != nil {
		return Registration{}, err
	}
	return Registration{
		ID:               strings.TrimSpace(r.ID),
		SerialNumber:     serial,
		VIN:              strings.TrimSpace(r.VIN),
		Status:           status,
		BureauID:         strings.TrimSpace(r.BureauID),
		RegistrationCity: strings.TrimSpace(r.RegistrationCity),
		RegisteredAt:     at,
		AlertSent:        r.AlertSent,
	}, nil
}

func parseSeedTime(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return now.UTC(), nil
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		if d, err := time.ParseDuration(s); err == nil {
			return now.Add(d).UTC(), nil
		}
	}
	if loc == nil {
		loc = time.Local
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	var lastErr error
	for _, layout := range layouts {
		var tm time.Time
		if strings.Contains(layout, "Z07") {
			tm, lastErr = time.Parse(layout, s)
		} else {
			tm, lastErr = time.ParseInLocation(layout, s, loc)
		}
		if lastErr == nil {
			return tm.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

// SeedRegistrations inserts regs in order, stopping at the first failure.
func SeedRegistrations(ctx context.Context, store RecordStore, regs []Registration) (int, error) {
	for i := range regs {
		if err := store.CreateRegistration(ctx, &regs[i]); err != nil {
			return i, fmt.Errorf("insert registration %s: %w", regs[i].SerialNumber, err)
		}
	}
	return len(regs), nil
}
