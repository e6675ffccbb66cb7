package scanner

import (
	"fmt"
	"strings"
)

// ParseStatus maps the status spellings found in registration exports to
// the canonical values:
// - active/actif/1 -> active
// - stolen/vole/volé -> stolen
// - suspended/suspendu/blocked -> suspended
func ParseStatus(v string) (RegistrationStatus, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "", "active", "actif", "1":
		return StatusActive, nil
	case "stolen", "vole", "volé":
		return StatusStolen, nil
	case "suspended", "suspendu", "blocked":
		return StatusSuspended, nil
	default:
		return "", fmt.Errorf("unknown registration status %q", v)
	}
}
