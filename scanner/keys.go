package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const defaultHashHexLen = 32

// dedupKey hashes the parts identifying one detection event. Parts are
// trimmed and joined with a separator that cannot appear in ids.
func dedupKey(hexLen int, parts ...string) string {
	clean := make([]string, len(parts))
	for i, p := range parts {
		clean[i] = strings.TrimSpace(p)
	}
	sum := sha256.Sum256([]byte(strings.Join(clean, "\x1f")))
	full := hex.EncodeToString(sum[:])
	if hexLen <= 0 || hexLen >= len(full) {
		return full
	}
	return full[:hexLen]
}

func incrementalDedupKey(hexLen int, kind AlertKind, registrationID string) string {
	return dedupKey(hexLen, "incremental", string(kind), registrationID)
}

// groupDedupKey is stable across daily scans as long as the group keeps the
// same members.
func groupDedupKey(hexLen int, field string, value string, members []Registration) string {
	ids := registrationIDs(members)
	sort.Strings(ids)
	parts := append([]string{"full", field, value}, ids...)
	return dedupKey(hexLen, parts...)
}

func registrationIDs(regs []Registration) []string {
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.ID)
	}
	return out
}
