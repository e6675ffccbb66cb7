package scanner

import "sort"

// KindNone means the candidate set is empty and nothing is recorded.
const KindNone AlertKind = ""

const (
	FieldSerialNumber = "serial_number"
	FieldVIN          = "vin"
)

type Classification struct {
	Kind       AlertKind
	Candidates []Registration
	Stolen     []Registration
}

// Classify labels the candidate set of one registration. Any stolen member
// wins over a plain duplicate.
func Classify(candidates []Registration) Classification {
	c := Classification{Kind: KindNone, Candidates: candidates}
	for _, r := range candidates {
		if r.Status == StatusStolen {
			c.Stolen = append(c.Stolen, r)
		}
	}
	switch {
	case len(c.Stolen) > 0:
		c.Kind = KindStolenDuplicate
	case len(candidates) > 0:
		c.Kind = KindRegularDuplicate
	}
	return c
}

// DuplicateGroup is a set of registrations sharing one key value.
type DuplicateGroup struct {
	Field   string
	Value   string
	Members []Registration
	Stolen  []Registration
	Active  []Registration
}

// Mixed reports whether the group holds both stolen and active registrations.
func (g DuplicateGroup) Mixed() bool {
	return len(g.Stolen) > 0 && len(g.Active) > 0
}

// FindDuplicateGroups groups by serial number and, independently, by VIN.
// Only groups with two or more members are returned, serial groups first,
// each pass sorted by key value.
func FindDuplicateGroups(regs []Registration) []DuplicateGroup {
	var out []DuplicateGroup
	out = append(out, groupBy(regs, FieldSerialNumber, func(r Registration) string { return r.SerialNumber })...)
	out = append(out, groupBy(regs, FieldVIN, func(r Registration) string { return r.VIN })...)
	return out
}

func groupBy(regs []Registration, field string, key func(Registration) string) []DuplicateGroup {
	buckets := make(map[string][]Registration)
	for _, r := range regs {
		k := key(r)
		if k == "" {
			continue
		}
		buckets[k] = append(buckets[k], r)
	}

	keys := make([]string, 0, len(buckets))
	for k, members := range buckets {
		if len(members) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]DuplicateGroup, 0, len(keys))
	for _, k := range keys {
		g := DuplicateGroup{Field: field, Value: k, Members: buckets[k]}
		for _, r := range g.Members {
			switch r.Status {
			case StatusStolen:
				g.Stolen = append(g.Stolen, r)
			case StatusActive:
				g.Active = append(g.Active, r)
			}
		}
		out = append(out, g)
	}
	return out
}
