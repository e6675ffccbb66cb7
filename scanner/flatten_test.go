package scanner

import "testing"

func TestFlattenMetadata(t *testing.T) {
	flat := flattenMetadata(map[string]any{
		"alert_id": "a-1",
		"stolen":   []any{"r1", map[string]any{"bureau": "B1"}},
		"ids":      []string{"x", "y"},
		"count":    3,
		"missing":  nil,
	})
	want := map[string]string{
		"alert_id":         "a-1",
		"stolen[0]":        "r1",
		"stolen[1].bureau": "B1",
		"ids[0]":           "x",
		"ids[1]":           "y",
		"count":            "3",
		"missing":          "",
	}
	for k, v := range want {
		if flat[k] != v {
			t.Fatalf("expected %s=%q, got %q (all: %v)", k, v, flat[k], flat)
		}
	}
	if len(flat) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(flat), flat)
	}
}

func TestFlattenMetadata_Limits(t *testing.T) {
	deep := map[string]any{}
	cur := deep
	for i := 0; i < flattenMaxDepth+2; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	flat := flattenMetadata(map[string]any{"root": deep})
	if len(flat) != 1 {
		t.Fatalf("expected a single truncated key, got %v", flat)
	}
	for _, v := range flat {
		if v != "<max_depth:8>" {
			t.Fatalf("expected max depth marker, got %q", v)
		}
	}

	wide := make([]any, flattenMaxKeys*2)
	for i := range wide {
		wide[i] = i
	}
	flat = flattenMetadata(map[string]any{"ids": wide})
	if len(flat) != flattenMaxKeys {
		t.Fatalf("expected %d keys, got %d", flattenMaxKeys, len(flat))
	}
}
