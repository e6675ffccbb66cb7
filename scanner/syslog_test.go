package scanner

import (
	"strings"
	"testing"
	"time"
)

func TestBuildStructuredData_DefaultSDIDWhenEmpty(t *testing.T) {
	sd := buildStructuredData("", map[string]string{"job": "motosec"})
	if !strings.HasPrefix(sd, "[motosec ") {
		t.Fatalf("expected default sdID=motosec, got: %q", sd)
	}
}

func TestBuildStructuredData_PreferredOrderThenSortedExtras(t *testing.T) {
	sd := buildStructuredData("motosec", map[string]string{
		"status":  "ok",
		"scan":    "incremental",
		"job":     "moto-security-worker",
		"service": "motosec",
		"env":     "", // skipped
		"zzz":     "3",
		"aaa":     "1",
	})

	if strings.Contains(sd, " env=") {
		t.Fatalf("expected empty env skipped, got: %q", sd)
	}
	order := []string{` job="`, ` service="`, ` scan="`, ` status="`, ` aaa="1"`, ` zzz="3"`}
	last := -1
	for _, token := range order {
		i := strings.Index(sd, token)
		if i == -1 {
			t.Fatalf("expected %q in %q", token, sd)
		}
		if i < last {
			t.Fatalf("expected %q after previous keys, got: %q", token, sd)
		}
		last = i
	}
}

func TestEscapeSDParam(t *testing.T) {
	got := escapeSDParam("a\"b]c\\d\ne")
	want := `a\"b\]c\\d e`
	if got != want {
		t.Fatalf("escapeSDParam = %q, want %q", got, want)
	}
}

func TestFormatRFC5424(t *testing.T) {
	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	line := formatRFC5424("", `[motosec job="x"]`, "  {\"scan\":\"full\"}  ", ts)
	if !strings.HasPrefix(line, "<134>1 2026-03-14T10:30:00Z ") {
		t.Fatalf("unexpected header: %q", line)
	}
	if !strings.Contains(line, " "+heartbeatAppName+" - - [motosec job=\"x\"] {\"scan\":\"full\"}\n") {
		t.Fatalf("unexpected body: %q", line)
	}

	line = formatRFC5424("app name", "", "msg", ts)
	if !strings.Contains(line, " app_name - - - msg\n") {
		t.Fatalf("expected nil structured data and sanitized app name, got: %q", line)
	}
}
