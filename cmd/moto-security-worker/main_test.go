package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

// runWithArgs calls run with a fresh flag set so it can be invoked more than
// once per test binary.
func runWithArgs(t *testing.T, args ...string) int {
	t.Helper()
	oldArgs, oldFlags := os.Args, flag.CommandLine
	t.Cleanup(func() {
		os.Args, flag.CommandLine = oldArgs, oldFlags
	})
	os.Args = append([]string{"moto-security-worker"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	return run()
}

func TestRun_OnceIncrementalSucceeds(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "motosec.db")
	assert.Equal(t, 0, runWithArgs(t, "-dsn", dsn, "-once", "incremental"))
}

func TestRun_InvalidOnceIsUsageError(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "motosec.db")
	assert.Equal(t, 2, runWithArgs(t, "-dsn", dsn, "-once", "weekly"))
}

func TestRun_FailuresReturnExitCode(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{"missing config file", []string{"-config", filepath.Join(dir, "absent.yaml")}},
		{"unopenable database", []string{"-dsn", filepath.Join(dir, "no", "such", "dir", "motosec.db"), "-once", "full"}},
		{"missing seed file", []string{"-dsn", filepath.Join(dir, "motosec.db"), "-seed", filepath.Join(dir, "absent.yaml"), "-once", "full"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 1, runWithArgs(t, tt.args...))
		})
	}
}
