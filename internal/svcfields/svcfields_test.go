package svcfields

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	if got := Subsystem("lease", "", ". ", "sweeper."); got != "lease.sweeper" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := WithSubsystem(pslog.NewStructured(&buf), "state.store")
	logger.Info("state.update.success")
	if !strings.Contains(buf.String(), "state.store") {
		t.Fatalf("expected subsystem in output, got %q", buf.String())
	}
	if WithSubsystem(nil, "x") == nil {
		t.Fatal("expected logger for nil input")
	}
}
