// Package svcfields holds the shared log field names used across collabd.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that produced it.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem returns logger tagged with subsystem.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
