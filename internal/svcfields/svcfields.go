// Package svcfields keeps log field naming consistent across spike's
// subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem attaches a dot-delimited subsystem tag to every entry the
// returned logger emits. Nil loggers become no-ops so call sites stay
// unconditional.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	if len(filtered) == 0 {
		return logger
	}
	return logger.With(SubsystemKey, strings.Join(filtered, "."))
}
