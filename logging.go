package spike

import (
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noopOnce   sync.Once
	noopLogger pslog.Logger
)

// ensureLogger returns l when non-nil, otherwise a disabled logger that
// discards all entries.
func ensureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	noopOnce.Do(func() {
		noopLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noopLogger
}
