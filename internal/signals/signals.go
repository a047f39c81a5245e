// Package signals wires OS shutdown signals into a context.Context the rest
// of the agent can select on.
package signals

import (
	"context"
	"os/signal"
	"syscall"
)

// WithShutdown returns a context derived from parent that is cancelled the
// first time the process receives SIGINT or SIGTERM, and a stop function
// that releases the underlying signal.Notify registration. Callers should
// defer stop() once the context is no longer needed.
func WithShutdown(parent context.Context) (ctx context.Context, stop func()) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
