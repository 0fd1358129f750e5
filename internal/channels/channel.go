package channels

import (
	"context"
)

// Channel is an operator-facing messaging surface.
type Channel interface {
	// Name returns the channel's stable identifier (e.g. "telegram").
	Name() string

	// Start runs the channel until the context is canceled or a fatal
	// error occurs.
	Start(ctx context.Context) error
}
