package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins the channel's notify and command loops. It should block
	// until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Controller is the slice of scheduler control a channel may expose to
// operators. All fields are optional.
type Controller struct {
	Pause   func(ctx context.Context, projectID string) error
	Resume  func(ctx context.Context, projectID string) error
	AckTrig func(ctx context.Context, triggerEventID string) error
}
