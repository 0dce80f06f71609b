package dispatcher

import (
	"context"
)

// TaskFunc is run while holding a session slot.
type TaskFunc func(ctx context.Context) error

type Dispatcher interface {
	// Dispatch waits for a free session slot and runs fn with it.
	Dispatch(ctx context.Context, fn TaskFunc) error

	// Stats reports the current slot usage.
	Stats() Stats

	// Shutdown closes the dispatcher and waits for running tasks.
	Shutdown(context.Context) error
}

type Stats struct {
	// Acquired is the number of slots currently in use.
	Acquired int

	// Max is the total number of slots.
	Max int
}
