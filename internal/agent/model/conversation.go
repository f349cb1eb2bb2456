package model

import (
	"context"
)

// StateStore persists the latest PipelineState per conversation thread.
type StateStore interface {
	// Init establishes connectivity and creates the namespace/schema. Safe to call twice.
	Init(ctx context.Context) error

	// Get returns the latest checkpoint for the thread, or (nil, nil) when none exists.
	Get(ctx context.Context, threadID string) (*PipelineState, error)

	// Put overwrites the thread's checkpoint with state.
	Put(ctx context.Context, threadID string, state *PipelineState) error

	// Close releases backend resources.
	Close() error
}
