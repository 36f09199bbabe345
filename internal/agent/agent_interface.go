package agent

import (
	"context"
	"errors"
	"iter"
)

// ErrEngineUnavailable is returned when no engine endpoint is configured.
var ErrEngineUnavailable = errors.New("agent engine unavailable")

// Engine streams node-tagged partial states for a conversation state.
// Implemented by GrpcClient.
type Engine interface {
	// Stream runs the graph once. The sequence ends after the last emission
	// or after yielding a single error.
	Stream(ctx context.Context, state State, cfg StreamConfig) iter.Seq2[Emission, error]

	// Close releases resources.
	Close()
}

// Ensure implementations satisfy Engine.
var (
	_ Engine = (*GrpcClient)(nil)
	_ Engine = UnavailableEngine{}
)

// UnavailableEngine fails every stream with ErrEngineUnavailable.
type UnavailableEngine struct{}

// Stream yields ErrEngineUnavailable.
func (UnavailableEngine) Stream(context.Context, State, StreamConfig) iter.Seq2[Emission, error] {
	return func(yield func(Emission, error) bool) {
		yield(Emission{}, ErrEngineUnavailable)
	}
}

// Close is a no-op.
func (UnavailableEngine) Close() {}
