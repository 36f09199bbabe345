// Package aggregator turns an engine's node-tagged emission stream into
// persisted conversation turns under a wall-clock deadline.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/ama-gateway/internal/agent"
	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// User-facing degradation messages.
const (
	TimeoutMessage = "I apologize, but the request is taking too long to process. Please try again with a simpler request."
	FailureMessage = "I apologize, but an error occurred while processing your request. Please try again."
)

// DefaultDeadline applies when a request does not set one.
const DefaultDeadline = 30 * time.Second

// Outcome classifies how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// TurnObserver receives every turn after it has been persisted.
type TurnObserver func(ctx context.Context, turn domain.Turn)

// Request describes one aggregation run.
type Request struct {
	// Session receives every produced turn. Nil disables persistence.
	Session *store.Scope

	// Input seeds the engine when History is empty.
	Input string

	// History seeds the engine when non-empty.
	History []domain.Turn

	// State carries the device tag and caller fields. Its messages are
	// replaced by the seed.
	State agent.State

	Deadline       time.Duration
	RecursionLimit int

	// Debug collects the raw emissions in Result.Emissions.
	Debug bool

	OnTurn TurnObserver
}

// Result is what a run produced.
type Result struct {
	// Content is the text of the last produced turn.
	Content string

	Outcome Outcome

	// Turns holds the produced turns in order, user input excluded.
	Turns []domain.Turn

	Emissions []json.RawMessage

	// Err is the engine error behind a timed out or failed outcome.
	Err error
}

// Aggregator consumes engine streams. It holds no per-request state and is
// safe for concurrent use.
type Aggregator struct {
	engine     agent.Engine
	logger     *slog.Logger
	bufferSize int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTurnBuffer sets the capacity of the channel between the consumption
// loop and the persistence sink.
func WithTurnBuffer(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.bufferSize = n
		}
	}
}

// New creates an Aggregator over engine.
func New(engine agent.Engine, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{engine: engine, logger: logger, bufferSize: 16}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SeedMessages converts history into engine messages, or falls back to a
// single user message carrying input.
func SeedMessages(history []domain.Turn, input string) []agent.Message {
	if len(history) == 0 {
		return []agent.Message{{Role: string(domain.RoleUser), Content: input}}
	}
	messages := make([]agent.Message, 0, len(history))
	for _, turn := range history {
		messages = append(messages, agent.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}

// TurnFromEmission builds the assistant turn for a qualifying emission.
// It reports false when the emission is not from a speaking node or carries
// neither messages nor data.
func TurnFromEmission(em agent.Emission) (domain.Turn, bool) {
	if _, ok := agent.ParseNode(em.Node); !ok {
		return domain.Turn{}, false
	}

	frag := em.Fragment
	if len(frag.Messages) == 0 && len(frag.Data) == 0 {
		return domain.Turn{}, false
	}
	return domain.NewAssistantTurn(frag.LastContent(), frag.Data, frag.FollowupMessage), true
}

type streamEvent struct {
	emission agent.Emission
	err      error
}

// Run consumes one engine stream.
//
// Only the request deadline stops consumption; cancelling ctx does not.
// Every produced turn, including a timeout or failure notice, is persisted
// and observed before Run returns.
func (a *Aggregator) Run(ctx context.Context, req Request) Result {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	sessionID := ""
	if req.Session != nil {
		sessionID = req.Session.SessionID()
	}

	base := context.WithoutCancel(ctx)
	base, span := tracer.Start(base, "aggregate agent stream", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("agent.recursion_limit", req.RecursionLimit),
		attribute.Int("aggregator.history_len", len(req.History)),
	))
	defer span.End()

	streamCtx, cancel := context.WithTimeout(base, deadline)
	defer cancel()

	state := req.State
	state.Messages = SeedMessages(req.History, req.Input)
	cfg := agent.StreamConfig{ThreadID: agent.ThreadID(sessionID), RecursionLimit: req.RecursionLimit}

	turns := make(chan domain.Turn, a.bufferSize)
	sinkDone := make(chan struct{})
	go a.sink(base, req, sessionID, turns, sinkDone)

	events := make(chan streamEvent)
	go a.pump(streamCtx, state, cfg, events)

	res := Result{Outcome: OutcomeCompleted}
	emit := func(turn domain.Turn) {
		res.Content = turn.Content
		res.Turns = append(res.Turns, turn)
		span.AddEvent("turn", trace.WithAttributes(
			attribute.String("turn.role", string(turn.Role)),
			attribute.Bool("turn.has_data", len(turn.Data) > 0),
		))
		turns <- turn
	}

consume:
	for {
		select {
		case <-streamCtx.Done():
			res.Outcome = OutcomeTimedOut
			res.Err = streamCtx.Err()
			break consume

		case ev, ok := <-events:
			if !ok {
				break consume
			}
			if ev.err != nil {
				res.Err = ev.err
				res.Outcome = OutcomeFailed
				if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
					res.Outcome = OutcomeTimedOut
				}
				break consume
			}

			if req.Debug && len(ev.emission.Raw) > 0 {
				res.Emissions = append(res.Emissions, ev.emission.Raw)
			}

			turn, ok := TurnFromEmission(ev.emission)
			if !ok {
				a.logger.Debug("ignoring emission", "session_id", sessionID, "node", ev.emission.Node)
				continue
			}
			emit(turn)
		}
	}

	switch res.Outcome {
	case OutcomeTimedOut:
		a.logger.Error("agent stream timed out",
			"session_id", sessionID,
			"deadline", deadline,
			"turns", len(res.Turns),
		)
		span.SetStatus(codes.Error, "deadline exceeded")
		emit(domain.NewSystemTurn(TimeoutMessage))
	case OutcomeFailed:
		a.logger.Error("agent stream failed", "session_id", sessionID, "error", res.Err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		emit(domain.NewSystemTurn(FailureMessage))
	}

	close(turns)
	<-sinkDone
	return res
}

// pump drives the engine iterator and forwards each item until the stream
// ends or ctx is done.
func (a *Aggregator) pump(ctx context.Context, state agent.State, cfg agent.StreamConfig, events chan<- streamEvent) {
	defer close(events)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("agent stream panicked: %v", r)
			select {
			case events <- streamEvent{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	for em, err := range a.engine.Stream(ctx, state, cfg) {
		select {
		case events <- streamEvent{emission: em, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// sink persists each turn in order and then hands it to the observer.
// Store failures are logged and never stop the run.
func (a *Aggregator) sink(ctx context.Context, req Request, sessionID string, turns <-chan domain.Turn, done chan<- struct{}) {
	defer close(done)

	for turn := range turns {
		if req.Session != nil {
			if err := req.Session.PushTurn(ctx, turn); err != nil {
				a.logger.Error("failed to push turn to session",
					"session_id", sessionID,
					"role", turn.Role,
					"error", err,
				)
			}
		}
		if req.OnTurn != nil {
			req.OnTurn(ctx, turn)
		}
	}
}
