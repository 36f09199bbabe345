// Package agenttest provides a scripted agent.Engine for tests.
package agenttest

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/ashureev/ama-gateway/internal/agent"
)

// Step is one scripted stream item. Err ends the stream with an error.
type Step struct {
	Raw   string
	Err   error
	Delay time.Duration
}

// Engine replays Steps on every Stream call and records its inputs.
type Engine struct {
	Steps []Step

	mu      sync.Mutex
	states  []agent.State
	configs []agent.StreamConfig
}

// NewEngine creates an Engine that replays steps.
func NewEngine(steps ...Step) *Engine {
	return &Engine{Steps: steps}
}

// Say is a step emitting one message from node.
func Say(node, text string) Step {
	return Step{Raw: `{"` + node + `":{"messages":[{"role":"assistant","content":` + quote(text) + `}]}}`}
}

func quote(s string) string {
	b := make([]byte, 0, len(s)+2)
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b = append(b, '\\', byte(r))
		case '\n':
			b = append(b, '\\', 'n')
		default:
			b = append(b, string(r)...)
		}
	}
	return string(append(b, '"'))
}

// Stream implements agent.Engine.
func (e *Engine) Stream(ctx context.Context, state agent.State, cfg agent.StreamConfig) iter.Seq2[agent.Emission, error] {
	e.mu.Lock()
	e.states = append(e.states, state)
	e.configs = append(e.configs, cfg)
	e.mu.Unlock()

	return func(yield func(agent.Emission, error) bool) {
		for _, s := range e.Steps {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					yield(agent.Emission{}, ctx.Err())
					return
				}
			}
			if s.Err != nil {
				yield(agent.Emission{}, s.Err)
				return
			}
			em, err := agent.DecodeEmission([]byte(s.Raw))
			if err != nil {
				yield(agent.Emission{}, err)
				return
			}
			if !yield(em, nil) {
				return
			}
		}
	}
}

// Close implements agent.Engine.
func (e *Engine) Close() {}

// LastState returns the state of the most recent Stream call.
func (e *Engine) LastState() agent.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.states) == 0 {
		return agent.State{}
	}
	return e.states[len(e.states)-1]
}

// LastConfig returns the config of the most recent Stream call.
func (e *Engine) LastConfig() agent.StreamConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.configs) == 0 {
		return agent.StreamConfig{}
	}
	return e.configs[len(e.configs)-1]
}

// Calls returns how many streams were started.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

var _ agent.Engine = (*Engine)(nil)
