package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/ama-gateway/internal/agent"
	"github.com/ashureev/ama-gateway/internal/agent/agenttest"
	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScope(t *testing.T) *store.Scope {
	t.Helper()
	return store.NewScope(store.NewMemory(), "sess-1", nil)
}

func persisted(t *testing.T, scope *store.Scope) []domain.Turn {
	t.Helper()
	turns, err := scope.Turns(context.Background(), 0)
	require.NoError(t, err)
	return turns
}

func TestRunSingleGreeting(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"generator":{"messages":[{"role":"assistant","text":"Hi there"}]}}`},
	)
	scope := newScope(t)

	res := New(engine, nil).Run(context.Background(), Request{Session: scope, Input: "hello", RecursionLimit: 150})

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Hi there", res.Content)
	assert.NoError(t, res.Err)

	require.Equal(t, []agent.Message{{Role: "user", Content: "hello"}}, engine.LastState().Messages)
	assert.Equal(t, "t-sess-1", engine.LastConfig().ThreadID)
	assert.Equal(t, 150, engine.LastConfig().RecursionLimit)

	turns := persisted(t, scope)
	require.Len(t, turns, 1)
	assert.Equal(t, domain.RoleAssistant, turns[0].Role)
	assert.Equal(t, "Hi there", turns[0].Content)
	assert.Empty(t, turns[0].Data)
	assert.Empty(t, turns[0].FollowupMessage)
}

func TestRunSeedsFromHistory(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine()
	history := []domain.Turn{
		domain.NewUserTurn("first"),
		domain.NewAssistantTurn("reply", nil, ""),
		domain.NewUserTurn("second"),
	}

	New(engine, nil).Run(context.Background(), Request{Input: "ignored", History: history, State: agent.State{Device: "voip"}})

	assert.Equal(t, []agent.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}, engine.LastState().Messages)
	assert.Equal(t, "voip", engine.LastState().Device)
}

func TestRunLastQualifyingEmissionWins(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"router":{"messages":[{"content":"step one"}]}}`},
		agenttest.Step{Raw: `{"tools":{"messages":[{"content":"internal"}]}}`},
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"draft"},{"content":"step two"}]}}`},
		agenttest.Step{Raw: `{"planner":{"messages":[{"content":"late internal"}]}}`},
	)
	scope := newScope(t)

	res := New(engine, nil).Run(context.Background(), Request{Session: scope, Input: "go"})

	assert.Equal(t, "step two", res.Content)
	turns := persisted(t, scope)
	require.Len(t, turns, 2)
	assert.Equal(t, "step one", turns[0].Content)
	assert.Equal(t, "step two", turns[1].Content)
}

func TestRunSkipsEmptyFragments(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"kept"}]}}`},
		agenttest.Step{Raw: `{"follow_up":{"messages":[],"followup_message":"only followup"}}`},
		agenttest.Step{Raw: `{"initiator":{}}`},
	)
	scope := newScope(t)

	res := New(engine, nil).Run(context.Background(), Request{Session: scope})

	assert.Equal(t, "kept", res.Content)
	assert.Len(t, persisted(t, scope), 1)
}

func TestRunContinuesPastMalformedSilentEmission(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"__interrupt__":[{"value":"x"}]}`},
		agenttest.Step{Raw: `{"classifier":{"messages":"internal"}}`},
		agenttest.Say("generator", "Hi!"),
	)
	scope := newScope(t)

	res := New(engine, nil).Run(context.Background(), Request{Session: scope, Input: "hello"})

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Hi!", res.Content)
	assert.NoError(t, res.Err)
	turns := persisted(t, scope)
	require.Len(t, turns, 1)
	assert.Equal(t, "Hi!", turns[0].Content)
}

func TestRunDataOnlyTurnOverwritesContent(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"Here are your visitors"}]}}`},
		agenttest.Step{Raw: `{"voip":{"messages":[],"data":[{"visitor":"a"}],"generator_state":{"followup_message":"Call them?"}}}`},
	)
	scope := newScope(t)

	res := New(engine, nil).Run(context.Background(), Request{Session: scope})

	assert.Equal(t, "", res.Content)
	turns := persisted(t, scope)
	require.Len(t, turns, 2)
	assert.Equal(t, "", turns[1].Content)
	require.Len(t, turns[1].Data, 1)
	assert.JSONEq(t, `{"visitor":"a"}`, string(turns[1].Data[0]))
	assert.Equal(t, "Call them?", turns[1].FollowupMessage)
}

func TestRunTimeoutAppendsOneSystemTurn(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"router":{"messages":[{"content":"thinking"}]}}`},
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"too late"}]}}`, Delay: time.Second},
	)
	scope := newScope(t)

	start := time.Now()
	res := New(engine, nil).Run(context.Background(), Request{Session: scope, Deadline: 50 * time.Millisecond})

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Equal(t, TimeoutMessage, res.Content)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	turns := persisted(t, scope)
	require.Len(t, turns, 2)
	assert.Equal(t, "thinking", turns[0].Content)
	assert.Equal(t, domain.RoleSystem, turns[1].Role)
	assert.Equal(t, TimeoutMessage, turns[1].Content)
}

func TestRunStreamFailureAppendsFailureTurn(t *testing.T) {
	t.Parallel()

	boom := errors.New("graph exploded")
	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"partial"}]}}`},
		agenttest.Step{Err: boom},
	)
	scope := newScope(t)

	res := New(engine, nil).Run(context.Background(), Request{Session: scope})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailureMessage, res.Content)
	assert.NotEqual(t, TimeoutMessage, res.Content)
	assert.ErrorIs(t, res.Err, boom)

	turns := persisted(t, scope)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleSystem, turns[1].Role)
	assert.Equal(t, FailureMessage, turns[1].Content)
}

func TestRunUnavailableEngineFails(t *testing.T) {
	t.Parallel()

	res := New(agent.UnavailableEngine{}, nil).Run(context.Background(), Request{Input: "hi"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailureMessage, res.Content)
	require.Len(t, res.Turns, 1)
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"still here"}]}}`, Delay: 30 * time.Millisecond},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(engine, nil).Run(ctx, Request{Deadline: time.Second})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "still here", res.Content)
}

func TestRunObserverSeesPersistedTurnsInOrder(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"router":{"messages":[{"content":"one"}]}}`},
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"two"}]}}`},
	)
	scope := newScope(t)

	var seen []string
	var persistedAtObserve []int
	res := New(engine, nil, WithTurnBuffer(1)).Run(context.Background(), Request{
		Session: scope,
		OnTurn: func(ctx context.Context, turn domain.Turn) {
			seen = append(seen, turn.Content)
			persistedAtObserve = append(persistedAtObserve, len(persisted(t, scope)))
		},
	})

	assert.Equal(t, []string{"one", "two"}, seen)
	assert.Equal(t, []int{1, 2}, persistedAtObserve)
	assert.Len(t, res.Turns, 2)
}

type failingLog struct{ *store.MemoryStore }

func (failingLog) Push(context.Context, string, string, json.RawMessage) error {
	return errors.New("store offline")
}

func TestRunSurvivesStoreFailure(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"answer"}]}}`},
	)
	scope := store.NewScope(failingLog{store.NewMemory()}, "s", nil)

	var observed int
	res := New(engine, nil).Run(context.Background(), Request{
		Session: scope,
		OnTurn:  func(context.Context, domain.Turn) { observed++ },
	})
	assert.Equal(t, "answer", res.Content)
	assert.Equal(t, 1, observed)
}

func TestRunDebugCollectsEmissions(t *testing.T) {
	t.Parallel()

	engine := agenttest.NewEngine(
		agenttest.Step{Raw: `{"planner":{"messages":[]}}`},
		agenttest.Step{Raw: `{"generator":{"messages":[{"content":"x"}]}}`},
	)

	res := New(engine, nil).Run(context.Background(), Request{Debug: true})
	require.Len(t, res.Emissions, 2)
	assert.JSONEq(t, `{"planner":{"messages":[]}}`, string(res.Emissions[0]))

	res = New(engine, nil).Run(context.Background(), Request{})
	assert.Empty(t, res.Emissions)
}

func TestTurnFromEmission(t *testing.T) {
	t.Parallel()

	_, ok := TurnFromEmission(agent.Emission{Node: "tools", Fragment: agent.Fragment{Messages: []agent.Message{{Content: "x"}}}})
	assert.False(t, ok)

	turn, ok := TurnFromEmission(agent.Emission{Node: "authorization", Fragment: agent.Fragment{
		Messages: []agent.Message{{Content: "first"}, {Content: "last"}},
	}})
	require.True(t, ok)
	assert.Equal(t, "last", turn.Content)
	assert.Equal(t, domain.RoleAssistant, turn.Role)
}
