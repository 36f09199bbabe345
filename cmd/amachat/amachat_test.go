package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/identity"
	"github.com/ashureev/ama-gateway/internal/voice"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSSE(t *testing.T) {
	body := ": comment\nevent: turn\ndata: {\"a\":1}\n\nevent: done\ndata: line1\ndata: line2\n\n"

	var got []string
	err := readSSE(strings.NewReader(body), func(event, data string) error {
		got = append(got, event+"="+data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`turn={"a":1}`, "done=line1\nline2"}, got)
}

func TestVoiceURL(t *testing.T) {
	u, err := voiceURL("https://gw.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com/base/ws/voice", u)

	u, err = voiceURL("http://localhost:8000")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/voice", u)
}

func TestChatClientSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ui/chat", r.URL.Path)
		assert.Equal(t, "s1", r.Header.Get(identity.SessionHeaderName))
		assert.Equal(t, "b1", r.Header.Get(identity.SMBHeaderName))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: turn\ndata: {\"role\":\"user\",\"content\":\"hi\",\"timestamp\":\"2026-01-02 03:04:05\"}\n\n")
		fmt.Fprint(w, "event: turn\ndata: {\"role\":\"assistant\",\"content\":\"hello\",\"timestamp\":\"2026-01-02 03:04:06\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"content\":\"hello\",\"outcome\":\"completed\"}\n\n")
	}))
	defer srv.Close()

	client := newChatClient(clientConfig{ServerURL: srv.URL, SessionKey: "s1", SMBKey: "b1"})
	var turns []domain.Turn
	done, err := client.Send(context.Background(), "hi", func(turn domain.Turn) { turns = append(turns, turn) })

	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.Equal(t, "hello", done.Content)
	assert.Equal(t, "completed", done.Outcome)
}

func TestChatModelAppendsStreamedTurns(t *testing.T) {
	m := newChatModel(context.Background(), newChatClient(clientConfig{ServerURL: "http://x", SessionKey: "s"}))
	m.events = make(chan tea.Msg)
	close(m.events)

	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	next, _ = next.Update(turnMsg{turn: domain.NewAssistantTurn("Here you go", nil, "Anything else?")})
	next, _ = next.Update(doneMsg{})

	cm := next.(chatModel)
	require.Len(t, cm.turns, 1)
	assert.False(t, cm.busy)
	assert.Contains(t, cm.renderTurns(), "Here you go")
	assert.Contains(t, cm.renderTurns(), "Anything else?")
}

func TestRunVoicePrintsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var join voice.Frame
		require.NoError(t, conn.ReadJSON(&join))
		assert.Equal(t, voice.FrameJoin, join.Type)
		assert.Equal(t, "tester", join.Identity)
		assert.Equal(t, "s1", join.Attributes[voice.AttrSessionID])

		require.NoError(t, conn.WriteJSON(voice.Frame{Type: voice.FrameSay, Text: "Hello"}))

		var transcript voice.Frame
		require.NoError(t, conn.ReadJSON(&transcript))
		assert.Equal(t, "who called?", transcript.Text)

		require.NoError(t, conn.WriteJSON(voice.Frame{Type: voice.FrameReply, Role: "assistant", Text: "Two people"}))
		require.NoError(t, conn.WriteJSON(voice.Frame{Type: voice.FrameData, Topic: "data", Payload: []byte(`[ {"n": 2} ]`)}))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var out bytes.Buffer
	cfg := clientConfig{ServerURL: srv.URL, SessionKey: "s1", SMBKey: "b1", Identity: "tester"}
	err := runVoice(ctx, cfg, strings.NewReader("who called?\n"), &out)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "[say] Hello")
	assert.Contains(t, out.String(), "[reply:assistant] Two people")
	assert.Contains(t, out.String(), `[data:data] [{"n":2}]`)
}

func TestFormatErrorFrame(t *testing.T) {
	assert.Equal(t, "[error] no_session", formatFrame(voice.Frame{Type: voice.FrameError, Error: voice.ErrCodeSession}))
}
