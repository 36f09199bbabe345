// Package agent is the boundary to the external graph engine that produces
// node-tagged partial states for a conversation.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Node names a graph node that may emit a partial state.
type Node string

// Nodes whose emissions produce user-visible turns.
const (
	NodeGenerator     Node = "generator"
	NodeAuthorization Node = "authorization"
	NodeVoIP          Node = "voip"
	NodeInitiator     Node = "initiator"
	NodeRouter        Node = "router"
	NodeFollowUp      Node = "follow_up"
)

// ParseNode maps an emission tag onto a known node. Unknown tags report false.
func ParseNode(name string) (Node, bool) {
	switch n := Node(strings.ToLower(strings.TrimSpace(name))); n {
	case NodeGenerator, NodeAuthorization, NodeVoIP, NodeInitiator, NodeRouter, NodeFollowUp:
		return n, true
	default:
		return "", false
	}
}

// Speaks reports whether emissions from this node become conversation turns.
func (n Node) Speaks() bool {
	_, ok := ParseNode(string(n))
	return ok
}

// Message is one chat message inside a partial state.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON accepts role/type keys and string or part-list content.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
		Text    string          `json:"text"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = normalizeRole(raw.Role, raw.Type)
	m.Content = raw.Text
	if len(raw.Content) > 0 && !bytes.Equal(raw.Content, []byte("null")) {
		text, err := decodeContent(raw.Content)
		if err != nil {
			return err
		}
		m.Content = text
	}
	return nil
}

func normalizeRole(role, kind string) string {
	if role == "" {
		role = kind
	}
	switch strings.ToLower(role) {
	case "ai", "assistant", "aimessage":
		return "assistant"
	case "human", "user", "humanmessage":
		return "user"
	case "system", "systemmessage":
		return "system"
	case "tool", "toolmessage":
		return "tool"
	default:
		return role
	}
}

func decodeContent(b []byte) (string, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return "", fmt.Errorf("message content must be a string or list: %w", err)
	}

	var sb strings.Builder
	for _, part := range parts {
		var text string
		if err := json.Unmarshal(part, &text); err == nil {
			sb.WriteString(text)
			continue
		}
		var block struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(part, &block); err != nil {
			continue
		}
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// Fragment is the partial state a node emitted.
type Fragment struct {
	Messages        []Message
	Data            []json.RawMessage
	FollowupMessage string
}

// UnmarshalJSON reads messages, data and the follow-up text.
//
// The follow-up may live at the top level or under generator_state.
// Whitespace-only follow-ups are treated as absent.
func (f *Fragment) UnmarshalJSON(b []byte) error {
	var raw struct {
		Messages        []Message       `json:"messages"`
		Data            json.RawMessage `json:"data"`
		FollowupMessage string          `json:"followup_message"`
		GeneratorState  *struct {
			FollowupMessage string `json:"followup_message"`
		} `json:"generator_state"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode fragment: %w", err)
	}

	f.Messages = raw.Messages
	f.Data = nil
	if len(raw.Data) > 0 && !bytes.Equal(raw.Data, []byte("null")) {
		var items []json.RawMessage
		if err := json.Unmarshal(raw.Data, &items); err != nil {
			// A single object is kept as one item.
			items = []json.RawMessage{raw.Data}
		}
		f.Data = items
	}

	f.FollowupMessage = ""
	if strings.TrimSpace(raw.FollowupMessage) != "" {
		f.FollowupMessage = raw.FollowupMessage
	} else if raw.GeneratorState != nil && strings.TrimSpace(raw.GeneratorState.FollowupMessage) != "" {
		f.FollowupMessage = raw.GeneratorState.FollowupMessage
	}
	return nil
}

// LastContent returns the text of the final message, or "" when there are none.
func (f Fragment) LastContent() string {
	if len(f.Messages) == 0 {
		return ""
	}
	return f.Messages[len(f.Messages)-1].Content
}

// Emission is one item of an engine stream.
type Emission struct {
	Node     string
	Fragment Fragment
	Raw      json.RawMessage
}

// DecodeEmission parses a {node: fragment} object.
//
// When several nodes are present the first speaking node in key order wins.
// Otherwise the first key is kept so the emission can still be logged, and
// its body is not decoded.
func DecodeEmission(b []byte) (Emission, error) {
	var byNode map[string]json.RawMessage
	if err := json.Unmarshal(b, &byNode); err != nil {
		return Emission{}, fmt.Errorf("decode emission: %w", err)
	}
	if len(byNode) == 0 {
		return Emission{Raw: append(json.RawMessage(nil), b...)}, nil
	}

	keys := make([]string, 0, len(byNode))
	for k := range byNode {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	chosen := keys[0]
	for _, k := range keys {
		if Node(k).Speaks() {
			chosen = k
			break
		}
	}

	em := Emission{Node: chosen, Raw: append(json.RawMessage(nil), b...)}
	if !Node(chosen).Speaks() {
		return em, nil
	}
	body := byNode[chosen]
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return em, nil
	}
	if err := json.Unmarshal(body, &em.Fragment); err != nil {
		return Emission{}, fmt.Errorf("decode %s emission: %w", chosen, err)
	}
	return em, nil
}

// State is the input handed to the engine for one run.
type State struct {
	Messages []Message
	Device   string
	Fields   map[string]any
}

// MarshalJSON flattens Fields next to messages and device.
func (s State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+2)
	for k, v := range s.Fields {
		out[k] = v
	}
	messages := s.Messages
	if messages == nil {
		messages = []Message{}
	}
	out["messages"] = messages
	if s.Device != "" {
		out["device"] = s.Device
	}
	return json.Marshal(out)
}

// StreamConfig carries per-run engine options.
type StreamConfig struct {
	ThreadID       string `json:"thread_id"`
	RecursionLimit int    `json:"recursion_limit"`
}

// ThreadID derives the engine thread for a session.
func ThreadID(sessionID string) string {
	return "t-" + sessionID
}
