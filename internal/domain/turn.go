// Package domain defines the conversation records shared by every front door.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TimestampLayout is the wall-clock layout used for persisted turns.
const TimestampLayout = "2006-01-02 15:04:05"

// Timestamp is a local wall-clock time serialized with TimestampLayout.
type Timestamp struct {
	time.Time
}

// Now returns the current local time truncated to whole seconds.
func Now() Timestamp {
	return Timestamp{Time: time.Now().Truncate(time.Second)}
}

// String formats the timestamp using TimestampLayout.
func (t Timestamp) String() string {
	return t.Local().Format(TimestampLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts TimestampLayout and RFC 3339 values.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.ParseInLocation(TimestampLayout, s, time.Local); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// Turn is one persisted entry of a session's message log.
//
// Content is always serialized, even when empty. Data and FollowupMessage are
// omitted when absent.
type Turn struct {
	Role            Role              `json:"role"`
	Content         string            `json:"content"`
	Timestamp       Timestamp         `json:"timestamp"`
	Data            []json.RawMessage `json:"data,omitempty"`
	FollowupMessage string            `json:"followup_message,omitempty"`
}

// NewUserTurn builds the turn recorded for user input.
func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, Timestamp: Now()}
}

// NewAssistantTurn builds an assistant turn carrying optional side-channel fields.
func NewAssistantTurn(content string, data []json.RawMessage, followup string) Turn {
	return Turn{
		Role:            RoleAssistant,
		Content:         content,
		Timestamp:       Now(),
		Data:            data,
		FollowupMessage: followup,
	}
}

// NewSystemTurn builds a system turn such as a timeout or failure notice.
func NewSystemTurn(content string) Turn {
	return Turn{Role: RoleSystem, Content: content, Timestamp: Now()}
}

// HasSideChannel reports whether the turn carries data or a follow-up.
func (t Turn) HasSideChannel() bool {
	return len(t.Data) > 0 || t.FollowupMessage != ""
}
