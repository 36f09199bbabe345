// Package voice serves the voice front door: one websocket per call
// participant carrying transcripts in and replies plus side-channel data out.
package voice

import "encoding/json"

// Frame types.
const (
	FrameJoin       = "join"
	FrameTranscript = "transcript"
	FrameReply      = "reply"
	FrameSay        = "say"
	FrameData       = "data"
	FrameError      = "error"
)

// Participant attribute names.
const (
	AttrSessionID = "session_id"
	AttrSMBID     = "smb_id"
	AttrSIPPhone  = "sip.phoneNumber"
	AttrSIPTrunk  = "sip.trunkPhoneNumber"
)

// Error frame codes.
const (
	ErrCodeJoin    = "invalid_join"
	ErrCodeSession = "no_session"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type       string            `json:"type"`
	Identity   string            `json:"identity,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Role       string            `json:"role,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Reliable   bool              `json:"reliable,omitempty"`
	Error      string            `json:"error,omitempty"`
}
