package domain

// Session log keys used by the front doors.
const (
	KeyMessages   = "messages"
	KeySession    = "session"
	KeySMBID      = "smb_id"
	KeyAppContext = "app_context"
	KeyLastAccess = "last_access"
)

// SessionInfo is the metadata stored under KeySession.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	SMBID     string `json:"smb_id"`
	Device    string `json:"device,omitempty"`
}

// Merge fills empty fields of s from other and returns the result.
func (s SessionInfo) Merge(other SessionInfo) SessionInfo {
	if s.SessionID == "" {
		s.SessionID = other.SessionID
	}
	if s.SMBID == "" {
		s.SMBID = other.SMBID
	}
	if s.Device == "" {
		s.Device = other.Device
	}
	return s
}
