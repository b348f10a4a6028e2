package realtime

import "strings"

// SessionStatus is the remote session lifecycle reported by the API.
type SessionStatus string

const (
	StatusNotReady  SessionStatus = "NOT_READY"
	StatusReady     SessionStatus = "READY"
	StatusRunning   SessionStatus = "RUNNING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusFailed    SessionStatus = "FAILED"
	StatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

const (
	AvatarTypePreset = "runway-preset"
	AvatarTypeCustom = "custom"
)

// Avatar selects which avatar a session is created for.
type Avatar struct {
	Type     string `json:"type"`
	PresetID string `json:"presetId,omitempty"`
	AvatarID string `json:"avatarId,omitempty"`
	// CustomID is accepted from older integrations and folded into AvatarID.
	CustomID string `json:"customId,omitempty"`
}

func PresetAvatar(presetID string) Avatar {
	return Avatar{Type: AvatarTypePreset, PresetID: strings.TrimSpace(presetID)}
}

func CustomAvatar(avatarID string) Avatar {
	return Avatar{Type: AvatarTypeCustom, AvatarID: strings.TrimSpace(avatarID)}
}

// ID returns the identifier relevant for the avatar type.
func (a Avatar) ID() string {
	if a.Type == AvatarTypePreset {
		return a.PresetID
	}
	if a.AvatarID != "" {
		return a.AvatarID
	}
	return a.CustomID
}

// Valid reports whether the selector names an avatar.
func (a Avatar) Valid() bool {
	switch a.Type {
	case AvatarTypePreset, AvatarTypeCustom:
		return strings.TrimSpace(a.ID()) != ""
	default:
		return false
	}
}

func (a Avatar) normalized() Avatar {
	if a.Type == AvatarTypeCustom && a.AvatarID == "" {
		a.AvatarID = a.CustomID
	}
	a.CustomID = ""
	return a
}

// CreateRequest is the body of POST /v1/realtime_sessions.
type CreateRequest struct {
	Model    string `json:"model"`
	Avatar   Avatar `json:"avatar"`
	Duration int    `json:"duration,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

// SessionRecord is the remote session resource observed while polling.
type SessionRecord struct {
	ID         string        `json:"id"`
	Status     SessionStatus `json:"status"`
	SessionKey string        `json:"sessionKey,omitempty"`
	Failure    string        `json:"failure,omitempty"`
}

// Connection is the normalized result of consuming a ready session.
type Connection struct {
	SessionID string `json:"sessionId"`
	ServerURL string `json:"serverUrl"`
	Token     string `json:"token"`
	RoomName  string `json:"roomName"`
}

// consumeResponse tolerates the URL field names used by different
// integrations.
type consumeResponse struct {
	SessionID  string `json:"sessionId"`
	URL        string `json:"url"`
	ServerURL  string `json:"serverUrl"`
	LiveKitURL string `json:"livekitUrl"`
	Token      string `json:"token"`
	RoomName   string `json:"roomName"`
}

func (r consumeResponse) connection(sessionID string) Connection {
	serverURL := r.ServerURL
	if serverURL == "" {
		serverURL = r.URL
	}
	if serverURL == "" {
		serverURL = r.LiveKitURL
	}
	if r.SessionID != "" {
		sessionID = r.SessionID
	}
	return Connection{
		SessionID: sessionID,
		ServerURL: serverURL,
		Token:     r.Token,
		RoomName:  r.RoomName,
	}
}
