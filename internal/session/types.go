package session

import "time"

// Route names the proxy endpoint that issued a session.
type Route string

const (
	RouteConnect Route = "connect"
	RouteSession Route = "session"
)

// IssueRequest describes a session the proxy just negotiated on behalf of a
// client.
type IssueRequest struct {
	RemoteID  string
	AvatarKey string
	Route     Route
	RoomName  string
	Duration  int
}

// ConnectRequest is the body accepted by POST /api/avatar/connect. Either
// avatarId/customAvatarId or a full avatar selector may be supplied.
type ConnectRequest struct {
	AvatarID       string          `json:"avatarId"`
	CustomAvatarID string          `json:"customAvatarId"`
	Avatar         *AvatarSelector `json:"avatar,omitempty"`
	Duration       int             `json:"duration,omitempty"`
}

// AvatarSelector mirrors the remote avatar object on the proxy surface.
type AvatarSelector struct {
	Type     string `json:"type"`
	PresetID string `json:"presetId,omitempty"`
	AvatarID string `json:"avatarId,omitempty"`
	CustomID string `json:"customId,omitempty"`
}

// KeyResponse is returned by POST /api/avatar/session.
type KeyResponse struct {
	SessionID  string `json:"sessionId"`
	SessionKey string `json:"sessionKey"`
}

// Summary is the ledger view exposed by the proxy.
type Summary struct {
	SessionID       string    `json:"sessionId"`
	Status          Status    `json:"status"`
	Route           Route     `json:"route"`
	AvatarKey       string    `json:"avatar"`
	IssuedAt        time.Time `json:"issuedAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	InactivityTTLMS int64     `json:"inactivityTtlMs"`
}
