package credentials

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/antoniostano/avatarcall/internal/realtime"
)

// Credentials are the room connection details for one session attempt.
type Credentials struct {
	SessionID string `json:"sessionId"`
	ServerURL string `json:"serverUrl"`
	Token     string `json:"token"`
	RoomName  string `json:"roomName"`
}

// Valid reports whether the credentials are usable for a room connect.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.ServerURL) != "" && strings.TrimSpace(c.Token) != ""
}

// UnmarshalJSON accepts serverUrl, url or livekitUrl for the room URL.
func (c *Credentials) UnmarshalJSON(data []byte) error {
	var raw struct {
		SessionID  string `json:"sessionId"`
		ServerURL  string `json:"serverUrl"`
		URL        string `json:"url"`
		LiveKitURL string `json:"livekitUrl"`
		Token      string `json:"token"`
		RoomName   string `json:"roomName"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.SessionID = raw.SessionID
	c.ServerURL = firstNonEmpty(raw.ServerURL, raw.URL, raw.LiveKitURL)
	c.Token = raw.Token
	c.RoomName = raw.RoomName
	return nil
}

// FromConnection converts a consumed realtime connection.
func FromConnection(conn realtime.Connection) Credentials {
	return Credentials{
		SessionID: conn.SessionID,
		ServerURL: conn.ServerURL,
		Token:     conn.Token,
		RoomName:  conn.RoomName,
	}
}

// ConnectFunc resolves credentials for an avatar on the caller's behalf.
type ConnectFunc func(ctx context.Context, avatarID string) (Credentials, error)

// Options carries every credential source a call can be started from.
// At most one is used; see Kind for the precedence.
type Options struct {
	AvatarID string
	PresetID string

	Credentials *Credentials

	SessionID  string
	SessionKey string

	Connect    ConnectFunc
	ConnectURL string

	APIKey   string
	BaseURL  string
	Duration int

	// Attempt distinguishes retries of otherwise identical options so a
	// failed result cached for the previous attempt is not reused.
	Attempt int
}

// Avatar returns the avatar selector. A custom avatar id wins over a preset.
func (o Options) Avatar() (realtime.Avatar, bool) {
	if id := strings.TrimSpace(o.AvatarID); id != "" {
		return realtime.CustomAvatar(id), true
	}
	if id := strings.TrimSpace(o.PresetID); id != "" {
		return realtime.PresetAvatar(id), true
	}
	return realtime.Avatar{}, false
}

func (o Options) avatarKey() string {
	avatar, ok := o.Avatar()
	if !ok {
		return ""
	}
	return avatar.ID()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
