package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Kind names the credential source selected for an attempt.
type Kind string

const (
	KindDirect     Kind = "credentials"
	KindSessionKey Kind = "session"
	KindConnect    Kind = "connect"
	KindConnectURL Kind = "connect_url"
	KindAPIKey     Kind = "api_key"
)

// Kind picks the source by precedence: direct credentials, session id and
// key, connect func, connect URL, then API key.
func (o Options) Kind() (Kind, error) {
	switch {
	case o.Credentials != nil:
		return KindDirect, nil
	case strings.TrimSpace(o.SessionID) != "" && strings.TrimSpace(o.SessionKey) != "":
		return KindSessionKey, nil
	case o.Connect != nil:
		return KindConnect, nil
	case strings.TrimSpace(o.ConnectURL) != "":
		return KindConnectURL, nil
	case strings.TrimSpace(o.APIKey) != "":
		return KindAPIKey, nil
	}
	if strings.TrimSpace(o.SessionID) != "" {
		return "", &ConfigurationError{Reason: "sessionId requires sessionKey", Required: requiredSources}
	}
	return "", &ConfigurationError{Reason: "no credential source", Required: requiredSources}
}

// Identity derives the coalescing key for these options. Two option sets
// with the same identity share one negotiation. Secrets are hashed.
func (o Options) Identity() string {
	kind, err := o.Kind()
	if err != nil {
		return "invalid#" + strconv.Itoa(o.Attempt)
	}

	var parts []string
	switch kind {
	case KindDirect:
		parts = []string{o.Credentials.SessionID, o.Credentials.RoomName, digest(o.Credentials.Token)}
	case KindSessionKey:
		parts = []string{o.SessionID, digest(o.SessionKey), o.BaseURL}
	case KindConnect:
		parts = []string{o.avatarKey()}
	case KindConnectURL:
		parts = []string{o.avatarKey(), o.ConnectURL}
	case KindAPIKey:
		parts = []string{o.avatarKey(), o.BaseURL, digest(o.APIKey), strconv.Itoa(o.Duration)}
	}
	return string(kind) + ":" + strings.Join(parts, ":") + "#" + strconv.Itoa(o.Attempt)
}

func digest(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}
