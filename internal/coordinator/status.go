package coordinator

import (
	"time"

	"github.com/antoniostano/avatarcall/internal/credentials"
	"github.com/antoniostano/avatarcall/internal/transport"
)

// State is the canonical call state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateError      State = "error"
)

// Live reports whether a session attempt is in progress or connected.
func (s State) Live() bool {
	return s == StateConnecting || s == StateActive || s == StateEnding
}

// Status is a snapshot of the coordinator. Pointer fields are copies and
// safe to keep.
type Status struct {
	State    State
	Identity string
	Strategy credentials.Kind

	Credentials *credentials.Credentials
	Err         error

	// Reconnecting is set while an active room is recovering its
	// connection. The state stays active.
	Reconnecting bool

	AvatarIdentity string
	AvatarSpeaking bool
	VideoTrack     *transport.TrackRef

	UpdatedAt time.Time
}

func (s Status) clone() Status {
	if s.Credentials != nil {
		creds := *s.Credentials
		s.Credentials = &creds
	}
	if s.VideoTrack != nil {
		track := *s.VideoTrack
		s.VideoTrack = &track
	}
	return s
}

// Callbacks observe one session attempt. They run on coordinator goroutines
// without any lock held and may call back into the coordinator.
type Callbacks struct {
	OnReady func(credentials.Credentials)
	OnError func(error)
	OnEnd   func()
}
