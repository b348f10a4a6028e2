// Package display derives the view-level status shown for a call.
package display

import (
	"github.com/antoniostano/avatarcall/internal/coordinator"
	"github.com/antoniostano/avatarcall/internal/transport"
)

// Kind is the display bucket.
type Kind string

const (
	KindConnecting Kind = "connecting"
	KindWaiting    Kind = "waiting"
	KindReady      Kind = "ready"
	KindEnding     Kind = "ending"
	KindEnded      Kind = "ended"
	KindError      Kind = "error"
)

// Status is what a view renders. Track is set only for KindReady, Err only
// for KindError.
type Status struct {
	Kind  Kind
	Track *transport.TrackRef
	Err   error
}

// Project maps a coordinator state and the avatar's video track, if any,
// to a display status. A connected call without video is waiting, since
// the avatar may publish media some time after joining. Idle is shown as
// connecting.
func Project(state coordinator.State, err error, video *transport.TrackRef) Status {
	switch state {
	case coordinator.StateIdle, coordinator.StateConnecting:
		return Status{Kind: KindConnecting}
	case coordinator.StateActive:
		if video == nil {
			return Status{Kind: KindWaiting}
		}
		track := *video
		return Status{Kind: KindReady, Track: &track}
	case coordinator.StateEnding:
		return Status{Kind: KindEnding}
	case coordinator.StateEnded:
		return Status{Kind: KindEnded}
	default:
		return Status{Kind: KindError, Err: err}
	}
}

// FromStatus projects a coordinator snapshot.
func FromStatus(st coordinator.Status) Status {
	return Project(st.State, st.Err, st.VideoTrack)
}

// Message is a short human readable line for logs and headless output.
func (s Status) Message() string {
	switch s.Kind {
	case KindConnecting:
		return "connecting to avatar"
	case KindWaiting:
		return "connected, waiting for avatar video"
	case KindReady:
		return "avatar ready"
	case KindEnding:
		return "ending call"
	case KindEnded:
		return "call ended"
	default:
		if s.Err != nil {
			return "call failed: " + s.Err.Error()
		}
		return "call failed"
	}
}
