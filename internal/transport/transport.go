// Package transport is the boundary to the realtime media room a call runs in.
package transport

import (
	"context"
	"fmt"
)

// EventType identifies a room event.
type EventType string

const (
	EventConnected               EventType = "connected"
	EventReconnecting            EventType = "reconnecting"
	EventReconnected             EventType = "reconnected"
	EventDisconnected            EventType = "disconnected"
	EventError                   EventType = "error"
	EventTrackSubscribed         EventType = "track_subscribed"
	EventTrackUnsubscribed       EventType = "track_unsubscribed"
	EventParticipantConnected    EventType = "participant_connected"
	EventParticipantDisconnected EventType = "participant_disconnected"
	EventSpeaking                EventType = "speaking"
)

// TrackSource mirrors the publisher-declared source of a track.
type TrackSource string

const (
	SourceCamera      TrackSource = "camera"
	SourceMicrophone  TrackSource = "microphone"
	SourceScreenShare TrackSource = "screen_share"
	SourceUnknown     TrackSource = "unknown"
)

// TrackKind is audio or video.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// TrackRef identifies one remote track.
type TrackRef struct {
	ParticipantIdentity string      `json:"participantIdentity"`
	TrackSID            string      `json:"trackSid"`
	Source              TrackSource `json:"source"`
	Kind                TrackKind   `json:"kind"`
}

// IsAvatarVideo reports whether the track is a camera video track.
func (r TrackRef) IsAvatarVideo() bool {
	return r.Kind == KindVideo && r.Source == SourceCamera
}

// Event is delivered on Room.Events in arrival order.
type Event struct {
	Type        EventType
	Participant string
	Track       *TrackRef
	Speaking    bool
	Err         error
}

// Room is a connected media room.
type Room interface {
	Name() string
	// Events is closed after the room disconnects.
	Events() <-chan Event
	PublishData(ctx context.Context, payload []byte) error
	// Disconnect releases the connection and returns once it is released.
	// Calling it more than once is safe.
	Disconnect()
}

// Transport connects to rooms.
type Transport interface {
	Connect(ctx context.Context, serverURL, token string) (Room, error)
}

// TransportError is a failure reported by the media transport after
// credentials were resolved.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool { return true }
