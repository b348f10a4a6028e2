// Package livekit implements transport.Transport on the LiveKit Go SDK.
package livekit

import (
	"context"
	"errors"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/transport"
)

const eventBuffer = 128

// Transport connects to LiveKit rooms with a participant token.
type Transport struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Transport {
	return &Transport{logger: logger}
}

type connectResult struct {
	room *lksdk.Room
	err  error
}

// Connect joins the room. The SDK call is not cancellable, so a context
// cancelled mid-connect disconnects the room once the join completes.
func (t *Transport) Connect(ctx context.Context, serverURL, token string) (transport.Room, error) {
	if serverURL == "" || token == "" {
		return nil, &transport.TransportError{Op: "connect", Err: errors.New("server url and token are required")}
	}

	r := &room{
		events:   make(chan transport.Event, eventBuffer),
		speaking: make(map[string]bool),
		logger:   t.logger,
	}

	done := make(chan connectResult, 1)
	go func() {
		lkRoom, err := lksdk.ConnectToRoomWithToken(serverURL, token, r.callbacks(), lksdk.WithAutoSubscribe(true))
		done <- connectResult{room: lkRoom, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &transport.TransportError{Op: "connect", Err: res.err}
		}
		r.attach(res.room)
		r.emit(transport.Event{Type: transport.EventConnected})
		t.logger.Info().Str("room", res.room.Name()).Msg("connected to room")
		return r, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				res.room.Disconnect()
			}
		}()
		return nil, &transport.TransportError{Op: "connect", Err: ctx.Err()}
	}
}

type room struct {
	logger zerolog.Logger
	events chan transport.Event

	mu       sync.Mutex
	lk       *lksdk.Room
	closed   bool
	speaking map[string]bool

	disconnectOnce sync.Once
}

func (r *room) attach(lk *lksdk.Room) {
	r.mu.Lock()
	r.lk = lk
	r.mu.Unlock()
}

func (r *room) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lk == nil {
		return ""
	}
	return r.lk.Name()
}

func (r *room) Events() <-chan transport.Event { return r.events }

func (r *room) PublishData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	lk := r.lk
	closed := r.closed
	r.mu.Unlock()
	if lk == nil || closed {
		return &transport.TransportError{Op: "publish data", Err: errors.New("room is not connected")}
	}
	if err := lk.LocalParticipant.PublishDataPacket(lksdk.UserData(payload), lksdk.WithDataPublishReliable(true)); err != nil {
		return &transport.TransportError{Op: "publish data", Err: err}
	}
	return nil
}

func (r *room) Disconnect() {
	r.disconnectOnce.Do(func() {
		r.mu.Lock()
		lk := r.lk
		r.mu.Unlock()
		if lk != nil {
			lk.Disconnect()
		}
		r.finish()
	})
}

// finish emits the final disconnected event and closes the stream once.
func (r *room) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	select {
	case r.events <- transport.Event{Type: transport.EventDisconnected}:
	default:
	}
	close(r.events)
}

func (r *room) emit(ev transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn().Str("event", string(ev.Type)).Msg("room event dropped, consumer is behind")
	}
}

func (r *room) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				ref := trackRef(track, pub, rp)
				r.emit(transport.Event{Type: transport.EventTrackSubscribed, Participant: rp.Identity(), Track: &ref})
				go drain(track)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				ref := trackRef(track, pub, rp)
				r.emit(transport.Event{Type: transport.EventTrackUnsubscribed, Participant: rp.Identity(), Track: &ref})
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.emit(transport.Event{Type: transport.EventParticipantConnected, Participant: rp.Identity()})
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			r.emit(transport.Event{Type: transport.EventParticipantDisconnected, Participant: rp.Identity()})
		},
		OnActiveSpeakersChanged: func(speakers []lksdk.Participant) {
			r.updateSpeakers(speakers)
		},
		OnReconnecting: func() {
			r.emit(transport.Event{Type: transport.EventReconnecting})
		},
		OnReconnected: func() {
			r.emit(transport.Event{Type: transport.EventReconnected})
		},
		OnDisconnected: func() {
			r.finish()
		},
	}
}

func (r *room) updateSpeakers(speakers []lksdk.Participant) {
	now := make(map[string]bool, len(speakers))
	for _, p := range speakers {
		now[p.Identity()] = true
	}

	r.mu.Lock()
	var changed []transport.Event
	for identity := range r.speaking {
		if !now[identity] {
			changed = append(changed, transport.Event{Type: transport.EventSpeaking, Participant: identity, Speaking: false})
		}
	}
	for identity := range now {
		if !r.speaking[identity] {
			changed = append(changed, transport.Event{Type: transport.EventSpeaking, Participant: identity, Speaking: true})
		}
	}
	r.speaking = now
	r.mu.Unlock()

	for _, ev := range changed {
		r.emit(ev)
	}
}

func trackRef(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) transport.TrackRef {
	ref := transport.TrackRef{
		ParticipantIdentity: rp.Identity(),
		TrackSID:            pub.SID(),
		Source:              source(pub.Source()),
		Kind:                transport.KindAudio,
	}
	if track != nil && track.Kind() == webrtc.RTPCodecTypeVideo {
		ref.Kind = transport.KindVideo
	}
	return ref
}

func source(s livekit.TrackSource) transport.TrackSource {
	switch s {
	case livekit.TrackSource_CAMERA:
		return transport.SourceCamera
	case livekit.TrackSource_MICROPHONE:
		return transport.SourceMicrophone
	case livekit.TrackSource_SCREEN_SHARE:
		return transport.SourceScreenShare
	default:
		return transport.SourceUnknown
	}
}

// drain reads RTP until the track ends. Nothing renders media here, and
// unread tracks back up the peer connection buffers.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
