package transport

import (
	"context"
	"errors"
	"sync"
)

// MockTransport connects to in-memory rooms. Tests and the headless CLI use it
// in place of a real media server.
type MockTransport struct {
	mu sync.Mutex

	// ConnectErr, when set, fails every Connect.
	ConnectErr error
	// Block, when non-nil, is waited on before Connect returns.
	Block chan struct{}
	// Hold is like Block but ignores ctx, the way a dial that has already
	// committed finishes regardless of cancellation.
	Hold chan struct{}
	// AutoVideo publishes an avatar camera track right after connecting.
	AutoVideo bool

	connects []string
	rooms    []*MockRoom
}

func (t *MockTransport) Connect(ctx context.Context, serverURL, token string) (Room, error) {
	t.mu.Lock()
	t.connects = append(t.connects, serverURL)
	block := t.Block
	hold := t.Hold
	connectErr := t.ConnectErr
	autoVideo := t.AutoVideo
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &TransportError{Op: "connect", Err: ctx.Err()}
		}
	}
	if hold != nil {
		<-hold
	}
	if connectErr != nil {
		return nil, &TransportError{Op: "connect", Err: connectErr}
	}

	room := NewMockRoom("room-" + token)
	t.mu.Lock()
	t.rooms = append(t.rooms, room)
	t.mu.Unlock()

	room.Emit(Event{Type: EventConnected})
	if autoVideo {
		room.Emit(Event{Type: EventParticipantConnected, Participant: "avatar"})
		room.Emit(Event{Type: EventTrackSubscribed, Participant: "avatar", Track: &TrackRef{
			ParticipantIdentity: "avatar",
			TrackSID:            "TR_avatar_video",
			Source:              SourceCamera,
			Kind:                KindVideo,
		}})
	}
	return room, nil
}

// Connects returns the server URLs passed to Connect.
func (t *MockTransport) Connects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.connects))
	copy(out, t.connects)
	return out
}

// Rooms returns every room handed out so far.
func (t *MockTransport) Rooms() []*MockRoom {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*MockRoom, len(t.rooms))
	copy(out, t.rooms)
	return out
}

// MockRoom is an in-memory Room driven by Emit.
type MockRoom struct {
	name   string
	events chan Event

	mu           sync.Mutex
	published    [][]byte
	publishErr   error
	disconnects  int
	disconnected bool
}

func NewMockRoom(name string) *MockRoom {
	return &MockRoom{name: name, events: make(chan Event, 64)}
}

func (r *MockRoom) Name() string { return r.name }

func (r *MockRoom) Events() <-chan Event { return r.events }

// Emit delivers ev to the consumer. Events after disconnect are dropped.
func (r *MockRoom) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected {
		return
	}
	select {
	case r.events <- ev:
	default:
	}
}

// DropConnection simulates a remote or network initiated disconnect.
func (r *MockRoom) DropConnection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected {
		return
	}
	r.disconnected = true
	select {
	case r.events <- Event{Type: EventDisconnected}:
	default:
	}
	close(r.events)
}

func (r *MockRoom) SetPublishErr(err error) {
	r.mu.Lock()
	r.publishErr = err
	r.mu.Unlock()
}

func (r *MockRoom) PublishData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected {
		return errors.New("room disconnected")
	}
	if r.publishErr != nil {
		return r.publishErr
	}
	r.published = append(r.published, append([]byte(nil), payload...))
	return nil
}

func (r *MockRoom) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	if r.disconnected {
		return
	}
	r.disconnected = true
	select {
	case r.events <- Event{Type: EventDisconnected}:
	default:
	}
	close(r.events)
}

// Published returns copies of every payload sent with PublishData.
func (r *MockRoom) Published() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.published))
	copy(out, r.published)
	return out
}

// Disconnects counts Disconnect calls, including repeated ones.
func (r *MockRoom) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *MockRoom) Disconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}
