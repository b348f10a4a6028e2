package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/avatarcall/internal/credentials"
	"github.com/antoniostano/avatarcall/internal/transport"
)

func newTestCoordinator(t *testing.T, tr transport.Transport, cache *Cache) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Transport: tr,
		Resolver:  credentials.NewSelector(credentials.SelectorConfig{}),
		Cache:     cache,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitForState(t *testing.T, c *Coordinator, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := c.Status()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.Status().State, want)
	return Status{}
}

func creds(id string) credentials.Credentials {
	return credentials.Credentials{SessionID: id, ServerURL: "wss://" + id, Token: "token-" + id, RoomName: "room-" + id}
}

func TestStartWithDirectCredentialsBecomesActive(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)

	direct := creds("s1")
	var ready atomic.Int32
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{
		OnReady: func(credentials.Credentials) { ready.Add(1) },
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st := waitForState(t, c, StateActive)
	if st.Credentials == nil || st.Credentials.SessionID != "s1" {
		t.Fatalf("Credentials = %+v, want s1", st.Credentials)
	}
	if st.Strategy != credentials.KindDirect {
		t.Fatalf("Strategy = %q, want %q", st.Strategy, credentials.KindDirect)
	}
	if got := tr.Connects(); len(got) != 1 || got[0] != "wss://s1" {
		t.Fatalf("Connects() = %v, want [wss://s1]", got)
	}
	waitForCondition(t, func() bool { return ready.Load() == 1 })
}

func TestStartSameIdentityCoalesces(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	connect := func(ctx context.Context, avatarID string) (credentials.Credentials, error) {
		calls.Add(1)
		<-release
		return creds("shared"), nil
	}

	cache := NewCache(nil)
	tr := &transport.MockTransport{}
	first := newTestCoordinator(t, tr, cache)
	second := newTestCoordinator(t, tr, cache)

	opts := credentials.Options{AvatarID: "av-1", Connect: connect}
	if err := first.Start(context.Background(), opts, Callbacks{}); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := first.Start(context.Background(), opts, Callbacks{}); err != nil {
		t.Fatalf("repeated Start() error = %v", err)
	}
	if err := second.Start(context.Background(), opts, Callbacks{}); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	waitForCondition(t, func() bool { return calls.Load() == 1 })
	close(release)

	a := waitForState(t, first, StateActive)
	b := waitForState(t, second, StateActive)
	if got := calls.Load(); got != 1 {
		t.Fatalf("connect calls = %d, want 1", got)
	}
	if *a.Credentials != *b.Credentials {
		t.Fatalf("credentials differ: %+v vs %+v", a.Credentials, b.Credentials)
	}
}

func TestStaleIdentityResultIsDiscarded(t *testing.T) {
	releaseA := make(chan struct{})
	connect := func(ctx context.Context, avatarID string) (credentials.Credentials, error) {
		if avatarID == "av-a" {
			<-releaseA
			return creds("a"), nil
		}
		return creds("b"), nil
	}

	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)

	if err := c.Start(context.Background(), credentials.Options{AvatarID: "av-a", Connect: connect}, Callbacks{}); err != nil {
		t.Fatalf("Start(a) error = %v", err)
	}
	if err := c.Start(context.Background(), credentials.Options{AvatarID: "av-b", Connect: connect}, Callbacks{}); err != nil {
		t.Fatalf("Start(b) error = %v", err)
	}
	st := waitForState(t, c, StateActive)
	close(releaseA)
	time.Sleep(50 * time.Millisecond)

	st = c.Status()
	if st.State != StateActive || st.Credentials == nil || st.Credentials.SessionID != "b" {
		t.Fatalf("status = %+v, want active with b", st)
	}
	if got := tr.Connects(); len(got) != 1 || got[0] != "wss://b" {
		t.Fatalf("Connects() = %v, want only wss://b", got)
	}
}

func TestNegotiationFailureMovesToError(t *testing.T) {
	boom := errors.New("no capacity")
	connect := func(context.Context, string) (credentials.Credentials, error) {
		return credentials.Credentials{}, boom
	}
	c := newTestCoordinator(t, &transport.MockTransport{}, nil)

	errCh := make(chan error, 1)
	if err := c.Start(context.Background(), credentials.Options{AvatarID: "a", Connect: connect}, Callbacks{
		OnError: func(err error) { errCh <- err },
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := waitForState(t, c, StateError)
	if !errors.Is(st.Err, boom) {
		t.Fatalf("Err = %v, want %v", st.Err, boom)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("OnError(%v), want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnError was not called")
	}

	// Same identity does not retry; a bumped attempt does.
	if err := c.Start(context.Background(), credentials.Options{AvatarID: "a", Connect: connect}, Callbacks{}); !errors.Is(err, ErrAttemptFinished) {
		t.Fatalf("Start() error = %v, want %v", err, ErrAttemptFinished)
	}
	if c.Status().State != StateError {
		t.Fatalf("same identity restarted the call")
	}
	if err := c.Start(context.Background(), credentials.Options{AvatarID: "a", Connect: connect, Attempt: 1}, Callbacks{}); err != nil {
		t.Fatalf("Start(retry) error = %v", err)
	}
	if st := c.Status(); st.State != StateConnecting && st.State != StateError {
		t.Fatalf("retry state = %q, want connecting or error", st.State)
	}
}

func TestConfigurationErrorReturnedAndReported(t *testing.T) {
	c := newTestCoordinator(t, &transport.MockTransport{}, nil)
	var reported atomic.Int32
	err := c.Start(context.Background(), credentials.Options{AvatarID: "a"}, Callbacks{
		OnError: func(error) { reported.Add(1) },
	})
	var cfgErr *credentials.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Start() error = %v, want ConfigurationError", err)
	}
	if c.Status().State != StateError || reported.Load() != 1 {
		t.Fatalf("state = %q reported = %d, want error/1", c.Status().State, reported.Load())
	}
}

func TestTransportConnectFailure(t *testing.T) {
	tr := &transport.MockTransport{ConnectErr: errors.New("ice failed")}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := waitForState(t, c, StateError)
	var terr *transport.TransportError
	if !errors.As(st.Err, &terr) {
		t.Fatalf("Err = %v, want TransportError", st.Err)
	}
}

func TestConcurrentEndIsIdempotent(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	var ended atomic.Int32
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{
		OnEnd: func() { ended.Add(1) },
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.End(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("End()[%d] error = %v", i, err)
		}
	}
	if st := c.Status(); st.State != StateEnded {
		t.Fatalf("state = %q, want ended", st.State)
	}
	if got := ended.Load(); got != 1 {
		t.Fatalf("OnEnd calls = %d, want 1", got)
	}

	endedUpdates := 0
	drain := true
	for drain {
		select {
		case st := <-updates:
			if st.State == StateEnded {
				endedUpdates++
			}
		default:
			drain = false
		}
	}
	if endedUpdates != 1 {
		t.Fatalf("ended transitions = %d, want 1", endedUpdates)
	}

	room := tr.Rooms()[0]
	published := room.Published()
	if len(published) != 1 || string(published[0]) != `{"type":"END_CALL"}` {
		t.Fatalf("published = %q, want one END_CALL", published)
	}
	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() after ended error = %v", err)
	}
}

func TestEndSwallowsNotifyFailure(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)
	room := tr.Rooms()[0]
	room.SetPublishErr(errors.New("data channel closed"))

	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	st := c.Status()
	if st.State != StateEnded || st.Err != nil {
		t.Fatalf("status = %+v, want ended without error", st)
	}
	if !room.Disconnected() {
		t.Fatalf("room should be released")
	}
}

func TestEndWhileConnectingAbandonsAttempt(t *testing.T) {
	tr := &transport.MockTransport{Block: make(chan struct{})}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if st := c.Status(); st.State != StateEnded {
		t.Fatalf("state = %q, want ended", st.State)
	}
	close(tr.Block)
	time.Sleep(30 * time.Millisecond)
	if st := c.Status(); st.State != StateEnded {
		t.Fatalf("late connect changed state to %q", st.State)
	}
}

func TestRemoteDisconnectEndsCall(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	ended := make(chan struct{})
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{
		OnEnd: func() { close(ended) },
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)

	tr.Rooms()[0].DropConnection()
	waitForState(t, c, StateEnded)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("OnEnd was not called")
	}
}

func TestRoomEventsUpdateStatus(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)
	room := tr.Rooms()[0]

	video := &transport.TrackRef{ParticipantIdentity: "avatar", TrackSID: "TR_1", Source: transport.SourceCamera, Kind: transport.KindVideo}
	room.Emit(transport.Event{Type: transport.EventParticipantConnected, Participant: "avatar"})
	room.Emit(transport.Event{Type: transport.EventTrackSubscribed, Participant: "avatar", Track: &transport.TrackRef{ParticipantIdentity: "avatar", TrackSID: "TR_0", Source: transport.SourceMicrophone, Kind: transport.KindAudio}})
	room.Emit(transport.Event{Type: transport.EventTrackSubscribed, Participant: "avatar", Track: video})
	room.Emit(transport.Event{Type: transport.EventSpeaking, Participant: "avatar", Speaking: true})
	room.Emit(transport.Event{Type: transport.EventReconnecting})

	waitForCondition(t, func() bool {
		st := c.Status()
		return st.VideoTrack != nil && st.AvatarSpeaking && st.Reconnecting
	})
	st := c.Status()
	if st.State != StateActive || st.VideoTrack.TrackSID != "TR_1" || st.AvatarIdentity != "avatar" {
		t.Fatalf("unexpected status: %+v", st)
	}

	room.Emit(transport.Event{Type: transport.EventReconnected})
	room.Emit(transport.Event{Type: transport.EventTrackUnsubscribed, Participant: "avatar", Track: video})
	waitForCondition(t, func() bool {
		st := c.Status()
		return st.VideoTrack == nil && !st.Reconnecting
	})
}

func TestRoomErrorMovesToError(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)
	tr.Rooms()[0].Emit(transport.Event{Type: transport.EventError, Err: errors.New("signal lost")})

	st := waitForState(t, c, StateError)
	var terr *transport.TransportError
	if !errors.As(st.Err, &terr) {
		t.Fatalf("Err = %v, want TransportError", st.Err)
	}
	if !tr.Rooms()[0].Disconnected() {
		t.Fatalf("room should be released after a room error")
	}
}

func TestCloseDiscardsPendingResults(t *testing.T) {
	release := make(chan struct{})
	connect := func(context.Context, string) (credentials.Credentials, error) {
		<-release
		return creds("late"), nil
	}
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	if err := c.Start(context.Background(), credentials.Options{AvatarID: "a", Connect: connect}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	updates, _ := c.Subscribe()

	c.Close()
	close(release)
	time.Sleep(30 * time.Millisecond)

	if st := c.Status(); st.State != StateConnecting {
		t.Fatalf("state changed after Close: %q", st.State)
	}
	if len(tr.Connects()) != 0 {
		t.Fatalf("transport connected after Close")
	}
	for range updates {
	}
	if err := c.Start(context.Background(), credentials.Options{AvatarID: "b", Connect: connect}, Callbacks{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrClosed", err)
	}
}

func TestCloseReleasesActiveRoom(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)
	c.Close()
	if !tr.Rooms()[0].Disconnected() {
		t.Fatalf("room should be released on Close")
	}
}

func TestSessionKeyOnlyUsesConsume(t *testing.T) {
	var creates, polls, consumes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/realtime_sessions":
			creates.Add(1)
		case r.Method == http.MethodGet:
			polls.Add(1)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/realtime_sessions/sess-1/consume":
			consumes.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"url": "wss://rtc", "token": "tok", "roomName": "room"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	opts := credentials.Options{SessionID: "sess-1", SessionKey: "key-1", BaseURL: srv.URL}
	if err := c.Start(context.Background(), opts, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := waitForState(t, c, StateActive)
	if st.Credentials.SessionID != "sess-1" || st.Credentials.ServerURL != "wss://rtc" {
		t.Fatalf("Credentials = %+v", st.Credentials)
	}
	if creates.Load() != 0 || polls.Load() != 0 || consumes.Load() != 1 {
		t.Fatalf("creates/polls/consumes = %d/%d/%d, want 0/0/1", creates.Load(), polls.Load(), consumes.Load())
	}
}

func TestResetAllowsReuseAfterEnd(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	opts := credentials.Options{Credentials: &direct}
	if err := c.Start(context.Background(), opts, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)
	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if !c.Reset() {
		t.Fatalf("Reset() = false, want true")
	}
	if err := c.Start(context.Background(), opts, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)
	if got := len(tr.Connects()); got != 2 {
		t.Fatalf("connects = %d, want 2", got)
	}
}

func TestStartSameIdentityAfterEndReportsFinished(t *testing.T) {
	tr := &transport.MockTransport{}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	opts := credentials.Options{Credentials: &direct}
	if err := c.Start(context.Background(), opts, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, c, StateActive)
	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	var fired atomic.Int32
	err := c.Start(context.Background(), opts, Callbacks{
		OnReady: func(credentials.Credentials) { fired.Add(1) },
		OnError: func(error) { fired.Add(1) },
		OnEnd:   func() { fired.Add(1) },
	})
	if !errors.Is(err, ErrAttemptFinished) {
		t.Fatalf("Start() error = %v, want %v", err, ErrAttemptFinished)
	}
	time.Sleep(20 * time.Millisecond)
	if st := c.Status(); st.State != StateEnded {
		t.Fatalf("state = %q, want %q", st.State, StateEnded)
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("callbacks fired = %d, want 0", got)
	}
	if got := len(tr.Connects()); got != 1 {
		t.Fatalf("connects = %d, want 1", got)
	}
}

func TestResolverPanicMovesToError(t *testing.T) {
	connect := func(context.Context, string) (credentials.Credentials, error) {
		panic("resolver bug")
	}
	c := newTestCoordinator(t, &transport.MockTransport{}, nil)

	errCh := make(chan error, 1)
	if err := c.Start(context.Background(), credentials.Options{AvatarID: "a", Connect: connect}, Callbacks{
		OnError: func(err error) { errCh <- err },
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := waitForState(t, c, StateError)
	if st.Err == nil || !strings.Contains(st.Err.Error(), "resolver bug") {
		t.Fatalf("Err = %v, want resolver panic message", st.Err)
	}
	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "resolver bug") {
			t.Fatalf("OnError(%v), want resolver panic message", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnError was not called")
	}
}

func TestCloseReleasesRoomConnectedAfterClose(t *testing.T) {
	tr := &transport.MockTransport{Hold: make(chan struct{})}
	c := newTestCoordinator(t, tr, nil)
	direct := creds("s1")
	if err := c.Start(context.Background(), credentials.Options{Credentials: &direct}, Callbacks{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForCondition(t, func() bool { return len(tr.Connects()) == 1 })

	c.Close()
	close(tr.Hold)
	waitForCondition(t, func() bool { return len(tr.Rooms()) == 1 })
	waitForCondition(t, func() bool { return tr.Rooms()[0].Disconnected() })

	if st := c.Status(); st.State != StateConnecting {
		t.Fatalf("state = %q after Close, want %q", st.State, StateConnecting)
	}
	if st := c.Status(); st.Credentials != nil {
		t.Fatalf("Credentials = %+v after Close, want nil", st.Credentials)
	}
}
