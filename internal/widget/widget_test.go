package widget

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/avatarcall/internal/coordinator"
	"github.com/antoniostano/avatarcall/internal/credentials"
	"github.com/antoniostano/avatarcall/internal/display"
	"github.com/antoniostano/avatarcall/internal/transport"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func connectCounter(calls *atomic.Int32, fail *atomic.Bool) credentials.ConnectFunc {
	return func(ctx context.Context, avatarID string) (credentials.Credentials, error) {
		n := calls.Add(1)
		if fail != nil && fail.Load() {
			return credentials.Credentials{}, errors.New("connect proxy unavailable")
		}
		return credentials.Credentials{SessionID: "s", ServerURL: "wss://rtc", Token: "t", RoomName: avatarID + "-" + strconv.Itoa(int(n))}, nil
	}
}

func newWidget(t *testing.T, cfg Config, tr *transport.MockTransport) *Widget {
	t.Helper()
	w, err := New(cfg, Deps{Transport: tr})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(w.Destroy)
	return w
}

func TestOpenAutoStartsOnce(t *testing.T) {
	var calls atomic.Int32
	tr := &transport.MockTransport{AutoVideo: true}
	w := newWidget(t, Config{AvatarID: "av", Connect: connectCounter(&calls, nil)}, tr)

	if st := w.State(); st.UI != UICollapsed || st.Connection != ConnectionIdle {
		t.Fatalf("initial state = %+v, want collapsed/idle", st)
	}
	w.Open()
	waitFor(t, func() bool { return w.State().Connection == ConnectionActive })
	waitFor(t, func() bool { return w.State().Display.Kind == display.KindReady })

	w.Close()
	w.Open()
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("connect calls = %d, want 1", got)
	}
}

func TestCollapseKeepsCallRunning(t *testing.T) {
	var calls atomic.Int32
	tr := &transport.MockTransport{}
	w := newWidget(t, Config{AvatarID: "av", Connect: connectCounter(&calls, nil), StartExpanded: true}, tr)
	waitFor(t, func() bool { return w.State().Connection == ConnectionActive })

	w.Toggle()
	st := w.State()
	if st.UI != UICollapsed || st.Connection != ConnectionActive {
		t.Fatalf("state = %+v, want collapsed/active", st)
	}
	if tr.Rooms()[0].Disconnected() {
		t.Fatalf("collapsing must not release the room")
	}
}

func TestRetryAfterError(t *testing.T) {
	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	var reported atomic.Int32
	tr := &transport.MockTransport{}
	w := newWidget(t, Config{
		AvatarID: "av",
		Connect:  connectCounter(&calls, &fail),
		OnError:  func(error) { reported.Add(1) },
	}, tr)

	w.Open()
	waitFor(t, func() bool { return w.State().Connection == ConnectionError })
	st := w.State()
	if st.Err == nil || !st.Retryable || st.Display.Kind != display.KindError {
		t.Fatalf("error state = %+v", st)
	}
	if reported.Load() != 1 {
		t.Fatalf("OnError calls = %d, want 1", reported.Load())
	}

	// Reopening does not retry on its own.
	w.Close()
	w.Open()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("connect calls = %d, want 1 before Retry", calls.Load())
	}

	fail.Store(false)
	if err := w.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	waitFor(t, func() bool { return w.State().Connection == ConnectionActive })
	if calls.Load() != 2 {
		t.Fatalf("connect calls = %d, want 2", calls.Load())
	}
}

func TestRetryOutsideErrorIsNoop(t *testing.T) {
	var calls atomic.Int32
	w := newWidget(t, Config{AvatarID: "av", Connect: connectCounter(&calls, nil)}, &transport.MockTransport{})
	if err := w.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("Retry from idle started a session")
	}
}

func TestEndSessionResetsToIdle(t *testing.T) {
	var calls atomic.Int32
	var ended atomic.Int32
	tr := &transport.MockTransport{}
	w := newWidget(t, Config{
		AvatarID:      "av",
		Connect:       connectCounter(&calls, nil),
		StartExpanded: true,
		OnEnd:         func() { ended.Add(1) },
	}, tr)
	waitFor(t, func() bool { return w.State().Connection == ConnectionActive })

	if err := w.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	waitFor(t, func() bool { return w.State().Connection == ConnectionIdle })
	st := w.State()
	if st.UI != UIExpanded || st.Credentials != nil {
		t.Fatalf("state after end = %+v, want expanded with no credentials", st)
	}
	if ended.Load() != 1 {
		t.Fatalf("OnEnd calls = %d, want 1", ended.Load())
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("widget restarted after end")
	}

	if err := w.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, func() bool { return w.State().Connection == ConnectionActive })
	if calls.Load() != 2 {
		t.Fatalf("connect calls = %d, want 2", calls.Load())
	}
}

func TestResetHangsUpActiveCall(t *testing.T) {
	var calls atomic.Int32
	var ended atomic.Int32
	tr := &transport.MockTransport{AutoVideo: true}
	w := newWidget(t, Config{
		AvatarID:      "av",
		Connect:       connectCounter(&calls, nil),
		StartExpanded: true,
		OnEnd:         func() { ended.Add(1) },
	}, tr)
	waitFor(t, func() bool { return w.State().Display.Kind == display.KindReady })

	w.Reset()
	st := w.State()
	if st.Connection != ConnectionIdle || st.Credentials != nil {
		t.Fatalf("state after Reset = %+v, want idle with no credentials", st)
	}
	if got := w.coord.Status().State; got != coordinator.StateIdle {
		t.Fatalf("coordinator state = %q, want %q", got, coordinator.StateIdle)
	}
	if !tr.Rooms()[0].Disconnected() {
		t.Fatalf("room should be released by Reset")
	}
	if got := ended.Load(); got != 1 {
		t.Fatalf("OnEnd calls = %d, want 1", got)
	}

	w.Close()
	w.Open()
	waitFor(t, func() bool { return w.State().Connection == ConnectionActive })
	if got := calls.Load(); got != 2 {
		t.Fatalf("connect calls = %d, want 2", got)
	}
	if got := len(tr.Rooms()); got != 2 {
		t.Fatalf("rooms = %d, want 2", got)
	}
	if got := ended.Load(); got != 1 {
		t.Fatalf("OnEnd calls after reopen = %d, want 1", got)
	}
}

func TestResetAfterErrorReturnsToIdle(t *testing.T) {
	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	tr := &transport.MockTransport{}
	w := newWidget(t, Config{AvatarID: "av", Connect: connectCounter(&calls, &fail), StartExpanded: true}, tr)
	waitFor(t, func() bool { return w.State().Connection == ConnectionError })

	w.Reset()
	st := w.State()
	if st.Connection != ConnectionIdle || st.Err != nil {
		t.Fatalf("state after Reset = %+v, want idle without error", st)
	}
	if got := w.coord.Status().State; got != coordinator.StateIdle {
		t.Fatalf("coordinator state = %q, want %q", got, coordinator.StateIdle)
	}
}

func TestDestroyReleasesCall(t *testing.T) {
	var calls atomic.Int32
	tr := &transport.MockTransport{}
	w := newWidget(t, Config{AvatarID: "av", Connect: connectCounter(&calls, nil), StartExpanded: true}, tr)
	waitFor(t, func() bool { return w.State().Connection == ConnectionActive })

	w.Destroy()
	if !tr.Rooms()[0].Disconnected() {
		t.Fatalf("Destroy must release the room")
	}
	if err := w.StartSession(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("StartSession() after Destroy error = %v, want ErrDestroyed", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty", cfg: Config{}},
		{name: "session id without key", cfg: Config{SessionID: "s"}},
		{name: "session id and key", cfg: Config{SessionID: "s", SessionKey: "k"}, ok: true},
		{name: "api key without avatar", cfg: Config{APIKey: "k"}},
		{name: "server url without avatar", cfg: Config{ServerURL: "https://x"}},
		{name: "api key with preset", cfg: Config{APIKey: "k", PresetID: "cleo"}, ok: true},
		{name: "duration too short", cfg: Config{APIKey: "k", AvatarID: "a", Duration: 5}},
		{name: "duration too long", cfg: Config{APIKey: "k", AvatarID: "a", Duration: 301}},
		{name: "duration in range", cfg: Config{APIKey: "k", AvatarID: "a", Duration: 120}, ok: true},
		{name: "bad position", cfg: Config{APIKey: "k", AvatarID: "a", Position: "middle"}},
		{name: "bad theme", cfg: Config{APIKey: "k", AvatarID: "a", Theme: "neon"}},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: Validate() error = %v", tc.name, err)
		}
		if !tc.ok {
			var cfgErr *credentials.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("%s: Validate() error = %v, want ConfigurationError", tc.name, err)
			}
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{PresetID: "cleo", APIKey: "k"}.normalized()
	if cfg.Position != PositionBottomRight || cfg.Theme != ThemeLight || cfg.ZIndex != DefaultZIndex {
		t.Fatalf("defaults = %s/%s/%d", cfg.Position, cfg.Theme, cfg.ZIndex)
	}
}
