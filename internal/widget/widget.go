// Package widget is the outer lifecycle of an embedded avatar call: the
// open/closed UI state and the connection state it drives.
package widget

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/coordinator"
	"github.com/antoniostano/avatarcall/internal/credentials"
	"github.com/antoniostano/avatarcall/internal/display"
	"github.com/antoniostano/avatarcall/internal/observability"
	"github.com/antoniostano/avatarcall/internal/reliability"
	"github.com/antoniostano/avatarcall/internal/transport"
)

const Version = "0.1.0"

var ErrDestroyed = errors.New("widget destroyed")

type UIState string

const (
	UICollapsed UIState = "collapsed"
	UIExpanded  UIState = "expanded"
)

type ConnectionState string

const (
	ConnectionIdle       ConnectionState = "idle"
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionActive     ConnectionState = "active"
	ConnectionError      ConnectionState = "error"
)

// State is a snapshot of the widget.
type State struct {
	UI          UIState
	Connection  ConnectionState
	Credentials *credentials.Credentials
	Err         error
	// Retryable is set in the error state when Retry has a chance.
	Retryable bool
	Display   display.Status
}

// Deps are the collaborators shared by widgets.
type Deps struct {
	Transport transport.Transport
	Resolver  coordinator.Resolver
	Cache     *coordinator.Cache
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

type Widget struct {
	cfg    Config
	coord  *coordinator.Coordinator
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	ui          UIState
	conn        ConnectionState
	creds       *credentials.Credentials
	err         error
	attempt     int
	destroyed   bool
	onDestroyed func(*Widget)
}

// New validates cfg and builds a widget. With StartExpanded the session
// starts right away.
func New(cfg Config, deps Deps) (*Widget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	resolver := deps.Resolver
	if resolver == nil {
		resolver = credentials.NewSelector(credentials.SelectorConfig{Logger: deps.Logger})
	}
	coord, err := coordinator.New(coordinator.Config{
		Transport: deps.Transport,
		Resolver:  resolver,
		Cache:     deps.Cache,
		Metrics:   deps.Metrics,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Widget{
		cfg:    cfg,
		coord:  coord,
		logger: deps.Logger,
		ctx:    ctx,
		cancel: cancel,
		ui:     UICollapsed,
		conn:   ConnectionIdle,
	}
	if cfg.StartExpanded {
		w.ui = UIExpanded
		w.autoStart()
	}
	return w, nil
}

func (w *Widget) Config() Config { return w.cfg }

// State returns a snapshot including the projected display status.
func (w *Widget) State() State {
	w.mu.Lock()
	st := State{
		UI:         w.ui,
		Connection: w.conn,
		Err:        w.err,
	}
	if w.creds != nil {
		creds := *w.creds
		st.Credentials = &creds
	}
	w.mu.Unlock()

	st.Retryable = st.Connection == ConnectionError && reliability.Retryable(st.Err)
	st.Display = display.FromStatus(w.coord.Status())
	return st
}

// Subscribe streams coordinator status changes for this widget.
func (w *Widget) Subscribe() (<-chan coordinator.Status, func()) {
	return w.coord.Subscribe()
}

// Open expands the widget. Expanding an idle widget without credentials
// starts a session.
func (w *Widget) Open() {
	w.mu.Lock()
	if w.destroyed || w.ui == UIExpanded {
		w.mu.Unlock()
		return
	}
	w.ui = UIExpanded
	w.mu.Unlock()
	w.autoStart()
}

// Close collapses the widget. An active call keeps running.
func (w *Widget) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return
	}
	w.ui = UICollapsed
}

func (w *Widget) Toggle() {
	w.mu.Lock()
	collapsed := w.ui == UICollapsed
	w.mu.Unlock()
	if collapsed {
		w.Open()
		return
	}
	w.Close()
}

func (w *Widget) autoStart() {
	w.mu.Lock()
	start := !w.destroyed && w.conn == ConnectionIdle && w.creds == nil
	w.mu.Unlock()
	if !start {
		return
	}
	if err := w.StartSession(w.ctx); err != nil {
		w.logger.Warn().Err(err).Msg("widget auto start failed")
	}
}

// StartSession starts a call unless one is connecting or active. Each start
// is a new attempt, so a cached failure from an earlier one is not reused.
func (w *Widget) StartSession(ctx context.Context) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	if w.conn == ConnectionConnecting || w.conn == ConnectionActive {
		w.mu.Unlock()
		return nil
	}
	w.attempt++
	attempt := w.attempt
	w.conn = ConnectionConnecting
	w.err = nil
	w.mu.Unlock()

	return w.coord.Start(ctx, w.cfg.options(attempt), w.callbacks(attempt))
}

// Retry restarts a failed session. It does nothing outside the error state.
func (w *Widget) Retry(ctx context.Context) error {
	w.mu.Lock()
	failed := w.conn == ConnectionError
	w.mu.Unlock()
	if !failed {
		return nil
	}
	return w.StartSession(ctx)
}

// EndSession hangs up and waits for the room to be released.
func (w *Widget) EndSession(ctx context.Context) error {
	return w.coord.End(ctx)
}

// Reset returns the connection to idle and keeps the UI state. A call that
// is still connecting or active is hung up first, so OnEnd fires for it.
func (w *Widget) Reset() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if err := w.coord.End(w.ctx); err != nil {
		w.logger.Debug().Err(err).Msg("widget reset did not wait for hang up")
	}

	w.mu.Lock()
	w.conn = ConnectionIdle
	w.creds = nil
	w.err = nil
	w.mu.Unlock()
	w.coord.Reset()
}

// Destroy releases the call and makes every later operation a no-op.
func (w *Widget) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	onDestroyed := w.onDestroyed
	w.mu.Unlock()

	w.cancel()
	w.coord.Close()
	if onDestroyed != nil {
		onDestroyed(w)
	}
}

func (w *Widget) callbacks(attempt int) coordinator.Callbacks {
	return coordinator.Callbacks{
		OnReady: func(creds credentials.Credentials) {
			if !w.update(attempt, func() {
				w.conn = ConnectionActive
				w.creds = &creds
			}) {
				return
			}
			if w.cfg.OnReady != nil {
				w.cfg.OnReady()
			}
		},
		OnError: func(err error) {
			if !w.update(attempt, func() {
				w.conn = ConnectionError
				w.creds = nil
				w.err = err
			}) {
				return
			}
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}
		},
		OnEnd: func() {
			if !w.update(attempt, func() {
				w.conn = ConnectionIdle
				w.creds = nil
				w.err = nil
			}) {
				return
			}
			w.coord.Reset()
			if w.cfg.OnEnd != nil {
				w.cfg.OnEnd()
			}
		},
	}
}

// update applies fn if attempt is still the current one.
func (w *Widget) update(attempt int, fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed || attempt != w.attempt {
		return false
	}
	fn()
	return true
}
