// Package coordinator owns the lifecycle of one avatar call: it resolves
// credentials through a coalescing cache, connects the media room and folds
// room events into a single status.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcall/internal/credentials"
	"github.com/antoniostano/avatarcall/internal/observability"
	"github.com/antoniostano/avatarcall/internal/protocol"
	"github.com/antoniostano/avatarcall/internal/transport"
)

var (
	ErrClosed = errors.New("coordinator closed")
	// ErrAttemptFinished is returned by Start when the identity matches a
	// call that already ended or failed. Reset it or change the identity.
	ErrAttemptFinished = errors.New("coordinator: attempt for this identity already finished")
)

const defaultEndNotifyTimeout = 2 * time.Second

// Resolver selects the credential strategy for a set of options.
type Resolver interface {
	Select(opts credentials.Options) (credentials.Strategy, error)
}

type Config struct {
	Transport transport.Transport
	Resolver  Resolver
	// Cache may be shared between coordinators. A private one is created
	// when nil.
	Cache   *Cache
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	// EndNotifyTimeout bounds the END_CALL publish made by End.
	EndNotifyTimeout time.Duration
	Now              func() time.Time
}

type Coordinator struct {
	transport     transport.Transport
	resolver      Resolver
	cache         *Cache
	metrics       *observability.Metrics
	logger        zerolog.Logger
	notifyTimeout time.Duration
	now           func() time.Time

	mu          sync.Mutex
	status      Status
	gen         uint64
	cancel      context.CancelFunc
	room        transport.Room
	callbacks   Callbacks
	endDone     chan struct{}
	connectedAt time.Time
	closed      bool

	subscribers map[int]chan Status
	nextSubID   int
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, errors.New("coordinator: transport is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("coordinator: resolver is required")
	}
	c := &Coordinator{
		transport:     cfg.Transport,
		resolver:      cfg.Resolver,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		notifyTimeout: cfg.EndNotifyTimeout,
		now:           cfg.Now,
		subscribers:   make(map[int]chan Status),
	}
	if c.cache == nil {
		c.cache = NewCache(cfg.Metrics)
	}
	if c.notifyTimeout <= 0 {
		c.notifyTimeout = defaultEndNotifyTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.status = Status{State: StateIdle, UpdatedAt: c.now()}
	return c, nil
}

// Status returns a snapshot of the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.clone()
}

// Subscribe streams every status change. Slow subscribers miss updates
// rather than block the coordinator; Status is always current.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch := make(chan Status)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Status, 64)
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

// Start begins a session attempt for opts. Starting again with the same
// identity while that attempt is connecting or active joins it and returns
// nil without firing callbacks; from ended or error it returns
// ErrAttemptFinished and leaves the state alone. A different identity
// supersedes the current attempt, whose late results are discarded.
// A configuration error is returned and also moves the call to error.
func (c *Coordinator) Start(ctx context.Context, opts credentials.Options, cb Callbacks) error {
	strategy, selectErr := c.resolver.Select(opts)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if selectErr != nil {
		room, prev, wasActive := c.supersedeLocked()
		c.setLocked(Status{State: StateError, Identity: opts.Identity(), Err: selectErr})
		c.mu.Unlock()
		c.release(room, prev, wasActive)
		c.logger.Warn().Err(selectErr).Msg("call configuration rejected")
		if cb.OnError != nil {
			cb.OnError(selectErr)
		}
		return selectErr
	}

	if strategy.Identity == c.status.Identity && c.status.State != StateIdle {
		finished := c.status.State == StateEnded || c.status.State == StateError
		c.mu.Unlock()
		if finished {
			return ErrAttemptFinished
		}
		return nil
	}

	room, prev, wasActive := c.supersedeLocked()
	gen := c.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.callbacks = cb
	c.setLocked(Status{State: StateConnecting, Identity: strategy.Identity, Strategy: strategy.Kind})
	c.mu.Unlock()

	c.release(room, prev, wasActive)
	c.logger.Debug().Str("identity", strategy.Identity).Str("strategy", string(strategy.Kind)).Msg("call attempt started")

	go c.run(attemptCtx, gen, strategy, cb)
	return nil
}

// supersedeLocked invalidates the current attempt. The caller releases the
// returned room and cache identity after unlocking.
func (c *Coordinator) supersedeLocked() (transport.Room, string, bool) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	room := c.room
	c.room = nil
	wasActive := c.status.State == StateActive || c.status.State == StateEnding
	return room, c.status.Identity, wasActive
}

func (c *Coordinator) release(room transport.Room, identity string, wasActive bool) {
	if room != nil {
		room.Disconnect()
	}
	if wasActive {
		c.metrics.CallFinished()
	}
	if identity != "" {
		c.cache.Forget(identity)
	}
}

func (c *Coordinator) run(ctx context.Context, gen uint64, st credentials.Strategy, cb Callbacks) {
	started := c.now()
	res := c.cache.Load(ctx, st.Identity, st.Resolve)
	if res.State == ResultError {
		c.metrics.ObserveNegotiation(string(st.Kind), res.Err, c.now().Sub(started))
		c.fail(gen, res.Err, cb)
		return
	}
	c.metrics.ObserveNegotiation(string(st.Kind), nil, c.now().Sub(started))
	creds := res.Credentials

	if !c.current(gen) {
		c.logger.Debug().Str("identity", st.Identity).Msg("discarding credentials for superseded attempt")
		return
	}

	connectStarted := c.now()
	room, err := c.transport.Connect(ctx, creds.ServerURL, creds.Token)
	if err != nil {
		var terr *transport.TransportError
		if !errors.As(err, &terr) {
			err = &transport.TransportError{Op: "connect", Err: err}
		}
		c.fail(gen, err, cb)
		return
	}
	c.metrics.ObserveStage(observability.StageConnect, c.now().Sub(connectStarted))

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		room.Disconnect()
		return
	}
	c.room = room
	c.connectedAt = c.now()
	next := c.status
	next.State = StateActive
	next.Credentials = &creds
	next.Err = nil
	c.setLocked(next)
	c.metrics.CallStarted()
	c.mu.Unlock()

	c.logger.Info().Str("session_id", creds.SessionID).Str("room", creds.RoomName).Msg("call active")
	if cb.OnReady != nil {
		cb.OnReady(creds)
	}
	c.watch(gen, room, cb)
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.gen
}

// fail moves a live attempt to error. Failures of superseded or finished
// attempts are dropped.
func (c *Coordinator) fail(gen uint64, err error, cb Callbacks) {
	c.mu.Lock()
	if c.closed || gen != c.gen || (c.status.State != StateConnecting && c.status.State != StateActive) {
		c.mu.Unlock()
		return
	}
	wasActive := c.status.State == StateActive
	room := c.room
	c.room = nil
	c.setLocked(Status{
		State:    StateError,
		Identity: c.status.Identity,
		Strategy: c.status.Strategy,
		Err:      err,
	})
	c.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	if wasActive {
		c.metrics.CallFinished()
	}
	c.logger.Warn().Err(err).Msg("call failed")
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (c *Coordinator) watch(gen uint64, room transport.Room, cb Callbacks) {
	for ev := range room.Events() {
		switch ev.Type {
		case transport.EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("room error")
			}
			c.fail(gen, &transport.TransportError{Op: "room", Err: err}, cb)
		case transport.EventDisconnected:
			c.remoteEnded(gen, cb)
		default:
			c.apply(gen, ev)
		}
	}
	c.remoteEnded(gen, cb)
}

func (c *Coordinator) apply(gen uint64, ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.status.State != StateActive {
		return
	}

	next := c.status
	switch ev.Type {
	case transport.EventReconnecting:
		next.Reconnecting = true
	case transport.EventReconnected:
		next.Reconnecting = false
	case transport.EventParticipantConnected:
		if next.AvatarIdentity == "" {
			next.AvatarIdentity = ev.Participant
		}
	case transport.EventParticipantDisconnected:
		if ev.Participant == next.AvatarIdentity {
			next.AvatarIdentity = ""
			next.AvatarSpeaking = false
			next.VideoTrack = nil
		}
	case transport.EventTrackSubscribed:
		if ev.Track == nil || !ev.Track.IsAvatarVideo() || next.VideoTrack != nil {
			return
		}
		if next.AvatarIdentity != "" && next.AvatarIdentity != ev.Track.ParticipantIdentity {
			return
		}
		track := *ev.Track
		next.VideoTrack = &track
		next.AvatarIdentity = track.ParticipantIdentity
		c.metrics.ObserveStage(observability.StageFirstView, c.now().Sub(c.connectedAt))
	case transport.EventTrackUnsubscribed:
		if ev.Track == nil || next.VideoTrack == nil || ev.Track.TrackSID != next.VideoTrack.TrackSID {
			return
		}
		next.VideoTrack = nil
	case transport.EventSpeaking:
		if ev.Participant != next.AvatarIdentity || next.AvatarSpeaking == ev.Speaking {
			return
		}
		next.AvatarSpeaking = ev.Speaking
	default:
		return
	}
	c.setLocked(next)
}

// remoteEnded handles a disconnect the caller did not ask for.
func (c *Coordinator) remoteEnded(gen uint64, cb Callbacks) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.status.State != StateActive {
		c.mu.Unlock()
		return
	}
	room := c.room
	c.room = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	identity := c.status.Identity
	c.setLocked(Status{State: StateEnded, Identity: identity, Strategy: c.status.Strategy})
	c.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	c.metrics.CallFinished()
	c.cache.Forget(identity)
	c.logger.Info().Str("identity", identity).Msg("call ended by remote")
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
}

// End hangs up. From active it publishes END_CALL (best effort), releases
// the room and returns once the room is released. Concurrent calls wait for
// the first; calls from idle, error or ended do nothing. Ending a call that
// is still connecting abandons the attempt.
func (c *Coordinator) End(ctx context.Context) error {
	c.mu.Lock()
	switch c.status.State {
	case StateEnding:
		done := c.endDone
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateConnecting:
		cb := c.callbacks
		identity := c.status.Identity
		c.gen++
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.setLocked(Status{State: StateEnded, Identity: identity, Strategy: c.status.Strategy})
		c.mu.Unlock()
		c.cache.Forget(identity)
		if cb.OnEnd != nil {
			cb.OnEnd()
		}
		return nil
	case StateActive:
	default:
		c.mu.Unlock()
		return nil
	}

	room := c.room
	gen := c.gen
	cb := c.callbacks
	done := make(chan struct{})
	c.endDone = done
	next := c.status
	next.State = StateEnding
	c.setLocked(next)
	c.mu.Unlock()

	if room != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, c.notifyTimeout)
		if err := room.PublishData(notifyCtx, protocol.EndCallPayload()); err != nil {
			c.logger.Debug().Err(err).Msg("end call notification not delivered")
		}
		cancel()
		room.Disconnect()
	}

	c.mu.Lock()
	applied := !c.closed && gen == c.gen && c.status.State == StateEnding
	identity := c.status.Identity
	if applied {
		c.room = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.setLocked(Status{State: StateEnded, Identity: identity, Strategy: c.status.Strategy})
	}
	close(done)
	c.mu.Unlock()

	if applied {
		c.metrics.CallFinished()
		c.cache.Forget(identity)
		c.logger.Info().Str("identity", identity).Msg("call ended")
		if cb.OnEnd != nil {
			cb.OnEnd()
		}
	}
	return nil
}

// Reset returns a finished call (ended or error) to idle so a new attempt
// may reuse the previous identity. It reports whether the state changed.
func (c *Coordinator) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.status.State != StateEnded && c.status.State != StateError) {
		return false
	}
	identity := c.status.Identity
	c.setLocked(Status{State: StateIdle})
	c.cache.Forget(identity)
	return true
}

// Close tears the coordinator down. Pending results are discarded, the room
// is released and subscriber channels are closed. No state changes after
// Close returns.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	room, identity, wasActive := c.supersedeLocked()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.mu.Unlock()

	c.release(room, identity, wasActive)
}

func (c *Coordinator) setLocked(next Status) {
	next.UpdatedAt = c.now()
	prev := c.status.State
	c.status = next
	if prev != next.State {
		c.metrics.ObserveTransition(string(next.State))
		c.logger.Debug().Str("from", string(prev)).Str("to", string(next.State)).Msg("call state changed")
	}

	snapshot := next.clone()
	for _, ch := range c.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
