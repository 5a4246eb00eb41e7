package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quicktab/tabsync/internal/tabsync"
)

// ConnState is the supervisor's connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSuspended
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("conn_state(%d)", int32(s))
	}
}

// BreakerState is the circuit breaker guarding reconnect attempts.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("breaker_state(%d)", int32(s))
	}
}

// Channel is the duplex link the supervisor manages. WSChannel is the
// production implementation; tests use fakes.
type Channel interface {
	Dial(ctx context.Context) error
	Send(ctx context.Context, env tabsync.Envelope) error
	Close() error
	SetReceiver(fn func(env tabsync.Envelope))
	SetOnDisconnect(fn func(err error))
}

const (
	defaultFailureThreshold  = 4
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultInitialBackoff    = 500 * time.Millisecond
	defaultMaxBackoff        = 30 * time.Second
)

// SupervisorOptions configures a Supervisor. Zero values take defaults.
type SupervisorOptions struct {
	ContextID string
	Channel   Channel

	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold  int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DisableBackoffJitter makes reconnect delays exact. Test-only.
	DisableBackoffJitter bool

	// OnResync fires after Resume reconnects, so the owner can rebuild
	// its cache from a full-state query instead of trusting stale data.
	OnResync func()

	Clock  tabsync.Clock
	Logger tabsync.Logger
}

// Supervisor owns the Tier-1 channel lifecycle: dialing, heartbeats,
// consecutive-failure counting and breaker-gated reconnects. It
// implements Tier.
type Supervisor struct {
	contextID string
	ch        Channel
	clock     tabsync.Clock
	logger    tabsync.Logger
	threshold int

	hbInterval  time.Duration
	hbTimeout   time.Duration
	dialTimeout time.Duration
	boff        *backoff.ExponentialBackOff
	onResync    func()

	mu            sync.Mutex
	state         ConnState
	breaker       BreakerState
	failures      int
	lastSuccessAt time.Time
	suspended     bool
	closed        bool

	// gen invalidates in-flight dials after a teardown or Suspend.
	gen int

	hbTimer        tabsync.Timer
	hbDeadline     tabsync.Timer
	reconnectTimer tabsync.Timer

	subs subscriberSet
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Channel == nil {
		panic("transport: SupervisorOptions.Channel is required")
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = tabsync.SystemClock()
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = opts.InitialBackoff
	boff.MaxInterval = opts.MaxBackoff
	boff.MaxElapsedTime = 0
	if opts.DisableBackoffJitter {
		boff.RandomizationFactor = 0
	}
	boff.Reset()

	s := &Supervisor{
		contextID:   opts.ContextID,
		ch:          opts.Channel,
		clock:       opts.Clock,
		logger:      opts.Logger,
		threshold:   opts.FailureThreshold,
		hbInterval:  opts.HeartbeatInterval,
		hbTimeout:   opts.HeartbeatTimeout,
		dialTimeout: opts.DialTimeout,
		boff:        boff,
		onResync:    opts.OnResync,
		state:       StateDisconnected,
		breaker:     BreakerClosed,
		subs:        newSubscriberSet(),
	}
	opts.Channel.SetReceiver(s.handleInbound)
	opts.Channel.SetOnDisconnect(s.handleChannelDisconnect)
	return s
}

// Name implements Tier.
func (s *Supervisor) Name() string { return "tier1-websocket" }

// Available implements Tier: the supervisor only accepts sends while the
// channel is connected. While the breaker is open, callers fall through
// to the next tier instead of waiting.
func (s *Supervisor) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// Send implements Tier.
func (s *Supervisor) Send(ctx context.Context, env tabsync.Envelope) error {
	s.mu.Lock()
	if s.state != StateConnected {
		breaker := s.breaker
		s.mu.Unlock()
		if breaker == BreakerOpen {
			return tabsync.ErrCircuitOpen
		}
		return tabsync.ErrTransportUnavailable
	}
	s.mu.Unlock()

	if err := s.ch.Send(ctx, env); err != nil {
		s.noteFailure(fmt.Errorf("send: %w", err))
		return fmt.Errorf("%w: %v", tabsync.ErrTransportUnavailable, err)
	}
	s.noteSuccess()
	return nil
}

// Subscribe implements Tier.
func (s *Supervisor) Subscribe(fn func(env tabsync.Envelope)) (cancel func()) {
	s.mu.Lock()
	id := s.subs.add(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.subs.remove(id)
		s.mu.Unlock()
	}
}

// Start performs the first connection attempt. The initial dial runs on
// the caller's goroutine and can block up to DialTimeout; retries after a
// failure are scheduled in the background and observable via State.
func (s *Supervisor) Start() {
	s.connect(false)
}

// State reports the current connection and breaker states.
func (s *Supervisor) State() (ConnState, BreakerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return StateSuspended, s.breaker
	}
	return s.state, s.breaker
}

// Failures reports the consecutive-failure count since the last success.
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastSuccessAt reports the time of the last successful send, ack or dial.
func (s *Supervisor) LastSuccessAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccessAt
}

// Suspend tears the channel down and freezes all timers. No reconnect
// attempts run until Resume.
func (s *Supervisor) Suspend() {
	s.mu.Lock()
	if s.suspended || s.closed {
		s.mu.Unlock()
		return
	}
	s.suspended = true
	s.gen++
	s.stopTimersLocked()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.ch.Close()
	s.logf("suspended")
}

// Resume lifts a suspension, resets the breaker and reconnects. The
// OnResync hook fires so the owner rehydrates from a full-state query
// rather than trusting whatever it cached before the suspension.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	if !s.suspended || s.closed {
		s.mu.Unlock()
		return
	}
	s.suspended = false
	s.failures = 0
	s.breaker = BreakerClosed
	s.boff.Reset()
	s.mu.Unlock()
	s.logf("resumed")
	if s.onResync != nil {
		s.onResync()
	}
	s.connect(false)
}

// Close shuts the supervisor down permanently.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.stopTimersLocked()
	s.state = StateDisconnected
	s.mu.Unlock()
	return s.ch.Close()
}

// connect dials the channel. halfOpen marks this attempt as the single
// probe allowed while the breaker recovers.
func (s *Supervisor) connect(halfOpen bool) {
	s.mu.Lock()
	if s.suspended || s.closed || s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	if halfOpen {
		s.breaker = BreakerHalfOpen
	}
	gen := s.gen
	s.mu.Unlock()

	ctx, cancelDial := context.WithTimeout(context.Background(), s.dialTimeout)
	err := s.ch.Dial(ctx)
	cancelDial()

	s.mu.Lock()
	if gen != s.gen {
		// Torn down or suspended while dialing; discard the result.
		s.mu.Unlock()
		if err == nil {
			s.ch.Close()
		}
		return
	}
	if err != nil {
		s.state = StateDisconnected
		s.breaker = BreakerOpen
		delay := s.boff.NextBackOff()
		s.scheduleReconnectLocked(delay)
		s.mu.Unlock()
		s.logf("dial failed, breaker open, retry in %s: %v", delay, err)
		return
	}
	s.state = StateConnected
	s.breaker = BreakerClosed
	s.failures = 0
	s.lastSuccessAt = s.clock.Now()
	s.boff.Reset()
	s.scheduleHeartbeatLocked()
	s.mu.Unlock()
	s.logf("connected")
}

// noteFailure counts a consecutive failure and tears the channel down
// once the threshold is reached.
func (s *Supervisor) noteFailure(err error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	if failures < s.threshold || s.state != StateConnected {
		s.mu.Unlock()
		s.logf("failure %d/%d: %v", failures, s.threshold, err)
		return
	}
	s.tearDownLocked()
	delay := s.boff.NextBackOff()
	s.scheduleReconnectLocked(delay)
	s.mu.Unlock()
	s.ch.Close()
	s.logf("failure threshold reached (%d), breaker open, retry in %s: %v", failures, delay, err)
}

func (s *Supervisor) noteSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.lastSuccessAt = s.clock.Now()
	s.mu.Unlock()
}

// tearDownLocked moves to DISCONNECTED with the breaker open. Caller
// holds mu and is responsible for closing the channel outside the lock.
func (s *Supervisor) tearDownLocked() {
	s.gen++
	s.stopTimersLocked()
	s.state = StateDisconnected
	s.breaker = BreakerOpen
}

func (s *Supervisor) stopTimersLocked() {
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
	if s.hbDeadline != nil {
		s.hbDeadline.Stop()
		s.hbDeadline = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// scheduleReconnectLocked arms the single half-open probe. Nothing else
// attempts to dial while the breaker is open.
func (s *Supervisor) scheduleReconnectLocked(delay time.Duration) {
	gen := s.gen
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := gen != s.gen || s.suspended || s.closed
		s.mu.Unlock()
		if stale {
			return
		}
		s.connect(true)
	})
}

func (s *Supervisor) scheduleHeartbeatLocked() {
	gen := s.gen
	s.hbTimer = s.clock.AfterFunc(s.hbInterval, func() {
		s.fireHeartbeat(gen)
	})
}

func (s *Supervisor) fireHeartbeat(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	deadlineGen := s.gen
	s.hbDeadline = s.clock.AfterFunc(s.hbTimeout, func() {
		s.heartbeatTimedOut(deadlineGen)
	})
	s.mu.Unlock()

	env := tabsync.Envelope{
		Type:      tabsync.EnvelopeHeartbeat,
		ContextID: s.contextID,
		Timestamp: tabsync.NowRFC3339(s.clock.Now()),
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.hbTimeout)
	err := s.ch.Send(ctx, env)
	cancel()
	if err != nil {
		s.noteFailure(fmt.Errorf("heartbeat: %w", err))
	}
}

func (s *Supervisor) heartbeatTimedOut(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.tearDownLocked()
	delay := s.boff.NextBackOff()
	s.scheduleReconnectLocked(delay)
	s.mu.Unlock()
	s.ch.Close()
	s.logf("heartbeat ack missed, breaker open, retry in %s", delay)
}

// handleInbound consumes channel traffic. Heartbeat acks confirm
// liveness; everything else fans out to subscribers.
func (s *Supervisor) handleInbound(env tabsync.Envelope) {
	if env.Type == tabsync.EnvelopeHeartbeatAck {
		s.mu.Lock()
		if s.hbDeadline != nil {
			s.hbDeadline.Stop()
			s.hbDeadline = nil
		}
		s.failures = 0
		s.lastSuccessAt = s.clock.Now()
		if s.state == StateConnected {
			s.scheduleHeartbeatLocked()
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	fns := s.subs.snapshot()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

// handleChannelDisconnect reacts to the channel's own close signal. The
// supervisor never relies on this alone; heartbeats catch the silent
// failures the channel cannot report.
func (s *Supervisor) handleChannelDisconnect(err error) {
	s.mu.Lock()
	if s.state != StateConnected || s.suspended || s.closed {
		s.mu.Unlock()
		return
	}
	s.tearDownLocked()
	delay := s.boff.NextBackOff()
	s.scheduleReconnectLocked(delay)
	s.mu.Unlock()
	s.logf("channel disconnected, breaker open, retry in %s: %v", delay, err)
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("supervisor[%s]: "+format, append([]any{s.contextID}, args...)...)
	}
}
