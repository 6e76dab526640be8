// Package session implements the Session component (component 4): one
// connected peer — inbound decode, outbound queue with bounded capacity and
// backpressure, rate-limit bucket, liveness, lock ownership, and the
// handshake state machine.
//
// The outbound queue and slow-consumer handling follow the shape of the
// teacher's Client/send-channel pair (internal/shared/connection.go), the
// per-session token bucket follows its ResourceGuard's use of
// golang.org/x/time/rate.
package session

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/clasp-proto/claspd/internal/claspid"
	"github.com/clasp-proto/claspd/internal/claspwire"
	"github.com/clasp-proto/claspd/internal/transport"
)

// State is the session's position in the handshake/lifecycle state machine.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrQueueFull is returned by EnqueueNonBlocking when the outbound queue is
// at capacity for a QoS class that does not silently drop (Confirm,
// Commit); the caller (dispatcher) decides whether to block or fail the
// source operation.
var ErrQueueFull = errors.New("session: outbound queue full")

// overflowNoticeInterval bounds how often a buffer-overflow ERROR 503 may
// be emitted to one session (§4.4, §7).
const overflowNoticeInterval = 10 * time.Second

// Session is one connected peer, transport-agnostic.
type Session struct {
	ID        claspid.SessionID
	Name      string
	Features  []string
	Transport transport.Adapter

	state atomic.Int32

	outbound     chan []byte
	maxMessages  int
	maxBytes     int
	currentBytes atomic.Int64

	dropCount          atomic.Int64
	lastOverflowNotice atomic.Int64 // unix nanos

	rateLimiter *rate.Limiter

	subIDGen    claspid.Generator
	subCount    atomic.Int32
	maxSubs     int

	lastActivity atomic.Int64 // unix nanos
}

// Config bounds a session's resource usage, sourced from router
// configuration (§6).
type Config struct {
	OutboundQueueMessages int
	OutboundQueueBytes    int
	MaxMessagesPerSecond  float64
	MaxSubscriptions      int
	RateLimitingEnabled   bool
}

// New creates a session in the Handshaking state.
func New(id claspid.SessionID, t transport.Adapter, cfg Config) *Session {
	s := &Session{
		ID:          id,
		Transport:   t,
		outbound:    make(chan []byte, cfg.OutboundQueueMessages),
		maxMessages: cfg.OutboundQueueMessages,
		maxBytes:    cfg.OutboundQueueBytes,
		maxSubs:     cfg.MaxSubscriptions,
	}
	s.state.Store(int32(StateHandshaking))
	s.lastActivity.Store(time.Now().UnixNano())

	limit := rate.Inf
	burst := 1
	if cfg.RateLimitingEnabled && cfg.MaxMessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MaxMessagesPerSecond)
		burst = int(cfg.MaxMessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	s.rateLimiter = rate.NewLimiter(limit, burst)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// AllowedInState reports whether code may be processed given the current
// state (§4.4 handshake state machine).
func (s *Session) AllowedInState(code claspwire.Code) bool {
	switch s.State() {
	case StateHandshaking:
		return code == claspwire.CodeHello
	case StateActive:
		return true
	case StateDraining:
		switch code {
		case claspwire.CodeSubscribe, claspwire.CodeSet, claspwire.CodeBundle:
			return false
		default:
			return true
		}
	default: // Closed
		return false
	}
}

// Activate transitions Handshaking -> Active on HELLO acceptance.
func (s *Session) Activate() { s.state.Store(int32(StateActive)) }

// BeginDraining transitions to Draining: no new subscriptions or writes;
// pending ACKs are expected to flush before the caller transitions to Closed.
func (s *Session) BeginDraining() { s.state.Store(int32(StateDraining)) }

// MarkClosed transitions to Closed and drops the outbound queue (§4.4).
func (s *Session) MarkClosed() {
	s.state.Store(int32(StateClosed))
	for {
		select {
		case frame := <-s.outbound:
			s.releaseBytes(len(frame))
		default:
			return
		}
	}
}

// Touch records inbound activity for the liveness check.
func (s *Session) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// IdleFor returns how long it has been since the last recorded activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// AllowMessage applies the per-session rate limiter. PING/PONG/ACK are
// exempt per §4.4.
func (s *Session) AllowMessage(code claspwire.Code) bool {
	switch code {
	case claspwire.CodePing, claspwire.CodePong, claspwire.CodeAck:
		return true
	}
	return s.rateLimiter.Allow()
}

// DropCount returns the number of outbound frames dropped due to
// backpressure since the session was created.
func (s *Session) DropCount() int64 { return s.dropCount.Load() }

// NextSubscriptionID allocates the next subscription id for this session.
func (s *Session) NextSubscriptionID() claspid.SubscriptionID {
	return claspid.SubscriptionID(s.subIDGen.Next())
}

// ReserveSubscription attempts to reserve one subscription slot against
// max_subscriptions_per_session; ok is false if the cap is already reached.
func (s *Session) ReserveSubscription() (ok bool) {
	if s.maxSubs <= 0 {
		s.subCount.Add(1)
		return true
	}
	for {
		cur := s.subCount.Load()
		if int(cur) >= s.maxSubs {
			return false
		}
		if s.subCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseSubscription frees one reserved subscription slot.
func (s *Session) ReleaseSubscription() { s.subCount.Add(-1) }

// reserveBytes admits n more bytes against the outbound byte budget
// (§4.4/§6 outbound_queue_bytes), reporting false if doing so would exceed
// it. A zero or negative maxBytes disables the budget (message-count cap
// only).
func (s *Session) reserveBytes(n int) bool {
	if s.maxBytes <= 0 {
		return true
	}
	for {
		cur := s.currentBytes.Load()
		if cur+int64(n) > int64(s.maxBytes) {
			return false
		}
		if s.currentBytes.CompareAndSwap(cur, cur+int64(n)) {
			return true
		}
	}
}

func (s *Session) releaseBytes(n int) {
	s.currentBytes.Add(-int64(n))
}

// ReleaseOutbound credits frame's bytes back to the byte budget. The write
// pump must call this after reading a frame off Outbound(), since draining
// happens outside the session's own enqueue methods.
func (s *Session) ReleaseOutbound(frame []byte) {
	s.releaseBytes(len(frame))
}

// EnqueueFire enqueues a Fire-QoS frame, silently dropping the newest frame
// (this one) if the queue is at its message-count cap or its byte budget
// (§4.4 capacity policy: a byte budget plus a message-count cap).
func (s *Session) EnqueueFire(frame []byte) (dropped bool) {
	if !s.reserveBytes(len(frame)) {
		s.dropCount.Add(1)
		return true
	}
	select {
	case s.outbound <- frame:
		return false
	default:
		s.releaseBytes(len(frame))
		s.dropCount.Add(1)
		return true
	}
}

// EnqueueNonBlocking enqueues a Confirm/Commit-QoS frame without blocking.
// Returns ErrQueueFull if the queue is at its message-count cap or its byte
// budget; the caller decides whether to retry with a deadline or fail the
// source operation.
func (s *Session) EnqueueNonBlocking(frame []byte) error {
	if !s.reserveBytes(len(frame)) {
		return ErrQueueFull
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		s.releaseBytes(len(frame))
		return ErrQueueFull
	}
}

// EnqueueWait blocks until the frame is enqueued or deadline elapses.
func (s *Session) EnqueueWait(frame []byte, deadline time.Duration) error {
	if !s.reserveBytes(len(frame)) {
		return ErrQueueFull
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case s.outbound <- frame:
		return nil
	case <-timer.C:
		s.releaseBytes(len(frame))
		return ErrQueueFull
	}
}

// ShouldNotifyOverflow reports whether a new ERROR 503 buffer-overflow
// notice may be sent now (rate-limited to at most once per 10s, §4.4/§7).
func (s *Session) ShouldNotifyOverflow() bool {
	now := time.Now().UnixNano()
	last := s.lastOverflowNotice.Load()
	if time.Duration(now-last) < overflowNoticeInterval {
		return false
	}
	return s.lastOverflowNotice.CompareAndSwap(last, now)
}

// Outbound returns the channel the transport's write pump drains.
func (s *Session) Outbound() <-chan []byte { return s.outbound }
