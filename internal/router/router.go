// Package router implements the Router Dispatcher (component 9): it owns
// every other component and is the single entry point inbound messages pass
// through on their way from a session to state mutation and/or fanout.
package router

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clasp-proto/claspd/internal/auth"
	"github.com/clasp-proto/claspd/internal/bundle"
	"github.com/clasp-proto/claspd/internal/claspaddr"
	"github.com/clasp-proto/claspd/internal/claspid"
	"github.com/clasp-proto/claspd/internal/claspvalue"
	"github.com/clasp-proto/claspd/internal/claspwire"
	"github.com/clasp-proto/claspd/internal/clock"
	"github.com/clasp-proto/claspd/internal/coalesce"
	"github.com/clasp-proto/claspd/internal/session"
	"github.com/clasp-proto/claspd/internal/snapshot"
	"github.com/clasp-proto/claspd/internal/store"
	"github.com/clasp-proto/claspd/internal/subindex"
	"github.com/clasp-proto/claspd/internal/telemetry"
)

// Config holds the subset of router configuration options (§6) that the
// dispatcher itself consults.
type Config struct {
	Name                       string
	MaxAddressDepth            int
	MaxAddressLength           int
	EchoSET                    bool
	EchoPUBLISH                bool
	SnapshotByteBudget         int
	BundleScheduleSlackMicros  int64
	MaxBundleSize              int // §5/§8: reject BUNDLE with 0 or more than this many sub-ops
	MaxAddresses               int // §5/§3: address-space cap on first-write creation

	// GestureCoalescing enables a per-session Gesture Coalescer (component
	// 5) for SignalGesture PUBLISHes; GestureCoalesceInterval is its flush
	// tick (0 uses coalesce.DefaultInterval).
	GestureCoalescing       bool
	GestureCoalesceInterval time.Duration
}

// DefaultConfig returns the spec's stated defaults (§4.9 echo flags, §4.7
// byte budget).
func DefaultConfig() Config {
	return Config{
		Name:                      "clasp-router",
		MaxAddressDepth:           claspaddr.DefaultMaxDepth,
		MaxAddressLength:          claspaddr.DefaultMaxLength,
		EchoSET:                   true,
		EchoPUBLISH:               false,
		SnapshotByteBudget:        snapshot.DefaultByteBudget,
		BundleScheduleSlackMicros: 5_000_000,
		MaxBundleSize:             DefaultMaxBundleSize,
		MaxAddresses:              DefaultMaxAddresses,
	}
}

// DefaultMaxBundleSize and DefaultMaxAddresses are the router's stated
// resource bounds (§5) absent an operator override via config.Config.
const (
	DefaultMaxBundleSize = 256
	DefaultMaxAddresses  = 1_000_000
)

// Router owns components 1-8 and dispatches inbound messages per §4.9.
type Router struct {
	cfg Config

	store *store.Store
	subs  *subindex.Index
	clock *clock.Clock

	bundleExec  *bundle.Executor
	bundleSched *bundle.Scheduler
	snapEngine  *snapshot.Engine

	sessionIDGen claspid.Generator

	mu       sync.RWMutex
	sessions map[claspid.SessionID]*session.Session

	filterMu sync.Mutex
	filters  map[filterKey]*subFilterState

	announceMu sync.Mutex
	announced  map[string]struct{}

	remoteHook func(addr string, msg claspwire.Message)

	metrics *telemetry.Metrics

	authValidator auth.Validator

	coalesceMu sync.Mutex
	coalescers map[claspid.SessionID]*sessionCoalescer
}

// sessionCoalescer pairs a per-session Coalescer with the signal its drain
// goroutine watches to stop, since coalesce.Coalescer itself never closes
// Out() (Stop only guarantees a final flush, not channel closure).
type sessionCoalescer struct {
	c         *coalesce.Coalescer
	stopDrain chan struct{}
}

type filterKey struct {
	session claspid.SessionID
	subID   claspid.SubscriptionID
}

// subFilterState is the mutable per-subscription fanout-filter state (§4.9
// step 3: max_rate throttle, epsilon threshold) that can't live in the
// Subscription Index's immutable copy-on-write snapshots.
type subFilterState struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	lastScalar  float64
	haveScalar  bool
}

// New creates a Router over a fresh Store/Index/Clock.
func New(cfg Config) *Router {
	s := store.New()
	s.SetMaxAddresses(cfg.MaxAddresses)
	clk := clock.New()
	exec := bundle.NewExecutor(s)
	r := &Router{
		cfg:         cfg,
		store:       s,
		subs:        subindex.New(),
		clock:       clk,
		bundleExec:  exec,
		bundleSched: bundle.NewScheduler(exec, clk, cfg.BundleScheduleSlackMicros),
		snapEngine:  snapshot.NewEngine(s, cfg.SnapshotByteBudget),
		sessions:    make(map[claspid.SessionID]*session.Session),
		filters:     make(map[filterKey]*subFilterState),
		announced:   make(map[string]struct{}),
		coalescers:  make(map[claspid.SessionID]*sessionCoalescer),
	}
	return r
}

// SetMetrics attaches a Prometheus metric set the dispatcher increments at
// dispatch, fanout, bundle, and snapshot points. A nil set (the default)
// disables metrics without any call-site branching, since every increment
// below guards on r.metrics != nil.
func (r *Router) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// SetAuthValidator enables token_required admission: HELLO is rejected
// unless validator(msg.Token) reports true. A nil validator (the default)
// is security_mode "open" — every HELLO is accepted.
func (r *Router) SetAuthValidator(validator auth.Validator) {
	r.authValidator = validator
}

// Clock exposes the router's clock (for SYNC and frame timestamps owned by
// the transport layer).
func (r *Router) Clock() *clock.Clock { return r.clock }

// BundleScheduler exposes the scheduler so callers can run it in a
// goroutine and stop it on shutdown.
func (r *Router) BundleScheduler() *bundle.Scheduler { return r.bundleSched }

// SetRemoteHook registers a callback invoked after every locally committed
// SET or PUBLISH, letting internal/peering republish the change to sibling
// router instances over NATS. A nil hook (the default) disables peering.
func (r *Router) SetRemoteHook(hook func(addr string, msg claspwire.Message)) {
	r.remoteHook = hook
}

// ApplyRemote re-fans-out a message a sibling router instance already
// committed, as received over internal/peering. It carries no local
// session as origin (id 0, never assigned to a real session) so the local
// echo/dedup rules never suppress it, and it never calls remoteHook itself
// — a remote update must not bounce back out over the peering bridge.
func (r *Router) ApplyRemote(addr string, msg claspwire.Message) {
	r.fanout(addr, msg, 0, true, msg.SigKind, msg.Signal)
}

// NextSessionID allocates a new session id.
func (r *Router) NextSessionID() claspid.SessionID {
	return claspid.SessionID(r.sessionIDGen.Next())
}

// RegisterSession makes sess visible to fanout. If gesture coalescing is
// enabled, it also starts a per-session Coalescer and a goroutine draining
// its Out() channel back into fanout, so high-rate move samples from this
// session collapse to one per tick without blocking the caller of
// HandleFrame.
func (r *Router) RegisterSession(sess *session.Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsTotal.Inc()
		r.metrics.SessionsActive.Inc()
	}

	if r.cfg.GestureCoalescing {
		sc := &sessionCoalescer{c: coalesce.New(r.cfg.GestureCoalesceInterval, 64), stopDrain: make(chan struct{})}
		if r.metrics != nil {
			sc.c.OnSuperseded(r.metrics.GestureCoalescedTotal.Inc)
		}
		r.coalesceMu.Lock()
		r.coalescers[sess.ID] = sc
		r.coalesceMu.Unlock()
		go sc.c.Run()
		go r.drainCoalescer(sess.ID, sc)
	}
}

// drainCoalescer fans out every message a session's Coalescer emits,
// attributing origin to sess so the usual echo/dedup rule in fanout still
// applies to coalesced gesture traffic. It stops on sc.stopDrain rather than
// ranging over Out(), since Stop only guarantees a final flush, not that
// Out() gets closed.
func (r *Router) drainCoalescer(sessID claspid.SessionID, sc *sessionCoalescer) {
	for {
		select {
		case msg := <-sc.c.Out():
			r.fanout(msg.Address, msg, sessID, r.cfg.EchoPUBLISH, msg.SigKind, msg.Signal)
			if r.remoteHook != nil {
				r.remoteHook(msg.Address, msg)
			}
		case <-sc.stopDrain:
			return
		}
	}
}

// RemoveSession unregisters sess and releases everything it held: its
// subscriptions, its store locks, and its fanout filter state (§3
// Lifecycle, invariant: closing a session removes every subscription and
// releases every lock it held).
func (r *Router) RemoveSession(id claspid.SessionID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.subs.RemoveSubscriptionsOf(id)
	r.store.RemoveLocksOf(id)

	r.filterMu.Lock()
	for k := range r.filters {
		if k.session == id {
			delete(r.filters, k)
		}
	}
	r.filterMu.Unlock()

	r.coalesceMu.Lock()
	sc, ok := r.coalescers[id]
	delete(r.coalescers, id)
	r.coalesceMu.Unlock()
	if ok {
		close(sc.stopDrain)
		sc.c.Stop()
	}

	if r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}
}

// HandleFrame decodes one inbound frame from sess and dispatches it.
// frame.Timestamp is used only to echo it back in the PONG reply to a PING.
func (r *Router) HandleFrame(sess *session.Session, frame claspwire.Frame) {
	msg, err := claspwire.DecodeMessage(frame.Body)
	if err != nil {
		r.sendError(sess, 0, false, claspwire.ErrBadRequest, "malformed message")
		return
	}

	if !sess.AllowedInState(msg.Code) {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "message not valid in current session state")
		return
	}

	if !sess.AllowMessage(msg.Code) {
		// Rate-limit drops are local recovery (§7); no ERROR frame.
		return
	}
	sess.Touch()

	if r.metrics != nil {
		r.metrics.MessagesDispatchedTotal.WithLabelValues(msg.Code.String()).Inc()
	}

	r.dispatch(sess, msg, frame.Timestamp)
}

func (r *Router) dispatch(sess *session.Session, msg claspwire.Message, frameTimestamp int64) {
	switch msg.Code {
	case claspwire.CodeHello:
		r.handleHello(sess, msg)
	case claspwire.CodeSubscribe:
		r.handleSubscribe(sess, msg)
	case claspwire.CodeUnsubscribe:
		r.handleUnsubscribe(sess, msg)
	case claspwire.CodeSet:
		r.handleSet(sess, msg)
	case claspwire.CodeGet:
		r.handleGet(sess, msg)
	case claspwire.CodePublish:
		r.handlePublish(sess, msg)
	case claspwire.CodeBundle:
		r.handleBundle(sess, msg)
	case claspwire.CodeSync:
		r.handleSync(sess, msg)
	case claspwire.CodePing:
		r.handlePing(sess, msg, frameTimestamp)
	case claspwire.CodeQuery:
		r.handleQuery(sess, msg)
	case claspwire.CodeAnnounce:
		r.handleAnnounce(sess, msg)
	case claspwire.CodeAck, claspwire.CodeError:
		// Consume; no fanout (§4.9).
	default:
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "unsupported message code")
	}
}

// --- HELLO / handshake -----------------------------------------------------

func (r *Router) handleHello(sess *session.Session, msg claspwire.Message) {
	if r.authValidator != nil && !r.authValidator(msg.Token) {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrForbidden, "invalid or missing token")
		return
	}

	sess.Name = ""
	sess.Features = msg.Features
	sess.Activate()

	r.send(sess, claspwire.Message{
		Code:       claspwire.CodeWelcome,
		RouterName: r.cfg.Name,
		RouterTime: r.clock.NowMicros(),
		Features:   msg.Features,
	}, claspwire.QoSConfirm)
}

// --- SUBSCRIBE / UNSUBSCRIBE -------------------------------------------------

func (r *Router) handleSubscribe(sess *session.Session, msg claspwire.Message) {
	pattern, err := claspaddr.ParsePattern(msg.Pattern, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength)
	if err != nil {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "bad pattern: "+err.Error())
		return
	}
	if !sess.ReserveSubscription() {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBufferOverflow, "max_subscriptions_per_session exceeded")
		return
	}

	subID := sess.NextSubscriptionID()
	r.subs.Subscribe(subindex.Subscription{
		Session: sess.ID,
		SubID:   subID,
		Pattern: pattern,
		Options: msg.SubOpts,
	})

	r.send(sess, claspwire.Message{
		Code:           claspwire.CodeAck,
		HasCorrelation: msg.HasCorrelation,
		CorrelationID:  msg.CorrelationID,
		SubID:          uint64(subID),
	}, claspwire.QoSConfirm)

	if msg.SubOpts.History >= 1 {
		r.sendSnapshot(sess, func(addr string) bool {
			a, err := claspaddr.Parse(addr, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength)
			if err != nil {
				return false
			}
			return claspaddr.Matches(pattern, a)
		})
	}
}

func (r *Router) handleUnsubscribe(sess *session.Session, msg claspwire.Message) {
	r.subs.Unsubscribe(sess.ID, claspid.SubscriptionID(msg.SubID))
	sess.ReleaseSubscription()
	r.send(sess, claspwire.Message{
		Code:           claspwire.CodeAck,
		HasCorrelation: msg.HasCorrelation,
		CorrelationID:  msg.CorrelationID,
		SubID:          msg.SubID,
	}, claspwire.QoSConfirm)
}

// --- SET ---------------------------------------------------------------------

func (r *Router) handleSet(sess *session.Session, msg claspwire.Message) {
	if _, err := claspaddr.Parse(msg.Address, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength); err != nil {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "bad address: "+err.Error())
		return
	}

	rec, err := r.store.Set(msg.Address, msg.Value, msg.SetOpts.ExpectedRevision, sess.ID,
		store.LockOp{Lock: msg.SetOpts.Lock, Unlock: msg.SetOpts.Unlock}, r.clock.NowMicros())
	if err != nil {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, setErrToWireCode(err), err.Error())
		return
	}

	committed := claspwire.Message{
		Code:     claspwire.CodeSet,
		Address:  msg.Address,
		Value:    rec.Value,
		Revision: rec.Revision,
	}
	r.fanout(msg.Address, committed, sess.ID, r.cfg.EchoSET, claspwire.SignalEvent, claspwire.PhaseBegin)
	if r.remoteHook != nil {
		r.remoteHook(msg.Address, committed)
	}
	if r.metrics != nil {
		r.metrics.StoreAddresses.Set(float64(r.store.Count()))
	}

	r.send(sess, claspwire.Message{
		Code:           claspwire.CodeAck,
		HasCorrelation: msg.HasCorrelation,
		CorrelationID:  msg.CorrelationID,
		Revision:       rec.Revision,
	}, claspwire.QoSConfirm)
}

func setErrToWireCode(err error) claspwire.ErrorCode {
	switch err {
	case store.ErrLocked:
		return claspwire.ErrLocked
	case store.ErrConflict:
		return claspwire.ErrRevisionConflict
	case store.ErrAddressSpaceFull:
		return claspwire.ErrResourceExhausted
	default:
		return claspwire.ErrBadRequest
	}
}

// --- GET / Snapshot ------------------------------------------------------------

func (r *Router) handleGet(sess *session.Session, msg claspwire.Message) {
	if msg.Address != "" {
		addr := msg.Address
		r.sendSnapshot(sess, func(a string) bool { return a == addr })
		return
	}
	pattern, err := claspaddr.ParsePattern(msg.Pattern, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength)
	if err != nil {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "bad pattern: "+err.Error())
		return
	}
	r.sendSnapshot(sess, func(addr string) bool {
		a, err := claspaddr.Parse(addr, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength)
		if err != nil {
			return false
		}
		return claspaddr.Matches(pattern, a)
	})
}

func (r *Router) sendSnapshot(sess *session.Session, match func(string) bool) {
	chunks := r.snapEngine.Build(match)
	for _, c := range chunks {
		entries := make([]claspwire.SnapshotEntry, len(c.Entries))
		for i, e := range c.Entries {
			entries[i] = claspwire.SnapshotEntry{Address: e.Address, Value: e.Value, Revision: e.Revision}
		}
		msg := claspwire.Message{
			Code:             claspwire.CodeSnapshot,
			HasSnapshotID:    c.HasID,
			SnapshotID:       c.ID,
			SnapshotSeq:      uint64(c.Sequence),
			SnapshotTerminal: c.Terminal,
			SnapshotEntries:  entries,
		}
		r.send(sess, msg, claspwire.QoSConfirm)
		if r.metrics != nil {
			r.metrics.SnapshotChunksSentTotal.Inc()
		}
	}
}

// --- PUBLISH -------------------------------------------------------------------

// handlePublish fans a PUBLISH out directly, except for SignalGesture
// traffic on a session with coalescing enabled, which is submitted to that
// session's Coalescer instead so high-rate move samples collapse to one
// fanout per tick (component 5).
func (r *Router) handlePublish(sess *session.Session, msg claspwire.Message) {
	if r.cfg.GestureCoalescing && msg.SigKind == claspwire.SignalGesture {
		r.coalesceMu.Lock()
		sc, ok := r.coalescers[sess.ID]
		r.coalesceMu.Unlock()
		if ok {
			sc.c.Submit(msg)
			return
		}
	}

	r.fanout(msg.Address, msg, sess.ID, r.cfg.EchoPUBLISH, msg.SigKind, msg.Signal)
	if r.remoteHook != nil {
		r.remoteHook(msg.Address, msg)
	}
}

// --- BUNDLE ----------------------------------------------------------------------

func (r *Router) handleBundle(sess *session.Session, msg claspwire.Message) {
	if len(msg.Bundle) == 0 {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "bundle must contain at least one op")
		return
	}
	if r.cfg.MaxBundleSize > 0 && len(msg.Bundle) > r.cfg.MaxBundleSize {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrResourceExhausted, "bundle exceeds max_bundle_size")
		return
	}

	ops := make([]bundle.SetOp, 0, len(msg.Bundle))
	for _, sub := range msg.Bundle {
		if sub.Code != claspwire.CodeSet {
			r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "bundle sub-message must be SET")
			return
		}
		ops = append(ops, bundle.SetOp{
			Address:          sub.Address,
			Value:            sub.Value,
			ExpectedRevision: sub.SetOpts.ExpectedRevision,
			LockOp:           store.LockOp{Lock: sub.SetOpts.Lock, Unlock: sub.SetOpts.Unlock},
		})
	}

	apply := func(applied []store.Record, err error) {
		if err != nil {
			if r.metrics != nil {
				r.metrics.BundleExecutionsTotal.WithLabelValues("error").Inc()
			}
			r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, setErrToWireCode(err), err.Error())
			return
		}
		if r.metrics != nil {
			r.metrics.BundleExecutionsTotal.WithLabelValues("committed").Inc()
		}
		for _, rec := range applied {
			committed := claspwire.Message{
				Code:     claspwire.CodeSet,
				Address:  rec.Address,
				Value:    rec.Value,
				Revision: rec.Revision,
			}
			r.fanout(rec.Address, committed, sess.ID, r.cfg.EchoSET, claspwire.SignalEvent, claspwire.PhaseBegin)
			if r.remoteHook != nil {
				r.remoteHook(rec.Address, committed)
			}
		}
		r.send(sess, claspwire.Message{
			Code:           claspwire.CodeAck,
			HasCorrelation: msg.HasCorrelation,
			CorrelationID:  msg.CorrelationID,
		}, claspwire.QoSConfirm)
	}

	now := r.clock.NowMicros()
	if msg.ExecuteAt > now {
		r.bundleSched.Schedule(msg.ExecuteAt, sess.ID, ops, apply)
		return
	}
	applied, err := r.bundleExec.Execute(sess.ID, ops, now)
	apply(applied, err)
}

// --- SYNC / PING -----------------------------------------------------------------

func (r *Router) handleSync(sess *session.Session, msg claspwire.Message) {
	t1, t2 := r.clock.Sync(msg)
	t3 := r.clock.NowMicros() // stamped just before handing off to the transport
	r.send(sess, claspwire.Message{Code: claspwire.CodeSync, T1: t1, T2: t2, T3: t3}, claspwire.QoSFire)
}

func (r *Router) handlePing(sess *session.Session, msg claspwire.Message, timestamp int64) {
	r.sendFrame(sess, claspwire.Message{Code: claspwire.CodePong}, claspwire.QoSFire, true, timestamp)
}

// --- QUERY / ANNOUNCE --------------------------------------------------------------

func (r *Router) handleAnnounce(sess *session.Session, msg claspwire.Message) {
	if msg.Address == "" {
		return
	}
	r.announceMu.Lock()
	r.announced[msg.Address] = struct{}{}
	r.announceMu.Unlock()
}

func (r *Router) handleQuery(sess *session.Session, msg claspwire.Message) {
	pattern, err := claspaddr.ParsePattern(msg.Pattern, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength)
	if err != nil {
		r.sendError(sess, msg.CorrelationID, msg.HasCorrelation, claspwire.ErrBadRequest, "bad pattern: "+err.Error())
		return
	}

	r.announceMu.Lock()
	var matched []string
	for addr := range r.announced {
		a, err := claspaddr.Parse(addr, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength)
		if err != nil {
			continue
		}
		if claspaddr.Matches(pattern, a) {
			matched = append(matched, addr)
		}
	}
	r.announceMu.Unlock()

	r.send(sess, claspwire.Message{
		Code:           claspwire.CodeResult,
		HasCorrelation: msg.HasCorrelation,
		CorrelationID:  msg.CorrelationID,
		Features:       matched,
	}, claspwire.QoSConfirm)
}

// --- Fanout (§4.9) -------------------------------------------------------------------

// fanout resolves addr's subscribers, dedupes by session, applies
// per-subscription filters, and enqueues onto each target's outbound queue.
func (r *Router) fanout(addr string, msg claspwire.Message, origin claspid.SessionID, echo bool, sigKind claspwire.SignalType, phase claspwire.GesturePhase) {
	a, err := claspaddr.Parse(addr, r.cfg.MaxAddressDepth, r.cfg.MaxAddressLength)
	if err != nil {
		return
	}
	matches := r.subs.Resolve(a)
	if len(matches) == 0 {
		return
	}

	strictest := make(map[claspid.SessionID]subindex.Subscription, len(matches))
	for _, m := range matches {
		if m.Session == origin && !echo {
			continue
		}
		cur, ok := strictest[m.Session]
		if !ok || stricter(m.Options, cur.Options) {
			strictest[m.Session] = m
		}
	}

	for sessID, sub := range strictest {
		r.mu.RLock()
		target := r.sessions[sessID]
		r.mu.RUnlock()
		if target == nil {
			continue
		}
		if !r.passesFilters(sub, sigKind, msg.Value) {
			continue
		}
		r.send(target, msg, claspwire.QoSFire)
		if r.metrics != nil {
			r.metrics.FanoutTargetsTotal.Inc()
		}
	}
}

// stricter reports whether a's filters are strictly more restrictive than
// b's (a type filter over none, a lower non-zero max_rate, or a higher
// epsilon wins; equal filters report false);
// used to collapse multiple matching subscriptions on one session (§4.9
// step 2) into the single strictest delivery policy.
func stricter(a, b claspwire.SubscribeOptions) bool {
	if len(a.Types) != 0 && len(b.Types) == 0 {
		return true
	}
	if a.MaxRate > 0 && (b.MaxRate == 0 || a.MaxRate < b.MaxRate) {
		return true
	}
	return a.Epsilon > b.Epsilon
}

func (r *Router) passesFilters(sub subindex.Subscription, sigKind claspwire.SignalType, val claspvalue.Value) bool {
	if len(sub.Options.Types) > 0 {
		found := false
		for _, t := range sub.Options.Types {
			if t == sigKind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	key := filterKey{session: sub.Session, subID: sub.SubID}
	r.filterMu.Lock()
	fs, ok := r.filters[key]
	if !ok {
		fs = &subFilterState{}
		if sub.Options.MaxRate > 0 {
			fs.limiter = rate.NewLimiter(rate.Limit(sub.Options.MaxRate), int(math.Max(1, sub.Options.MaxRate)))
		}
		r.filters[key] = fs
	}
	r.filterMu.Unlock()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.limiter != nil && !fs.limiter.Allow() {
		return false
	}
	if sub.Options.Epsilon > 0 && val.IsScalar() {
		if f, ok := val.AsFloat64(); ok {
			if fs.haveScalar && math.Abs(f-fs.lastScalar) < sub.Options.Epsilon {
				return false
			}
			fs.lastScalar = f
			fs.haveScalar = true
		}
	}
	return true
}

// --- outbound helpers ----------------------------------------------------------------

func (r *Router) send(sess *session.Session, msg claspwire.Message, qos claspwire.QoS) {
	r.sendFrame(sess, msg, qos, false, 0)
}

func (r *Router) sendFrame(sess *session.Session, msg claspwire.Message, qos claspwire.QoS, hasTimestamp bool, timestamp int64) {
	body := claspwire.EncodeMessage(msg)
	frame := claspwire.EncodeFrame(claspwire.Frame{QoS: qos, HasTimestamp: hasTimestamp, Timestamp: timestamp, Body: body})
	r.enqueueFrame(sess, frame, qos)
}

// enqueueFrame applies the QoS-appropriate backpressure policy (§4.4, §7):
// Fire drops the newest frame on a full queue; Confirm/Commit get one
// non-blocking attempt and, on overflow, a rate-limited ERROR 503 notice.
func (r *Router) enqueueFrame(target *session.Session, frame []byte, qos claspwire.QoS) {
	if qos == claspwire.QoSFire {
		target.EnqueueFire(frame)
		return
	}

	if err := target.EnqueueNonBlocking(frame); err != nil {
		if target.ShouldNotifyOverflow() {
			overflowBody := claspwire.EncodeMessage(claspwire.Message{
				Code:    claspwire.CodeError,
				ErrCode: claspwire.ErrBufferOverflow,
				ErrMsg:  "outbound buffer overflow",
			})
			overflowFrame := claspwire.EncodeFrame(claspwire.Frame{QoS: claspwire.QoSFire, Body: overflowBody})
			target.EnqueueFire(overflowFrame)
			if r.metrics != nil {
				r.metrics.OutboundQueueOverflowTotal.Inc()
			}
		}
	}
}

func (r *Router) sendError(sess *session.Session, correlationID uint64, hasCorrelation bool, code claspwire.ErrorCode, message string) {
	r.send(sess, claspwire.Message{
		Code:           claspwire.CodeError,
		HasCorrelation: hasCorrelation,
		CorrelationID:  correlationID,
		ErrCode:        code,
		ErrMsg:         message,
	}, claspwire.QoSConfirm)
}
