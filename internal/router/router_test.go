package router

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clasp-proto/claspd/internal/claspvalue"
	"github.com/clasp-proto/claspd/internal/claspwire"
	"github.com/clasp-proto/claspd/internal/session"
	"github.com/clasp-proto/claspd/internal/telemetry"
	"github.com/clasp-proto/claspd/internal/transport"
)

type fakeTransport struct{ peer string }

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, error) { return nil, ctx.Err() }
func (f *fakeTransport) TrySend([]byte) transport.SendResult      { return transport.SendOK }
func (f *fakeTransport) Close(string) error                       { return nil }
func (f *fakeTransport) PeerID() string                           { return f.peer }

func newActiveSession(t *testing.T, r *Router, peer string) *session.Session {
	t.Helper()
	id := r.NextSessionID()
	sess := session.New(id, &fakeTransport{peer: peer}, session.Config{
		OutboundQueueMessages: 16,
		OutboundQueueBytes:    1 << 20,
		MaxSubscriptions:      100,
	})
	sess.Activate()
	r.RegisterSession(sess)
	return sess
}

func send(t *testing.T, r *Router, sess *session.Session, msg claspwire.Message) {
	t.Helper()
	body := claspwire.EncodeMessage(msg)
	r.HandleFrame(sess, claspwire.Frame{Body: body})
}

func recv(t *testing.T, sess *session.Session) claspwire.Message {
	t.Helper()
	select {
	case raw := <-sess.Outbound():
		frame, err := claspwire.DecodeFrame(bytes.NewReader(raw), 0)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		msg, err := claspwire.DecodeMessage(frame.Body)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return claspwire.Message{}
	}
}

func recvUntilCode(t *testing.T, sess *session.Session, code claspwire.Code) claspwire.Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := recv(t, sess)
		if msg.Code == code {
			return msg
		}
	}
	t.Fatalf("never saw message code %v", code)
	return claspwire.Message{}
}

// Scenario 1: First write.
func TestScenarioFirstWrite(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(1)})

	ack := recvUntilCode(t, a, claspwire.CodeAck)
	if ack.Revision != 1 {
		t.Fatalf("Revision = %d, want 1", ack.Revision)
	}
}

// Scenario 2: Conflict.
func TestScenarioConflict(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")
	b := newActiveSession(t, r, "b")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(1)})
	recvUntilCode(t, a, claspwire.CodeAck)

	send(t, r, b, claspwire.Message{Code: claspwire.CodeSubscribe, Pattern: "/x"})
	recvUntilCode(t, b, claspwire.CodeAck)

	rev := uint64(1)
	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(2), SetOpts: claspwire.SetOptions{ExpectedRevision: &rev}})
	ack := recvUntilCode(t, a, claspwire.CodeAck)
	if ack.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", ack.Revision)
	}
	bMsg := recvUntilCode(t, b, claspwire.CodeSet)
	if bMsg.Address != "/x" || bMsg.Revision != 2 {
		t.Fatalf("got %+v", bMsg)
	}

	rev = 1 // stale
	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(3), SetOpts: claspwire.SetOptions{ExpectedRevision: &rev}})
	errMsg := recvUntilCode(t, a, claspwire.CodeError)
	if errMsg.ErrCode != claspwire.ErrRevisionConflict {
		t.Fatalf("ErrCode = %v, want ErrRevisionConflict", errMsg.ErrCode)
	}
}

// Scenario 3: Lock.
func TestScenarioLock(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")
	b := newActiveSession(t, r, "b")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(10), SetOpts: claspwire.SetOptions{Lock: true}})
	ack := recvUntilCode(t, a, claspwire.CodeAck)
	if ack.Revision != 1 {
		t.Fatalf("Revision = %d, want 1", ack.Revision)
	}

	send(t, r, b, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(11)})
	errMsg := recvUntilCode(t, b, claspwire.CodeError)
	if errMsg.ErrCode != claspwire.ErrLocked {
		t.Fatalf("ErrCode = %v, want ErrLocked", errMsg.ErrCode)
	}

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(12), SetOpts: claspwire.SetOptions{Unlock: true}})
	ack = recvUntilCode(t, a, claspwire.CodeAck)
	if ack.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", ack.Revision)
	}

	send(t, r, b, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(13)})
	ack = recvUntilCode(t, b, claspwire.CodeAck)
	if ack.Revision != 3 {
		t.Fatalf("Revision = %d, want 3", ack.Revision)
	}
}

// Scenario 4: Wildcard fanout.
func TestScenarioWildcardFanout(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")
	b := newActiveSession(t, r, "b")

	send(t, r, b, claspwire.Message{Code: claspwire.CodeSubscribe, Pattern: "/lights/**"})
	recvUntilCode(t, b, claspwire.CodeAck)

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/lights/front/opacity", Value: claspvalue.Float(0.5)})
	recvUntilCode(t, a, claspwire.CodeAck)
	got := recvUntilCode(t, b, claspwire.CodeSet)
	if got.Address != "/lights/front/opacity" {
		t.Fatalf("got %+v", got)
	}

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/lights", Value: claspvalue.String("off")})
	recvUntilCode(t, a, claspwire.CodeAck)
	got = recvUntilCode(t, b, claspwire.CodeSet)
	if got.Address != "/lights" {
		t.Fatalf("got %+v", got)
	}
}

// Scenario 5: Atomic bundle failure leaves nothing applied and no fanout.
func TestScenarioAtomicBundleFailure(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")
	c := newActiveSession(t, r, "c")

	send(t, r, c, claspwire.Message{Code: claspwire.CodeSubscribe, Pattern: "/scene/**"})
	recvUntilCode(t, c, claspwire.CodeAck)

	stale := uint64(99)
	send(t, r, a, claspwire.Message{
		Code: claspwire.CodeBundle,
		Bundle: []claspwire.Message{
			{Code: claspwire.CodeSet, Address: "/scene/a", Value: claspvalue.Int(1)},
			{Code: claspwire.CodeSet, Address: "/scene/b", Value: claspvalue.Int(2), SetOpts: claspwire.SetOptions{ExpectedRevision: &stale}},
		},
	})

	errMsg := recvUntilCode(t, a, claspwire.CodeError)
	if errMsg.ErrCode != claspwire.ErrRevisionConflict {
		t.Fatalf("ErrCode = %v, want ErrRevisionConflict", errMsg.ErrCode)
	}

	select {
	case got := <-c.Outbound():
		t.Fatalf("expected no fanout to C, got %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// Scenario 6: Late joiner receives WELCOME, then SNAPSHOT chunks.
func TestScenarioLateJoinerSnapshot(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")
	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/a", Value: claspvalue.Int(1)})
	recvUntilCode(t, a, claspwire.CodeAck)
	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/b", Value: claspvalue.Int(2)})
	recvUntilCode(t, a, claspwire.CodeAck)

	d := session.New(r.NextSessionID(), &fakeTransport{peer: "d"}, session.Config{OutboundQueueMessages: 16, MaxSubscriptions: 10})
	send(t, r, d, claspwire.Message{Code: claspwire.CodeHello, ClientVersion: "1"})
	recvUntilCode(t, d, claspwire.CodeWelcome)
	d.Activate()
	r.RegisterSession(d)

	send(t, r, d, claspwire.Message{Code: claspwire.CodeSubscribe, Pattern: "/**", SubOpts: claspwire.SubscribeOptions{History: 1}})
	recvUntilCode(t, d, claspwire.CodeAck)

	snap := recvUntilCode(t, d, claspwire.CodeSnapshot)
	seen := map[string]uint64{}
	for _, e := range snap.SnapshotEntries {
		seen[e.Address] = e.Revision
	}
	for !snap.SnapshotTerminal {
		snap = recvUntilCode(t, d, claspwire.CodeSnapshot)
		for _, e := range snap.SnapshotEntries {
			seen[e.Address] = e.Revision
		}
	}
	if seen["/a"] != 1 || seen["/b"] != 1 {
		t.Fatalf("got %v, want /a and /b at revision 1", seen)
	}
}

func TestEmptyBundleIsRejected(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeBundle})
	errMsg := recvUntilCode(t, a, claspwire.CodeError)
	if errMsg.ErrCode != claspwire.ErrBadRequest {
		t.Fatalf("ErrCode = %v, want ErrBadRequest", errMsg.ErrCode)
	}
}

func TestBundleOverMaxSizeIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBundleSize = 2
	r := New(cfg)
	a := newActiveSession(t, r, "a")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeBundle, Bundle: []claspwire.Message{
		{Code: claspwire.CodeSet, Address: "/a", Value: claspvalue.Int(1)},
		{Code: claspwire.CodeSet, Address: "/b", Value: claspvalue.Int(2)},
		{Code: claspwire.CodeSet, Address: "/c", Value: claspvalue.Int(3)},
	}})
	errMsg := recvUntilCode(t, a, claspwire.CodeError)
	if errMsg.ErrCode != claspwire.ErrResourceExhausted {
		t.Fatalf("ErrCode = %v, want ErrResourceExhausted", errMsg.ErrCode)
	}
}

func TestBundleAtMaxSizeIsAccepted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBundleSize = 2
	r := New(cfg)
	a := newActiveSession(t, r, "a")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeBundle, Bundle: []claspwire.Message{
		{Code: claspwire.CodeSet, Address: "/a", Value: claspvalue.Int(1)},
		{Code: claspwire.CodeSet, Address: "/b", Value: claspvalue.Int(2)},
	}})
	recvUntilCode(t, a, claspwire.CodeAck)
}

func TestSetRejectedOnceAddressSpaceFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAddresses = 1
	r := New(cfg)
	a := newActiveSession(t, r, "a")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(1)})
	recvUntilCode(t, a, claspwire.CodeAck)

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/y", Value: claspvalue.Int(1)})
	errMsg := recvUntilCode(t, a, claspwire.CodeError)
	if errMsg.ErrCode != claspwire.ErrResourceExhausted {
		t.Fatalf("ErrCode = %v, want ErrResourceExhausted", errMsg.ErrCode)
	}

	// A write to the already-existing address must still succeed.
	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(2)})
	ack := recvUntilCode(t, a, claspwire.CodeAck)
	if ack.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", ack.Revision)
	}
}

func TestHandshakeRejectsSubscribeBeforeHello(t *testing.T) {
	r := New(DefaultConfig())
	id := r.NextSessionID()
	sess := session.New(id, &fakeTransport{peer: "x"}, session.Config{OutboundQueueMessages: 4})
	r.RegisterSession(sess)

	send(t, r, sess, claspwire.Message{Code: claspwire.CodeSubscribe, Pattern: "/a"})
	errMsg := recvUntilCode(t, sess, claspwire.CodeError)
	if errMsg.ErrCode != claspwire.ErrBadRequest {
		t.Fatalf("ErrCode = %v, want ErrBadRequest", errMsg.ErrCode)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeUnsubscribe, SubID: 9999})
	ack := recvUntilCode(t, a, claspwire.CodeAck)
	if ack.SubID != 9999 {
		t.Fatalf("got %+v", ack)
	}
}

func TestPingEchoesTimestamp(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")

	body := claspwire.EncodeMessage(claspwire.Message{Code: claspwire.CodePing})
	r.HandleFrame(a, claspwire.Frame{HasTimestamp: true, Timestamp: 123456, Body: body})

	raw := <-a.Outbound()
	decoded, err := claspwire.DecodeFrame(bytes.NewReader(raw), 0)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !decoded.HasTimestamp || decoded.Timestamp != 123456 {
		t.Fatalf("got %+v, want echoed timestamp 123456", decoded)
	}
}

func TestAnnounceThenQuery(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")
	b := newActiveSession(t, r, "b")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeAnnounce, Address: "/mqtt/sensors/temp"})
	send(t, r, b, claspwire.Message{Code: claspwire.CodeQuery, Pattern: "/mqtt/**"})

	result := recvUntilCode(t, b, claspwire.CodeResult)
	if len(result.Features) != 1 || result.Features[0] != "/mqtt/sensors/temp" {
		t.Fatalf("got %+v", result)
	}
}

func TestCloseSessionReleasesLocksAndSubscriptions(t *testing.T) {
	r := New(DefaultConfig())
	a := newActiveSession(t, r, "a")
	b := newActiveSession(t, r, "b")

	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(1), SetOpts: claspwire.SetOptions{Lock: true}})
	recvUntilCode(t, a, claspwire.CodeAck)
	send(t, r, b, claspwire.Message{Code: claspwire.CodeSubscribe, Pattern: "/x"})
	recvUntilCode(t, b, claspwire.CodeAck)

	r.RemoveSession(a.ID)

	// Lock released: a write from b (now a different session id) must succeed.
	send(t, r, b, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(2)})
	ack := recvUntilCode(t, b, claspwire.CodeAck)
	if ack.Revision != 2 {
		t.Fatalf("Revision = %d, want 2 (lock should have been released on close)", ack.Revision)
	}

	// b's own subscription to /x is unaffected by a's removal, so it still
	// receives its own echoed SET (EchoSET defaults on); confirm no leak from
	// a's removed subscription (none was ever set) by checking no duplicate.
	select {
	case extra := <-b.Outbound():
		t.Fatalf("unexpected extra message after ack: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAuthValidatorRejectsHelloWithBadToken(t *testing.T) {
	r := New(DefaultConfig())
	r.SetAuthValidator(func(token string) bool { return token == "good" })

	id := r.NextSessionID()
	sess := session.New(id, &fakeTransport{peer: "a"}, session.Config{OutboundQueueMessages: 4, OutboundQueueBytes: 1 << 16})
	r.RegisterSession(sess)

	r.HandleFrame(sess, claspwire.Frame{Body: claspwire.EncodeMessage(claspwire.Message{Code: claspwire.CodeHello, Token: "bad"})})
	got := recvUntilCode(t, sess, claspwire.CodeError)
	if got.ErrCode != claspwire.ErrForbidden {
		t.Fatalf("ErrCode = %v, want ErrForbidden", got.ErrCode)
	}
	if sess.State() != session.StateHandshaking {
		t.Fatalf("State = %v, want still Handshaking after a rejected HELLO", sess.State())
	}

	r.HandleFrame(sess, claspwire.Frame{Body: claspwire.EncodeMessage(claspwire.Message{Code: claspwire.CodeHello, Token: "good"})})
	recvUntilCode(t, sess, claspwire.CodeWelcome)
	if sess.State() != session.StateActive {
		t.Fatalf("State = %v, want Active after a valid HELLO", sess.State())
	}
}

func TestGestureCoalescingCollapsesMoveSamplesPerTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GestureCoalescing = true
	cfg.GestureCoalesceInterval = 15 * time.Millisecond
	r := New(cfg)
	a := newActiveSession(t, r, "a")
	b := newActiveSession(t, r, "b")

	send(t, r, b, claspwire.Message{Code: claspwire.CodeSubscribe, Pattern: "/gesture/drag"})
	recvUntilCode(t, b, claspwire.CodeAck)

	publish := func(phase claspwire.GesturePhase, pos int64) {
		r.HandleFrame(a, claspwire.Frame{Body: claspwire.EncodeMessage(claspwire.Message{
			Code: claspwire.CodePublish, Address: "/gesture/drag", SigKind: claspwire.SignalGesture,
			Signal: phase, GestureID: "g1", Value: claspvalue.Int(pos),
		})})
	}

	publish(claspwire.PhaseBegin, 0)
	begin := recvUntilCode(t, b, claspwire.CodePublish)
	if begin.Signal != claspwire.PhaseBegin {
		t.Fatalf("expected begin phase first, got %+v", begin)
	}

	publish(claspwire.PhaseMove, 1)
	publish(claspwire.PhaseMove, 2)
	publish(claspwire.PhaseMove, 3)

	move := recvUntilCode(t, b, claspwire.CodePublish)
	if move.Signal != claspwire.PhaseMove {
		t.Fatalf("expected a move phase, got %+v", move)
	}
	if move.Value.Int != 3 {
		t.Fatalf("Value.Int = %d, want 3 (only the latest move sample should survive coalescing)", move.Value.Int)
	}

	select {
	case extra := <-b.Outbound():
		t.Fatalf("expected only one coalesced move sample, got extra: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMetricsCountSessionsAndDispatchedMessages(t *testing.T) {
	r := New(DefaultConfig())
	m := telemetry.NewMetrics()
	r.SetMetrics(m)

	a := newActiveSession(t, r, "a")
	send(t, r, a, claspwire.Message{Code: claspwire.CodeSet, Address: "/x", Value: claspvalue.Int(1)})
	recvUntilCode(t, a, claspwire.CodeAck)

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 1 {
		t.Fatalf("SessionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StoreAddresses); got != 1 {
		t.Fatalf("StoreAddresses = %v, want 1", got)
	}

	r.RemoveSession(a.ID)
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Fatalf("SessionsActive after RemoveSession = %v, want 0", got)
	}
}
