// Package kafkabridge consumes an external Kafka/Redpanda topic and
// republishes each record as a PUBLISH under a configured address prefix,
// driving the router through a synthetic session exactly like a WS or TCP
// connection would (component 10, Transport Adapter Contract). Grounded in
// the teacher's kafka.Consumer/ConsumerConfig/processRecord shape
// (ws/internal/shared/kafka/consumer.go), generalized from broadcasting
// into a token-scoped fanout map to driving the router's own PUBLISH path.
package kafkabridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clasp-proto/claspd/internal/claspvalue"
	"github.com/clasp-proto/claspd/internal/claspwire"
	"github.com/clasp-proto/claspd/internal/router"
	"github.com/clasp-proto/claspd/internal/session"
	"github.com/clasp-proto/claspd/internal/transport"
)

// ResourceGuard is the subset of platform.ResourceGuard the bridge needs,
// matching the teacher's own two-layer ResourceGuard interface in
// ws/internal/shared/kafka/consumer.go (rate limit, then CPU brake).
type ResourceGuard interface {
	AllowKafkaMessage() (allow bool, waitDuration time.Duration)
	ShouldPauseKafkaIngest() bool
}

// Config configures a Bridge.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string

	// AddressPrefix is prepended to each topic to form the PUBLISH
	// address, e.g. "/kafka" + "/" + "odin.trades".
	AddressPrefix string

	OutboundQueueMessages int
	OutboundQueueBytes    int
	FrameQueueDepth       int // buffered frames awaiting pump; 0 uses a default
}

const defaultFrameQueueDepth = 256

// adapter is the transport.Adapter the bridge's synthetic session reads
// from; Recv yields pre-encoded PUBLISH frames produced off Kafka records,
// TrySend discards router replies since nothing is listening on the other
// end, and Close unblocks a pending Recv.
type adapter struct {
	frames chan []byte
	done   chan struct{}
}

func newAdapter(depth int) *adapter {
	if depth <= 0 {
		depth = defaultFrameQueueDepth
	}
	return &adapter{frames: make(chan []byte, depth), done: make(chan struct{})}
}

func (a *adapter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-a.frames:
		return f, nil
	case <-a.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *adapter) TrySend(frame []byte) transport.SendResult { return transport.SendOK }

func (a *adapter) Close(reason string) error {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	return nil
}

func (a *adapter) PeerID() string { return "kafka-bridge" }

var _ transport.Adapter = (*adapter)(nil)

// Bridge owns a franz-go consumer and the synthetic session it feeds.
type Bridge struct {
	client  *kgo.Client
	logger  zerolog.Logger
	guard   ResourceGuard
	prefix  string
	adapter *adapter
	sess    *session.Session
	cancel  context.CancelFunc

	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// Connect creates the Kafka client and registers a synthetic session with
// r, activating it directly since bridge traffic never speaks HELLO.
func Connect(cfg Config, r *router.Router, guard ResourceGuard, logger zerolog.Logger) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkabridge: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafkabridge: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafkabridge: at least one topic is required")
	}
	if guard == nil {
		return nil, errors.New("kafkabridge: resource guard is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("kafkabridge: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("kafkabridge: partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkabridge: create client: %w", err)
	}

	a := newAdapter(cfg.FrameQueueDepth)
	sess := session.New(r.NextSessionID(), a, session.Config{
		OutboundQueueMessages: cfg.OutboundQueueMessages,
		OutboundQueueBytes:    cfg.OutboundQueueBytes,
	})
	sess.Activate()
	r.RegisterSession(sess)

	b := &Bridge{
		client:  client,
		logger:  logger,
		guard:   guard,
		prefix:  strings.TrimRight(cfg.AddressPrefix, "/"),
		adapter: a,
		sess:    sess,
	}
	return b, nil
}

// Run starts the Kafka poll loop and the pump loop that feeds decoded
// frames into r, both stopping when ctx is canceled or Stop is called.
func (b *Bridge) Run(ctx context.Context, r *router.Router) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go b.consumeLoop(ctx)
	go b.pumpLoop(ctx, r)
}

// Stop cancels both loops, closes the synthetic session's transport, and
// removes it from the router. It blocks until the Kafka client shuts down.
func (b *Bridge) Stop(r *router.Router) {
	if b.cancel != nil {
		b.cancel()
	}
	_ = b.adapter.Close("kafkabridge shutting down")
	r.RemoveSession(b.sess.ID)
	b.client.Close()
}

func (b *Bridge) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := b.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			b.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).
				Msg("kafkabridge: fetch error")
		}

		fetches.EachRecord(func(record *kgo.Record) {
			b.processRecord(record)
		})
	}
}

// processRecord mirrors the teacher's three-layer protection (rate limit,
// CPU brake, then the actual delivery) but delivers by handing a PUBLISH
// frame to the synthetic session's adapter instead of a direct broadcast.
func (b *Bridge) processRecord(record *kgo.Record) {
	allow, wait := b.guard.AllowKafkaMessage()
	if !allow {
		b.dropped.Add(1)
		if d := b.dropped.Load(); d%100 == 0 {
			b.logger.Warn().Uint64("dropped", d).Dur("would_wait", wait).Str("topic", record.Topic).
				Msg("kafkabridge: rate limit exceeded, dropping record")
		}
		return
	}
	if b.guard.ShouldPauseKafkaIngest() {
		b.dropped.Add(1)
		if d := b.dropped.Load(); d%100 == 0 {
			b.logger.Warn().Uint64("dropped", d).Str("topic", record.Topic).
				Msg("kafkabridge: CPU emergency brake, pausing ingest")
		}
		return
	}

	frame, err := b.encodeFrame(record)
	if err != nil {
		b.failed.Add(1)
		b.logger.Warn().Err(err).Str("topic", record.Topic).Msg("kafkabridge: failed to encode record")
		return
	}

	select {
	case b.adapter.frames <- frame:
		b.processed.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn().Str("topic", record.Topic).Msg("kafkabridge: frame queue full, dropping record")
	}
}

func (b *Bridge) encodeFrame(record *kgo.Record) ([]byte, error) {
	address := b.prefix + "/" + record.Topic
	msg := claspwire.Message{
		Code:    claspwire.CodePublish,
		Address: address,
		SigKind: claspwire.SignalEvent,
		Value:   claspvalue.Bytes(record.Value),
	}
	body := claspwire.EncodeMessage(msg)
	return claspwire.EncodeFrame(claspwire.Frame{QoS: claspwire.QoSFire, Body: body}), nil
}

// pumpLoop decodes frames the consumer produced and dispatches them through
// the router exactly as HandleFrame would for a socket-backed session.
func (b *Bridge) pumpLoop(ctx context.Context, r *router.Router) {
	for {
		raw, err := b.adapter.Recv(ctx)
		if err != nil {
			return
		}
		frame, err := claspwire.DecodeFrame(bytes.NewReader(raw), 0)
		if err != nil {
			b.failed.Add(1)
			b.logger.Warn().Err(err).Msg("kafkabridge: failed to decode self-produced frame")
			continue
		}
		r.HandleFrame(b.sess, frame)
	}
}

// Metrics returns the bridge's running counters.
func (b *Bridge) Metrics() (processed, dropped, failed uint64) {
	return b.processed.Load(), b.dropped.Load(), b.failed.Load()
}
