// Package peering bridges multiple router instances over NATS, so a
// cluster sharded by address hash can still fan a committed SET or PUBLISH
// out to sessions connected to a sibling instance, grounded in the pack's
// direct nats.Connect usage.
package peering

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/clasp-proto/claspd/internal/claspvalue"
	"github.com/clasp-proto/claspd/internal/claspwire"
)

// wireEnvelope is the JSON shape published to NATS. It carries enough of
// claspwire.Message to rebuild a fanout-ready Message on the receiving
// side, plus the originating instance so a router never re-publishes a
// message it just received back onto the bridge.
type wireEnvelope struct {
	Origin   string           `json:"origin"`
	Address  string           `json:"address"`
	Code     claspwire.Code   `json:"code"`
	Value    claspvalue.Value `json:"value"`
	Revision uint64           `json:"revision"`
}

// Bridge republishes locally committed updates to a NATS subject and
// replays updates published by sibling instances back into the local
// router via Apply.
type Bridge struct {
	conn       *nats.Conn
	subject    string
	instanceID string
	logger     zerolog.Logger
	sub        *nats.Subscription

	apply func(addr string, msg claspwire.Message)
}

// Config configures a Bridge.
type Config struct {
	URL           string
	Subject       string
	InstanceID    string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Connect dials NATS and subscribes to cfg.Subject. apply is called for
// every update published by a different instance; it should be
// (*router.Router).ApplyRemote.
func Connect(cfg Config, logger zerolog.Logger, apply func(addr string, msg claspwire.Message)) (*Bridge, error) {
	b := &Bridge{subject: cfg.Subject, instanceID: cfg.InstanceID, logger: logger, apply: apply}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("peering: connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("peering: disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("peering: reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("peering: NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("peering: connect to NATS: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, b.onMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peering: subscribe to %s: %w", cfg.Subject, err)
	}
	b.sub = sub

	logger.Info().Str("subject", cfg.Subject).Str("instance", cfg.InstanceID).Msg("peering bridge ready")
	return b, nil
}

func (b *Bridge) onMessage(m *nats.Msg) {
	var env wireEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		b.logger.Warn().Err(err).Msg("peering: dropping malformed envelope")
		return
	}
	if env.Origin == b.instanceID {
		return // our own publish, looped back by the subject's other subscribers
	}
	b.apply(env.Address, claspwire.Message{
		Code:     env.Code,
		Address:  env.Address,
		Value:    env.Value,
		Revision: env.Revision,
	})
}

// Publish republishes a locally committed SET/PUBLISH to sibling
// instances. Wire it as (*router.Router).SetRemoteHook.
func (b *Bridge) Publish(addr string, msg claspwire.Message) {
	env := wireEnvelope{
		Origin:   b.instanceID,
		Address:  addr,
		Code:     msg.Code,
		Value:    msg.Value,
		Revision: msg.Revision,
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error().Err(err).Str("address", addr).Msg("peering: failed to marshal envelope")
		return
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		b.logger.Error().Err(err).Str("address", addr).Msg("peering: failed to publish")
	}
}

// Subject builds a per-address-prefix peering subject, so a sharded cluster
// can scope fanout traffic to the shard that owns a given address prefix
// instead of broadcasting every update to every instance.
func Subject(base, addressPrefix string) string {
	trimmed := strings.Trim(addressPrefix, "/")
	if trimmed == "" {
		return base
	}
	return base + "." + strings.ReplaceAll(trimmed, "/", ".")
}

// IsConnected reports whether the underlying NATS connection is up.
func (b *Bridge) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close unsubscribes and closes the NATS connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
