// Package tcpadapter implements a transport.Adapter over a raw TCP
// connection, framing the wire with claspwire's own length-prefixed format
// rather than layering WebSocket on top. Grounded in the teacher's
// listener-accept-loop shape (net.Listen, per-connection goroutine,
// read/write deadlines) generalized from a WS upgrade to a bare socket.
package tcpadapter

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/clasp-proto/claspd/internal/claspwire"
	"github.com/clasp-proto/claspd/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	idleReadWait   = 60 * time.Second
	defaultMaxBody = 1 << 20
)

// Adapter wraps one raw TCP connection, speaking claspwire frames directly.
type Adapter struct {
	conn    net.Conn
	peerID  string
	maxBody int
}

// New wraps conn with the given maximum accepted frame body size (0 uses
// defaultMaxBody).
func New(conn net.Conn, maxBody int) *Adapter {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Adapter{conn: conn, peerID: conn.RemoteAddr().String(), maxBody: maxBody}
}

// Recv delimits and returns exactly one already-encoded claspwire frame
// (header and body together, matching what TrySend expects back from the
// router) by decoding the header off the stream and re-serializing it.
func (a *Adapter) Recv(ctx context.Context) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(idleReadWait)
	}
	if err := a.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	frame, err := claspwire.DecodeFrame(a.conn, a.maxBody)
	if err != nil {
		return nil, err
	}
	return claspwire.EncodeFrame(frame), nil
}

// TrySend writes an already wire-encoded claspwire frame directly; raw TCP
// has no framing layer of its own, so claspwire's own header IS the
// transport framing. A write timeout reports SendWouldBlock; any other
// error reports SendClosed.
func (a *Adapter) TrySend(frame []byte) transport.SendResult {
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return transport.SendClosed
	}
	if _, err := a.conn.Write(frame); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return transport.SendWouldBlock
		}
		return transport.SendClosed
	}
	return transport.SendOK
}

// Close closes the underlying connection; reason is informational only
// since raw TCP has no close-reason frame of its own.
func (a *Adapter) Close(reason string) error {
	return a.conn.Close()
}

// PeerID returns the remote address of the connection.
func (a *Adapter) PeerID() string { return a.peerID }

var _ transport.Adapter = (*Adapter)(nil)
