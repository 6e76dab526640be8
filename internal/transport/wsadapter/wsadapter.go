// Package wsadapter implements a transport.Adapter over a raw WebSocket
// connection, using the same gobwas/ws upgrade-then-pump shape the teacher
// uses in its connection handler, but exposing pre-encoded clasp frames
// instead of JSON messages.
package wsadapter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/clasp-proto/claspd/internal/transport"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Adapter wraps one upgraded WebSocket connection.
type Adapter struct {
	conn   net.Conn
	peerID string
}

// Upgrade performs the HTTP-to-WebSocket handshake and wraps the resulting
// connection as a transport.Adapter.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Adapter, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an already-upgraded connection.
func New(conn net.Conn) *Adapter {
	return &Adapter{conn: conn, peerID: conn.RemoteAddr().String()}
}

// Recv blocks for the next client data frame, skipping control frames that
// wsutil doesn't already answer on the peer's behalf (pings are auto-ponged
// by the library's default state).
func (a *Adapter) Recv(ctx context.Context) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(pongWait)
	}
	if err := a.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		msg, op, err := wsutil.ReadClientData(a.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpBinary, ws.OpText:
			return msg, nil
		case ws.OpClose:
			return nil, io.EOF
		}
		// OpPing/OpPong: wsutil's default reader already answers these;
		// loop for the next data frame.
	}
}

// TrySend writes one pre-framed clasp message as a binary WebSocket frame.
// A write-deadline timeout is reported as SendWouldBlock so the router's
// backpressure policy (not this adapter) decides whether to drop or retry.
func (a *Adapter) TrySend(frame []byte) transport.SendResult {
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return transport.SendClosed
	}
	if err := wsutil.WriteServerMessage(a.conn, ws.OpBinary, frame); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return transport.SendWouldBlock
		}
		return transport.SendClosed
	}
	return transport.SendOK
}

// Close sends a WebSocket close frame (best effort) and closes the socket.
func (a *Adapter) Close(reason string) error {
	_ = wsutil.WriteServerMessage(a.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, reason))
	return a.conn.Close()
}

// PeerID returns the remote address of the underlying connection.
func (a *Adapter) PeerID() string { return a.peerID }

var _ transport.Adapter = (*Adapter)(nil)
