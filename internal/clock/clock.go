// Package clock implements the router's monotonic time source and the
// SYNC round-trip handshake (component 8).
package clock

import (
	"time"

	"github.com/clasp-proto/claspd/internal/claspwire"
)

// Clock serves microseconds since an arbitrary but stable epoch chosen at
// router start. It is never adjusted by client input and never jumps with
// the wall clock, since it is derived from time.Now()'s monotonic reading.
type Clock struct {
	start time.Time
}

// New creates a Clock whose epoch is the moment of construction.
func New() *Clock {
	return &Clock{start: time.Now()}
}

// NowMicros returns router time in microseconds since the epoch.
func (c *Clock) NowMicros() int64 {
	return time.Since(c.start).Microseconds()
}

// Sync answers a SYNC request. t1 is the client's send timestamp carried in
// the request; t2 is stamped on arrival (just before this call returns to
// the caller, which is expected to call it immediately on receipt) and t3
// is stamped by the caller just before writing the reply to the transport.
// The caller supplies t3 itself since only it knows when the write
// actually happens; Sync here only fixes t2.
func (c *Clock) Sync(req claspwire.Message) (t1, t2 int64) {
	return req.T1, c.NowMicros()
}
