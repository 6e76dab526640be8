package tcpadapter

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/clasp-proto/claspd/internal/claspwire"
)

func TestRecvDelimitsOneFrameFromStream(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	a := New(server, 0)

	want := claspwire.EncodeFrame(claspwire.Frame{QoS: claspwire.QoSConfirm, Body: []byte("payload")})
	go func() {
		_, _ = client.Write(want)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTrySendWritesFrameVerbatim(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	a := New(server, 0)

	frame := claspwire.EncodeFrame(claspwire.Frame{Body: []byte("x")})
	done := make(chan []byte)
	go func() {
		buf := make([]byte, len(frame))
		_, _ = client.Read(buf)
		done <- buf
	}()

	if result := a.TrySend(frame); result.String() != "ok" {
		t.Fatalf("TrySend result = %v, want ok", result)
	}
	got := <-done
	if !bytes.Equal(got, frame) {
		t.Fatalf("got %v, want %v", got, frame)
	}
}

func TestRecvRespectsMaxBody(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	a := New(server, 4)

	big := claspwire.EncodeFrame(claspwire.Frame{Body: bytes.Repeat([]byte{1}, 100)})
	go func() {
		_, _ = client.Write(big)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Recv(ctx); err != claspwire.ErrTooLarge {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestClosePreventsFurtherWrites(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	a := New(server, 0)

	if err := a.Close("bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := server.Write([]byte("x")); err == nil {
		t.Fatal("expected write on closed conn to fail")
	}
}
