package claspwire

import (
	"bytes"
	"testing"

	"github.com/clasp-proto/claspd/internal/claspvalue"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{QoS: QoSFire, Body: []byte("hello")},
		{QoS: QoSConfirm, HasTimestamp: true, Timestamp: 123456789, Body: []byte{}},
		{QoS: QoSCommit, Body: bytes.Repeat([]byte{0xAB}, 300)},
	}
	for _, f := range cases {
		encoded := EncodeFrame(f)
		decoded, err := DecodeFrame(bytes.NewReader(encoded), 0)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if decoded.QoS != f.QoS || decoded.HasTimestamp != f.HasTimestamp || decoded.Timestamp != f.Timestamp {
			t.Fatalf("header mismatch: got %+v, want %+v", decoded, f)
		}
		if !bytes.Equal(decoded.Body, f.Body) {
			t.Fatalf("body mismatch: got %v, want %v", decoded.Body, f.Body)
		}
		// Encode(decode(frame)) = frame for well-formed frames.
		reencoded := EncodeFrame(decoded)
		if !bytes.Equal(reencoded, encoded) {
			t.Fatalf("re-encode mismatch:\n got %v\nwant %v", reencoded, encoded)
		}
	}
}

func TestDecodeFrameBadMagic(t *testing.T) {
	bad := []byte{0x00, 0x00, 0x00}
	if _, err := DecodeFrame(bytes.NewReader(bad), 0); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	f := Frame{Body: bytes.Repeat([]byte{1}, 100)}
	encoded := EncodeFrame(f)
	if _, err := DecodeFrame(bytes.NewReader(encoded), 10); err != ErrTooLarge {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []claspvalue.Value{
		claspvalue.Null(),
		claspvalue.Bool(true),
		claspvalue.Int(-42),
		claspvalue.Int(9007199254740993), // beyond float64 exact-int range; must not widen
		claspvalue.Float(3.5),
		claspvalue.String("hello, clasp"),
		claspvalue.Bytes([]byte{1, 2, 3}),
		claspvalue.Array([]claspvalue.Value{claspvalue.Int(1), claspvalue.String("x")}),
		claspvalue.Map(map[string]claspvalue.Value{"a": claspvalue.Int(1), "b": claspvalue.Bool(false)}),
	}
	for _, v := range values {
		encoded := EncodeValue(nil, v)
		decoded, n, err := DecodeValue(encoded)
		if err != nil {
			t.Fatalf("DecodeValue(%v): %v", v, err)
		}
		if n != len(encoded) {
			t.Fatalf("consumed %d, want %d", n, len(encoded))
		}
		if !claspvalue.Equal(v, decoded) {
			t.Fatalf("got %v, want %v", decoded, v)
		}
	}
}

func TestMessageRoundTripSet(t *testing.T) {
	rev := uint64(5)
	msg := Message{
		Code:           CodeSet,
		HasCorrelation: true,
		CorrelationID:  77,
		Address:        "/lights/front/opacity",
		Value:          claspvalue.Float(0.5),
		SetOpts: SetOptions{
			ExpectedRevision: &rev,
			Lock:             true,
		},
	}
	body := EncodeMessage(msg)
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Address != msg.Address || !claspvalue.Equal(decoded.Value, msg.Value) {
		t.Fatalf("got %+v, want %+v", decoded, msg)
	}
	if decoded.SetOpts.ExpectedRevision == nil || *decoded.SetOpts.ExpectedRevision != rev {
		t.Fatalf("ExpectedRevision not preserved: %+v", decoded.SetOpts)
	}
	if !decoded.SetOpts.Lock {
		t.Fatal("Lock flag not preserved")
	}
}

func TestMessageRoundTripHello(t *testing.T) {
	msg := Message{
		Code:          CodeHello,
		ClientVersion: "1.2.3",
		Features:      []string{"bundle", "snapshot"},
		Token:         "Bearer abc.def.ghi",
	}
	body := EncodeMessage(msg)
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.ClientVersion != msg.ClientVersion {
		t.Fatalf("ClientVersion = %q, want %q", decoded.ClientVersion, msg.ClientVersion)
	}
	if len(decoded.Features) != 2 || decoded.Features[0] != "bundle" {
		t.Fatalf("Features = %v, want %v", decoded.Features, msg.Features)
	}
	if decoded.Token != msg.Token {
		t.Fatalf("Token = %q, want %q", decoded.Token, msg.Token)
	}
}

func TestMessageRoundTripBundle(t *testing.T) {
	inner := Message{Code: CodeSet, Address: "/scene/a", Value: claspvalue.Int(1)}
	msg := Message{Code: CodeBundle, ExecuteAt: 42, Bundle: []Message{inner}}
	body := EncodeMessage(msg)
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.ExecuteAt != 42 || len(decoded.Bundle) != 1 || decoded.Bundle[0].Address != "/scene/a" {
		t.Fatalf("got %+v", decoded)
	}
}

func TestMessageRoundTripAnnounce(t *testing.T) {
	msg := Message{Code: CodeAnnounce, Address: "/mqtt/sensors/temp"}
	body := EncodeMessage(msg)
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Address != msg.Address {
		t.Fatalf("got %+v, want %+v", decoded, msg)
	}
}

func TestMessageRoundTripSnapshot(t *testing.T) {
	msg := Message{
		Code:             CodeSnapshot,
		HasSnapshotID:    true,
		SnapshotID:       7,
		SnapshotSeq:      2,
		SnapshotTerminal: true,
		SnapshotEntries: []SnapshotEntry{
			{Address: "/a", Value: claspvalue.Int(1), Revision: 1},
			{Address: "/b", Value: claspvalue.String("x"), Revision: 3},
		},
	}
	body := EncodeMessage(msg)
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if !decoded.HasSnapshotID || decoded.SnapshotID != 7 || decoded.SnapshotSeq != 2 || !decoded.SnapshotTerminal {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if len(decoded.SnapshotEntries) != 2 {
		t.Fatalf("got %d entries, want 2", len(decoded.SnapshotEntries))
	}
	for i, ent := range decoded.SnapshotEntries {
		want := msg.SnapshotEntries[i]
		if ent.Address != want.Address || ent.Revision != want.Revision || !claspvalue.Equal(ent.Value, want.Value) {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, ent, want)
		}
	}
}

func TestMessageRoundTripPing(t *testing.T) {
	msg := Message{Code: CodePing}
	body := EncodeMessage(msg)
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Code != CodePing {
		t.Fatalf("got code %v", decoded.Code)
	}
}
