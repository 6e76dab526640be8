package claspwire

import (
	"encoding/binary"
	"math"

	"github.com/clasp-proto/claspd/internal/claspvalue"
)

// Field-level helpers used by EncodeMessage/DecodeMessage. Every append*
// has a matching read* that reports bytes consumed, so the codec can walk
// a flat buffer without a separate length-prefixed envelope per message.

func appendString(buf []byte, s string) []byte {
	return appendBytesWithLen(buf, []byte(s))
}

func readStringField(buf []byte) (string, int, error) {
	b, n, err := readBytesWithLen(buf)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}

func appendStringSlice(buf []byte, ss []string) []byte {
	buf = appendUvarintField(buf, uint64(len(ss)))
	for _, s := range ss {
		buf = appendString(buf, s)
	}
	return buf
}

func readStringSlice(buf []byte) ([]string, int, error) {
	count, n, err := readUvarintField(buf)
	if err != nil {
		return nil, 0, err
	}
	consumed := n
	cursor := buf[n:]
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, m, err := readStringField(cursor)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
		cursor = cursor[m:]
		consumed += m
	}
	return out, consumed, nil
}

func appendUvarintField(buf []byte, v uint64) []byte {
	return appendUvarint(buf, v)
}

func readUvarintField(buf []byte) (uint64, int, error) {
	return readUvarintSlice(buf)
}

func readUint64Field(buf []byte) (uint64, int, error) {
	return readUint64(buf)
}

func appendFloat(buf []byte, f float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	return append(buf, b[:]...)
}

func readFloatField(buf []byte) (float64, int, error) {
	if len(buf) < 8 {
		return 0, 0, ErrBadEncoding
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:8])), 8, nil
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func readBoolField(buf []byte) (bool, int, error) {
	if len(buf) < 1 {
		return false, 0, ErrBadEncoding
	}
	return buf[0] != 0, 1, nil
}

// appendPresentUint64 encodes an optional uint64 as a presence byte
// followed by 8 bytes (only meaningful when present).
func appendPresentUint64(buf []byte, present bool, v uint64) []byte {
	buf = appendBool(buf, present)
	if present {
		buf = appendUint64(buf, v)
	}
	return buf
}

func readPresentUint64(buf []byte) (present bool, v uint64, n int, err error) {
	present, n, err = readBoolField(buf)
	if err != nil {
		return false, 0, 0, err
	}
	if !present {
		return false, 0, n, nil
	}
	u, m, err := readUint64Field(buf[n:])
	if err != nil {
		return false, 0, 0, err
	}
	return true, u, n + m, nil
}

func appendBytesField(buf []byte, b []byte) []byte {
	return appendBytesWithLen(buf, b)
}

func readBytesField(buf []byte) ([]byte, int, error) {
	return readBytesWithLen(buf)
}

func decodeValueField(buf []byte) (claspvalue.Value, int, error) {
	return DecodeValue(buf)
}
