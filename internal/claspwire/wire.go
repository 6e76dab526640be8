// Package claspwire implements the binary frame format and tagged-value
// codec used on the router's canonical wire form. No adapter in this
// repository decodes JSON (WebSocket text frames are decoded as binary
// frames); this package defines the canonical binary encoding the router
// itself depends on for invariants.
package claspwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/clasp-proto/claspd/internal/claspvalue"
)

// Magic is the fixed first byte of every frame. A mismatch is a fatal
// connection error.
const Magic byte = 0xC1

// QoS is the delivery class carried in flag bits 6-7.
type QoS uint8

const (
	QoSFire    QoS = 0
	QoSConfirm QoS = 1
	QoSCommit  QoS = 2
)

const (
	flagQoSShift   = 6
	flagQoSMask    = 0b11 << flagQoSShift
	flagTimestamp  = 1 << 5
	maxVarintBytes = 10 // enough for any uint64
)

var (
	ErrBadMagic    = errors.New("claspwire: bad magic byte")
	ErrTruncated   = errors.New("claspwire: truncated frame")
	ErrTooLarge    = errors.New("claspwire: frame exceeds configured maximum")
	ErrBadEncoding = errors.New("claspwire: malformed body encoding")
)

// Frame is a decoded wire frame: header fields plus an opaque body that the
// message codec below further decodes.
type Frame struct {
	QoS       QoS
	Timestamp int64 // valid only if HasTimestamp
	HasTimestamp bool
	Body      []byte
}

// EncodeFrame renders a Frame to its canonical byte form.
func EncodeFrame(f Frame) []byte {
	flags := byte(f.QoS) << flagQoSShift
	if f.HasTimestamp {
		flags |= flagTimestamp
	}

	var buf bytes.Buffer
	buf.WriteByte(Magic)
	buf.WriteByte(flags)

	length := uint64(len(f.Body))
	if f.HasTimestamp {
		length += 8
	}
	var lenBuf [maxVarintBytes]byte
	n := binary.PutUvarint(lenBuf[:], length)
	buf.Write(lenBuf[:n])

	if f.HasTimestamp {
		var ts [8]byte
		binary.LittleEndian.PutUint64(ts[:], uint64(f.Timestamp))
		buf.Write(ts[:])
	}
	buf.Write(f.Body)
	return buf.Bytes()
}

// DecodeFrame reads exactly one frame from r. maxBody bounds the accepted
// body length (the configured payload size ceiling, open question 3); a
// frame whose declared length exceeds it returns ErrTooLarge rather than
// silently failing.
func DecodeFrame(r io.Reader, maxBody int) (Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if header[0] != Magic {
		return Frame{}, ErrBadMagic
	}
	flags := header[1]

	length, err := readUvarint(r)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if maxBody > 0 && length > uint64(maxBody) {
		return Frame{}, ErrTooLarge
	}

	f := Frame{
		QoS:          QoS((flags & flagQoSMask) >> flagQoSShift),
		HasTimestamp: flags&flagTimestamp != 0,
	}

	remaining := length
	if f.HasTimestamp {
		var ts [8]byte
		if _, err := io.ReadFull(r, ts[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		f.Timestamp = int64(binary.LittleEndian.Uint64(ts[:]))
		remaining -= 8
	}

	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	f.Body = body
	return f, nil
}

func readUvarint(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufByteReader{r}
	}
	return binary.ReadUvarint(br)
}

// bufByteReader adapts an io.Reader without ReadByte into one, one byte at
// a time; used only for the rare transport that doesn't already expose it.
type bufByteReader struct{ io.Reader }

func (b bufByteReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.Reader, buf[:])
	return buf[0], err
}

// --- Tagged Value codec ---

const (
	tagNull byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagArray
	tagMap
)

// EncodeValue appends the canonical binary encoding of v to buf and returns
// the extended slice.
func EncodeValue(buf []byte, v claspvalue.Value) []byte {
	switch v.Kind {
	case claspvalue.KindNull:
		return append(buf, tagNull)
	case claspvalue.KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return append(buf, tagBool, b)
	case claspvalue.KindInt:
		buf = append(buf, tagInt)
		return appendUint64(buf, uint64(v.Int))
	case claspvalue.KindFloat:
		buf = append(buf, tagFloat)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.Float))
		return append(buf, b[:]...)
	case claspvalue.KindString:
		buf = append(buf, tagString)
		return appendBytesWithLen(buf, []byte(v.Str))
	case claspvalue.KindBytes:
		buf = append(buf, tagBytes)
		return appendBytesWithLen(buf, v.Bytes)
	case claspvalue.KindArray:
		buf = append(buf, tagArray)
		buf = appendUvarint(buf, uint64(len(v.Array)))
		for _, elem := range v.Array {
			buf = EncodeValue(buf, elem)
		}
		return buf
	case claspvalue.KindMap:
		buf = append(buf, tagMap)
		buf = appendUvarint(buf, uint64(len(v.Map)))
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendBytesWithLen(buf, []byte(k))
			buf = EncodeValue(buf, v.Map[k])
		}
		return buf
	default:
		return append(buf, tagNull)
	}
}

// DecodeValue reads one encoded Value from buf, returning it and the number
// of bytes consumed.
func DecodeValue(buf []byte) (claspvalue.Value, int, error) {
	if len(buf) == 0 {
		return claspvalue.Value{}, 0, ErrBadEncoding
	}
	tag := buf[0]
	rest := buf[1:]
	switch tag {
	case tagNull:
		return claspvalue.Null(), 1, nil
	case tagBool:
		if len(rest) < 1 {
			return claspvalue.Value{}, 0, ErrBadEncoding
		}
		return claspvalue.Bool(rest[0] != 0), 2, nil
	case tagInt:
		u, n, err := readUint64(rest)
		if err != nil {
			return claspvalue.Value{}, 0, err
		}
		return claspvalue.Int(int64(u)), 1 + n, nil
	case tagFloat:
		if len(rest) < 8 {
			return claspvalue.Value{}, 0, ErrBadEncoding
		}
		bits := binary.LittleEndian.Uint64(rest[:8])
		return claspvalue.Float(math.Float64frombits(bits)), 9, nil
	case tagString:
		b, n, err := readBytesWithLen(rest)
		if err != nil {
			return claspvalue.Value{}, 0, err
		}
		return claspvalue.String(string(b)), 1 + n, nil
	case tagBytes:
		b, n, err := readBytesWithLen(rest)
		if err != nil {
			return claspvalue.Value{}, 0, err
		}
		return claspvalue.Bytes(b), 1 + n, nil
	case tagArray:
		count, n, err := readUvarintSlice(rest)
		if err != nil {
			return claspvalue.Value{}, 0, err
		}
		consumed := 1 + n
		elems := make([]claspvalue.Value, 0, count)
		cursor := rest[n:]
		for i := uint64(0); i < count; i++ {
			elem, m, err := DecodeValue(cursor)
			if err != nil {
				return claspvalue.Value{}, 0, err
			}
			elems = append(elems, elem)
			cursor = cursor[m:]
			consumed += m
		}
		return claspvalue.Array(elems), consumed, nil
	case tagMap:
		count, n, err := readUvarintSlice(rest)
		if err != nil {
			return claspvalue.Value{}, 0, err
		}
		consumed := 1 + n
		cursor := rest[n:]
		m := make(map[string]claspvalue.Value, count)
		for i := uint64(0); i < count; i++ {
			key, kn, err := readBytesWithLen(cursor)
			if err != nil {
				return claspvalue.Value{}, 0, err
			}
			cursor = cursor[kn:]
			consumed += kn
			val, vn, err := DecodeValue(cursor)
			if err != nil {
				return claspvalue.Value{}, 0, err
			}
			cursor = cursor[vn:]
			consumed += vn
			m[string(key)] = val
		}
		return claspvalue.Map(m), consumed, nil
	default:
		return claspvalue.Value{}, 0, ErrBadEncoding
	}
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [maxVarintBytes]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readUint64(buf []byte) (uint64, int, error) {
	if len(buf) < 8 {
		return 0, 0, ErrBadEncoding
	}
	return binary.LittleEndian.Uint64(buf[:8]), 8, nil
}

func appendBytesWithLen(buf []byte, b []byte) []byte {
	buf = appendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytesWithLen(buf []byte) ([]byte, int, error) {
	count, n, err := readUvarintSlice(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(buf)-n) < count {
		return nil, 0, ErrBadEncoding
	}
	return buf[n : n+int(count)], n + int(count), nil
}

func readUvarintSlice(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, ErrBadEncoding
	}
	return v, n, nil
}
