package claspwire

import (
	"fmt"

	"github.com/clasp-proto/claspd/internal/claspvalue"
)

// EncodeMessage renders a Message to a frame body. The result is passed as
// Frame.Body to EncodeFrame by the caller, which owns QoS/timestamp framing.
func EncodeMessage(m Message) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(m.Code))
	buf = appendPresentUint64(buf, m.HasCorrelation, m.CorrelationID)

	switch m.Code {
	case CodeHello:
		buf = appendString(buf, m.ClientVersion)
		buf = appendStringSlice(buf, m.Features)
		buf = appendString(buf, m.Token)
	case CodeWelcome:
		buf = appendString(buf, m.RouterName)
		buf = appendUint64(buf, uint64(m.RouterTime))
		buf = appendStringSlice(buf, m.Features)
		buf = appendString(buf, m.Token)
	case CodeSubscribe:
		buf = appendString(buf, m.Pattern)
		buf = appendUint64(buf, uint64(m.SubOpts.History))
		buf = appendFloat(buf, m.SubOpts.MaxRate)
		buf = appendFloat(buf, m.SubOpts.Epsilon)
		buf = append(buf, byte(len(m.SubOpts.Types)))
		for _, t := range m.SubOpts.Types {
			buf = append(buf, byte(t))
		}
	case CodeUnsubscribe:
		buf = appendUint64(buf, m.SubID)
	case CodeSet:
		buf = appendString(buf, m.Address)
		buf = EncodeValue(buf, m.Value)
		hasExpected := m.SetOpts.ExpectedRevision != nil
		buf = appendPresentUint64(buf, hasExpected, derefU64(m.SetOpts.ExpectedRevision))
		buf = appendBool(buf, m.SetOpts.Lock)
		buf = appendBool(buf, m.SetOpts.Unlock)
	case CodeGet:
		buf = appendString(buf, m.Address)
		buf = appendString(buf, m.Pattern)
	case CodePublish:
		buf = appendString(buf, m.Address)
		buf = append(buf, byte(m.SigKind))
		buf = append(buf, byte(m.Signal))
		buf = appendString(buf, m.GestureID)
		buf = EncodeValue(buf, m.Value)
	case CodeBundle:
		buf = appendUint64(buf, uint64(m.ExecuteAt))
		buf = appendUvarintField(buf, uint64(len(m.Bundle)))
		for _, sub := range m.Bundle {
			subBody := EncodeMessage(sub)
			buf = appendBytesField(buf, subBody)
		}
	case CodeSync:
		buf = appendUint64(buf, uint64(m.T1))
		buf = appendUint64(buf, uint64(m.T2))
		buf = appendUint64(buf, uint64(m.T3))
	case CodeAck:
		buf = appendUint64(buf, m.SubID)
		buf = appendUint64(buf, m.Revision)
	case CodeError:
		buf = appendUint64(buf, uint64(m.ErrCode))
		buf = appendString(buf, m.ErrMsg)
	case CodeQuery:
		buf = appendString(buf, m.Pattern)
	case CodeResult:
		buf = appendStringSlice(buf, m.Features)
	case CodeAnnounce:
		buf = appendString(buf, m.Address)
	case CodeSnapshot:
		buf = appendPresentUint64(buf, m.HasSnapshotID, m.SnapshotID)
		buf = appendUvarintField(buf, m.SnapshotSeq)
		buf = appendBool(buf, m.SnapshotTerminal)
		buf = appendUvarintField(buf, uint64(len(m.SnapshotEntries)))
		for _, ent := range m.SnapshotEntries {
			buf = appendString(buf, ent.Address)
			buf = EncodeValue(buf, ent.Value)
			buf = appendUvarintField(buf, ent.Revision)
		}
	case CodePing, CodePong:
		// no body fields beyond the frame-level timestamp/correlation
	}
	return buf
}

// DecodeMessage parses a frame body produced by EncodeMessage.
func DecodeMessage(body []byte) (Message, error) {
	if len(body) < 1 {
		return Message{}, fmt.Errorf("%w: empty body", ErrBadEncoding)
	}
	m := Message{Code: Code(body[0])}
	cursor := body[1:]

	present, corrID, n, err := readPresentUint64(cursor)
	if err != nil {
		return Message{}, err
	}
	m.HasCorrelation, m.CorrelationID = present, corrID
	cursor = cursor[n:]

	switch m.Code {
	case CodeHello:
		s, n, err := readStringField(cursor)
		if err != nil {
			return Message{}, err
		}
		m.ClientVersion = s
		cursor = cursor[n:]
		feats, n2, err := readStringSlice(cursor)
		if err != nil {
			return Message{}, err
		}
		m.Features = feats
		cursor = cursor[n2:]
		token, _, err := readStringField(cursor)
		if err != nil {
			return Message{}, err
		}
		m.Token = token
	case CodeWelcome:
		var n int
		if m.RouterName, n, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		var t uint64
		if t, n, err = readUint64Field(cursor); err != nil {
			return Message{}, err
		}
		m.RouterTime = int64(t)
		cursor = cursor[n:]
		var feats []string
		if feats, n, err = readStringSlice(cursor); err != nil {
			return Message{}, err
		}
		m.Features = feats
		cursor = cursor[n:]
		if m.Token, _, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
	case CodeSubscribe:
		var n int
		if m.Pattern, n, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		var h uint64
		if h, n, err = readUint64Field(cursor); err != nil {
			return Message{}, err
		}
		m.SubOpts.History = uint32(h)
		cursor = cursor[n:]
		var f float64
		if f, n, err = readFloatField(cursor); err != nil {
			return Message{}, err
		}
		m.SubOpts.MaxRate = f
		cursor = cursor[n:]
		if f, n, err = readFloatField(cursor); err != nil {
			return Message{}, err
		}
		m.SubOpts.Epsilon = f
		cursor = cursor[n:]
		if len(cursor) < 1 {
			return Message{}, ErrBadEncoding
		}
		count := int(cursor[0])
		cursor = cursor[1:]
		if len(cursor) < count {
			return Message{}, ErrBadEncoding
		}
		for i := 0; i < count; i++ {
			m.SubOpts.Types = append(m.SubOpts.Types, SignalType(cursor[i]))
		}
	case CodeUnsubscribe:
		m.SubID, _, err = readUint64Field(cursor)
		if err != nil {
			return Message{}, err
		}
	case CodeSet:
		var n int
		if m.Address, n, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		var v claspvalue.Value
		if v, n, err = decodeValueField(cursor); err != nil {
			return Message{}, err
		}
		m.Value = v
		cursor = cursor[n:]
		var hasExpected bool
		var expected uint64
		if hasExpected, expected, n, err = readPresentUint64(cursor); err != nil {
			return Message{}, err
		}
		if hasExpected {
			e := expected
			m.SetOpts.ExpectedRevision = &e
		}
		cursor = cursor[n:]
		var lock, unlock bool
		if lock, n, err = readBoolField(cursor); err != nil {
			return Message{}, err
		}
		m.SetOpts.Lock = lock
		cursor = cursor[n:]
		if unlock, _, err = readBoolField(cursor); err != nil {
			return Message{}, err
		}
		m.SetOpts.Unlock = unlock
	case CodeGet:
		var n int
		if m.Address, n, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		if m.Pattern, _, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
	case CodePublish:
		var n int
		if m.Address, n, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		if len(cursor) < 2 {
			return Message{}, ErrBadEncoding
		}
		m.SigKind = SignalType(cursor[0])
		m.Signal = GesturePhase(cursor[1])
		cursor = cursor[2:]
		if m.GestureID, n, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		var v claspvalue.Value
		if v, _, err = decodeValueField(cursor); err != nil {
			return Message{}, err
		}
		m.Value = v
	case CodeBundle:
		var n int
		var execAt uint64
		if execAt, n, err = readUint64Field(cursor); err != nil {
			return Message{}, err
		}
		m.ExecuteAt = int64(execAt)
		cursor = cursor[n:]
		count, n, err := readUvarintField(cursor)
		if err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		for i := uint64(0); i < count; i++ {
			subBody, n, err := readBytesField(cursor)
			if err != nil {
				return Message{}, err
			}
			cursor = cursor[n:]
			sub, err := DecodeMessage(subBody)
			if err != nil {
				return Message{}, err
			}
			m.Bundle = append(m.Bundle, sub)
		}
	case CodeSync:
		vals := make([]int64, 3)
		for i := range vals {
			u, n, err := readUint64Field(cursor)
			if err != nil {
				return Message{}, err
			}
			vals[i] = int64(u)
			cursor = cursor[n:]
		}
		m.T1, m.T2, m.T3 = vals[0], vals[1], vals[2]
	case CodeAck:
		var n int
		if m.SubID, n, err = readUint64Field(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		if m.Revision, _, err = readUint64Field(cursor); err != nil {
			return Message{}, err
		}
	case CodeError:
		var n int
		var code uint64
		if code, n, err = readUint64Field(cursor); err != nil {
			return Message{}, err
		}
		m.ErrCode = ErrorCode(code)
		cursor = cursor[n:]
		if m.ErrMsg, _, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
	case CodeQuery:
		if m.Pattern, _, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
	case CodeResult:
		if m.Features, _, err = readStringSlice(cursor); err != nil {
			return Message{}, err
		}
	case CodeAnnounce:
		if m.Address, _, err = readStringField(cursor); err != nil {
			return Message{}, err
		}
	case CodeSnapshot:
		var n int
		var hasID bool
		var id uint64
		if hasID, id, n, err = readPresentUint64(cursor); err != nil {
			return Message{}, err
		}
		m.HasSnapshotID, m.SnapshotID = hasID, id
		cursor = cursor[n:]
		if m.SnapshotSeq, n, err = readUvarintField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		if m.SnapshotTerminal, n, err = readBoolField(cursor); err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		count, n, err := readUvarintField(cursor)
		if err != nil {
			return Message{}, err
		}
		cursor = cursor[n:]
		for i := uint64(0); i < count; i++ {
			var ent SnapshotEntry
			if ent.Address, n, err = readStringField(cursor); err != nil {
				return Message{}, err
			}
			cursor = cursor[n:]
			if ent.Value, n, err = decodeValueField(cursor); err != nil {
				return Message{}, err
			}
			cursor = cursor[n:]
			if ent.Revision, n, err = readUvarintField(cursor); err != nil {
				return Message{}, err
			}
			cursor = cursor[n:]
			m.SnapshotEntries = append(m.SnapshotEntries, ent)
		}
	case CodePing, CodePong:
		// nothing further to read
	}
	return m, nil
}

func derefU64(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}
