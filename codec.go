package pcanrs

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// Frame tags as used by the adapter, both for transmit commands and for
// received frame reports.
const (
	TagStandardData   = 't'
	TagExtendedData   = 'T'
	TagStandardRemote = 'r'
	TagExtendedRemote = 'R'
)

const timestampDigits = 4

func frameTag(idKind IdentifierKind, kind FrameKind) byte {
	switch {
	case idKind == Extended29 && kind == Remote:
		return TagExtendedRemote
	case idKind == Extended29:
		return TagExtendedData
	case kind == Remote:
		return TagStandardRemote
	default:
		return TagStandardData
	}
}

// IsFrameTag reports whether b starts a frame line.
func IsFrameTag(b byte) bool {
	switch b {
	case TagStandardData, TagExtendedData, TagStandardRemote, TagExtendedRemote:
		return true
	}
	return false
}

// DecodeFrame parses one adapter frame line with the terminator stripped.
//
//	t1234DEADBEEF      standard data, id 0x123, 4 bytes
//	R000001234         extended remote, id 0x123, length 4
//	t12320102EA60      standard data with trailing timestamp 0xEA60
func DecodeFrame(line []byte) (Frame, error) {
	if len(line) == 0 {
		return Frame{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	var f Frame
	switch line[0] {
	case TagStandardData:
		f.IDKind, f.Kind = Standard11, Data
	case TagExtendedData:
		f.IDKind, f.Kind = Extended29, Data
	case TagStandardRemote:
		f.IDKind, f.Kind = Standard11, Remote
	case TagExtendedRemote:
		f.IDKind, f.Kind = Extended29, Remote
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag %q", ErrMalformed, line[0])
	}

	idEnd := 1 + f.IDKind.digits()
	if len(line) < idEnd+1 {
		return Frame{}, fmt.Errorf("%w: short line %q", ErrMalformed, line)
	}

	id, err := strconv.ParseUint(string(line[1:idEnd]), 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: failed to decode identifier: %v", ErrMalformed, err)
	}
	if uint32(id) > f.IDKind.MaxID() {
		return Frame{}, fmt.Errorf("%w: identifier 0x%X exceeds %s range", ErrMalformed, id, f.IDKind)
	}
	f.Identifier = uint32(id)

	dlc, ok := fromHexNibble(line[idEnd])
	if !ok || dlc > MaxDataLength {
		return Frame{}, fmt.Errorf("%w: invalid data length %q", ErrMalformed, line[idEnd])
	}
	f.DataLength = int(dlc)

	rest := line[idEnd+1:]
	if f.Kind == Data {
		n := f.DataLength * 2
		if len(rest) < n {
			return Frame{}, fmt.Errorf("%w: expected %d data bytes, got %q", ErrMalformed, f.DataLength, rest)
		}
		f.Payload = make([]byte, f.DataLength)
		if _, err := hex.Decode(f.Payload, rest[:n]); err != nil {
			return Frame{}, fmt.Errorf("%w: failed to decode frame body: %v", ErrMalformed, err)
		}
		rest = rest[n:]
	} else {
		f.Payload = []byte{}
	}

	switch len(rest) {
	case 0:
	case timestampDigits:
		ts, err := strconv.ParseUint(string(rest), 16, 16)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: failed to decode timestamp: %v", ErrMalformed, err)
		}
		f.Timestamp = uint16(ts)
		f.HasTimestamp = true
	default:
		return Frame{}, fmt.Errorf("%w: %d trailing characters %q", ErrMalformed, len(rest), rest)
	}
	return f, nil
}

// EncodeFrame renders f in the adapter's notation, without terminator.
func EncodeFrame(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the encoded frame to buf.
func AppendFrame(buf []byte, f Frame) ([]byte, error) {
	if f.IDKind != Standard11 && f.IDKind != Extended29 {
		return buf, fmt.Errorf("%w: identifier kind %d", ErrOutOfRange, f.IDKind)
	}
	if f.Identifier > f.IDKind.MaxID() {
		return buf, fmt.Errorf("%w: identifier 0x%X exceeds %s maximum 0x%X", ErrOutOfRange, f.Identifier, f.IDKind, f.IDKind.MaxID())
	}
	if f.DataLength < 0 || f.DataLength > MaxDataLength {
		return buf, fmt.Errorf("%w: data length %d", ErrOutOfRange, f.DataLength)
	}
	switch f.Kind {
	case Data:
		if len(f.Payload) != f.DataLength {
			return buf, fmt.Errorf("%w: %d bytes for data length %d", ErrLengthMismatch, len(f.Payload), f.DataLength)
		}
	case Remote:
		if len(f.Payload) != 0 {
			return buf, fmt.Errorf("%w: remote frame carries %d bytes", ErrLengthMismatch, len(f.Payload))
		}
	default:
		return buf, fmt.Errorf("%w: frame kind %d", ErrOutOfRange, f.Kind)
	}

	buf = append(buf, frameTag(f.IDKind, f.Kind))
	buf = appendHexDigits(buf, f.Identifier, f.IDKind.digits())
	buf = append(buf, nybbleToHex(byte(f.DataLength)))
	for _, b := range f.Payload {
		buf = append(buf, nybbleToHex(b>>4), nybbleToHex(b&0xF))
	}
	return buf, nil
}

// IdentifierHex renders the identifier zero padded to 8 digits regardless
// of its kind; IDKind keeps the original width.
func (f Frame) IdentifierHex() string {
	return fmt.Sprintf("%08X", f.Identifier)
}

func appendHexDigits(buf []byte, v uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		buf = append(buf, nybbleToHex(byte(v>>(uint(i)*4))&0xF))
	}
	return buf
}

// helper converts a 0..15 value to its ASCII hex nibble
func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func fromHexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
