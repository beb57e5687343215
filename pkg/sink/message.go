// Package sink holds FrameSink implementations that move received frames
// off the serial link: to an MQTT broker, a SocketCAN interface or the
// terminal.
package sink

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/roffe/pcanrs"
)

// HexBytes marshals to an uppercase hex string in JSON and to a byte
// string in CBOR.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(hex.EncodeToString(h))), nil
}

func (h *HexBytes) UnmarshalText(b []byte) error {
	d, err := hex.DecodeString(strings.ReplaceAll(string(b), " ", ""))
	if err != nil {
		return err
	}
	*h = d
	return nil
}

// Message is the wire form of a frame on MQTT and the HTTP API.
type Message struct {
	ID        uint32   `json:"id" cbor:"1,keyasint"`
	Extended  bool     `json:"extended" cbor:"2,keyasint"`
	Remote    bool     `json:"remote,omitempty" cbor:"3,keyasint,omitempty"`
	Length    int      `json:"dlc" cbor:"4,keyasint"`
	Data      HexBytes `json:"data" cbor:"5,keyasint"`
	Timestamp *uint16  `json:"ts,omitempty" cbor:"6,keyasint,omitempty"`
}

func NewMessage(f pcanrs.Frame) Message {
	m := Message{
		ID:       f.Identifier,
		Extended: f.Extended(),
		Remote:   f.Remote(),
		Length:   f.DataLength,
		Data:     HexBytes(f.Payload),
	}
	if m.Data == nil {
		m.Data = HexBytes{}
	}
	if f.HasTimestamp {
		ts := f.Timestamp
		m.Timestamp = &ts
	}
	return m
}

// Frame converts the message back, validating it against the frame rules.
// A zero Length on a data message is taken from the payload.
func (m Message) Frame() (pcanrs.Frame, error) {
	kind := pcanrs.Standard11
	if m.Extended {
		kind = pcanrs.Extended29
	}
	var f pcanrs.Frame
	if m.Remote {
		f = pcanrs.NewRemoteFrame(kind, m.ID, m.Length)
	} else {
		length := m.Length
		if length == 0 {
			length = len(m.Data)
		}
		f = pcanrs.Frame{
			IDKind:     kind,
			Kind:       pcanrs.Data,
			Identifier: m.ID,
			DataLength: length,
			Payload:    []byte(m.Data),
		}
	}
	if _, err := pcanrs.EncodeFrame(f); err != nil {
		return pcanrs.Frame{}, fmt.Errorf("%w: %w", pcanrs.ErrInvalidArgument, err)
	}
	return f, nil
}

type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCBOR:
		return f, nil
	}
	return "", fmt.Errorf("unknown payload format %q (use json or cbor)", s)
}

func (f Format) Marshal(m Message) ([]byte, error) {
	switch f {
	case FormatCBOR:
		return cbor.Marshal(m)
	case FormatJSON, "":
		return json.Marshal(m)
	}
	return nil, fmt.Errorf("unknown payload format %q", string(f))
}

func (f Format) Unmarshal(b []byte, m *Message) error {
	switch f {
	case FormatCBOR:
		return cbor.Unmarshal(b, m)
	case FormatJSON, "":
		return json.Unmarshal(b, m)
	}
	return fmt.Errorf("unknown payload format %q", string(f))
}
