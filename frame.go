package pcanrs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLength = 8
)

type IdentifierKind int

const (
	Standard11 IdentifierKind = iota
	Extended29
)

func (k IdentifierKind) String() string {
	switch k {
	case Standard11:
		return "std"
	case Extended29:
		return "ext"
	default:
		return "unknown"
	}
}

// MaxID returns the largest identifier that fits the kind.
func (k IdentifierKind) MaxID() uint32 {
	if k == Extended29 {
		return MaxExtendedID
	}
	return MaxStandardID
}

func (k IdentifierKind) digits() int {
	if k == Extended29 {
		return 8
	}
	return 3
}

type FrameKind int

const (
	Data FrameKind = iota
	Remote
)

func (k FrameKind) String() string {
	switch k {
	case Data:
		return "data"
	case Remote:
		return "rtr"
	default:
		return "unknown"
	}
}

// Frame is a classic CAN frame as reported or transmitted by the adapter.
// For Remote frames Payload is empty and DataLength is the requested length.
type Frame struct {
	IDKind     IdentifierKind
	Kind       FrameKind
	Identifier uint32
	DataLength int
	Payload    []byte

	// Set when the adapter appended a receive timestamp (milliseconds,
	// rolls over every minute).
	Timestamp    uint16
	HasTimestamp bool
}

// NewFrame returns a standard data frame, or an extended one when the
// identifier does not fit 11 bits.
func NewFrame(identifier uint32, data []byte) Frame {
	kind := Standard11
	if identifier > MaxStandardID {
		kind = Extended29
	}
	b := make([]byte, len(data))
	copy(b, data)
	return Frame{
		IDKind:     kind,
		Kind:       Data,
		Identifier: identifier,
		DataLength: len(b),
		Payload:    b,
	}
}

// NewRemoteFrame returns a remote (RTR) frame requesting length bytes.
func NewRemoteFrame(kind IdentifierKind, identifier uint32, length int) Frame {
	return Frame{
		IDKind:     kind,
		Kind:       Remote,
		Identifier: identifier,
		DataLength: length,
	}
}

func (f Frame) Extended() bool {
	return f.IDKind == Extended29
}

func (f Frame) Remote() bool {
	return f.Kind == Remote
}

// Equal compares everything but the receive timestamp.
func (f Frame) Equal(o Frame) bool {
	if f.IDKind != o.IDKind || f.Kind != o.Kind || f.Identifier != o.Identifier || f.DataLength != o.DataLength {
		return false
	}
	if len(f.Payload) != len(o.Payload) {
		return false
	}
	for i := range f.Payload {
		if f.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f Frame) idString() string {
	if f.Extended() {
		return fmt.Sprintf("0x%08X", f.Identifier)
	}
	return fmt.Sprintf("0x%03X", f.Identifier)
}

func (f Frame) hexView() string {
	if f.Remote() {
		return "RTR"
	}
	var hexView strings.Builder
	for i, b := range f.Payload {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Payload)-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (f Frame) String() string {
	var out strings.Builder
	out.WriteString(f.idString() + " || ")
	out.WriteString(strconv.Itoa(f.DataLength) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", f.hexView()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Payload))
	if f.HasTimestamp {
		out.WriteString(fmt.Sprintf(" || %5dms", f.Timestamp))
	}
	return out.String()
}

func (f Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("%s", f.idString()) + " || ")
	out.WriteString(strconv.Itoa(f.DataLength) + " || ")
	out.WriteString(red("%-23s", f.hexView()))
	out.WriteString(" || ")
	out.WriteString(yellow("%s", onlyPrintable(f.Payload)))
	if f.HasTimestamp {
		out.WriteString(fmt.Sprintf(" || %5dms", f.Timestamp))
	}
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
