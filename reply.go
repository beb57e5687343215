package pcanrs

import (
	"bytes"
	"fmt"
)

type ReplyKind int

const (
	ReplyAck ReplyKind = iota
	// ReplyError covers both a NAK (BEL) and a read timeout, the adapter
	// gives no way to tell them apart.
	ReplyError
	ReplyData
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAck:
		return "ack"
	case ReplyError:
		return "error"
	case ReplyData:
		return "data"
	default:
		return "unknown"
	}
}

// Reply is the classified answer to one command. Data holds the raw line,
// terminator included, for ReplyData.
type Reply struct {
	Kind ReplyKind
	Data []byte
}

func (r Reply) String() string {
	if r.Kind == ReplyData {
		return fmt.Sprintf("data %q", r.Data)
	}
	return r.Kind.String()
}

// Line returns the data with the trailing terminator removed.
func (r Reply) Line() []byte {
	return bytes.TrimSuffix(r.Data, []byte{CR})
}

var ackForms = [][]byte{
	{CR},
	{CR, CR},
	{'Z', CR},
	{'z', CR},
}

// Classify interprets one read result from the transport.
func Classify(b []byte) Reply {
	if len(b) == 0 || (len(b) == 1 && b[0] == BEL) {
		return Reply{Kind: ReplyError}
	}
	for _, ack := range ackForms {
		if bytes.Equal(b, ack) {
			return Reply{Kind: ReplyAck}
		}
	}
	return Reply{Kind: ReplyData, Data: b}
}
