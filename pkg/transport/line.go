// Package transport provides the byte links the driver talks to the
// adapter over.
package transport

import (
	"bytes"
	"errors"
	"time"
)

const (
	cr  = 0x0D
	bel = 0x07
)

// ErrBaudUnsupported is returned by links that have no notion of a line
// speed.
var ErrBaudUnsupported = errors.New("link does not support changing the baudrate")

// readFunc reads whatever arrives within wait. It returns no bytes and no
// error when nothing did.
type readFunc func(wait time.Duration) ([]byte, error)

// lineBuffer splits the incoming byte stream into adapter lines. A line
// ends at CR; a BEL is a line of its own. A doubled CR is a single
// acknowledgement.
type lineBuffer struct {
	buf []byte
}

func (l *lineBuffer) next() ([]byte, bool) {
	i := bytes.IndexAny(l.buf, "\r\a")
	if i < 0 {
		return nil, false
	}
	var line []byte
	if l.buf[i] == bel {
		// the adapter never sends BEL inside a line, anything before it is noise
		line = []byte{bel}
	} else {
		if i == 0 && len(l.buf) > 1 && l.buf[1] == cr {
			i = 1
		}
		line = append([]byte(nil), l.buf[:i+1]...)
	}
	l.buf = l.buf[i+1:]
	if len(l.buf) == 0 {
		l.buf = nil
	}
	return line, true
}

// readLine returns the next line arriving within timeout. A timeout of zero
// or less does one read that does not wait.
func (l *lineBuffer) readLine(timeout time.Duration, read readFunc) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	polled := false
	for {
		if line, ok := l.next(); ok {
			return line, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			if polled || timeout > 0 {
				return nil, nil
			}
			wait, polled = 0, true
		}
		chunk, err := read(wait)
		if err != nil {
			return nil, err
		}
		l.buf = append(l.buf, chunk...)
	}
}

func (l *lineBuffer) reset() {
	l.buf = nil
}
