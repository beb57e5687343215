package pcanrs

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeAdapter is an in-memory Transport that answers commands the way the
// adapter does: NAK when the channel state does not allow the command.
type fakeAdapter struct {
	mu sync.Mutex

	lines chan []byte
	ops   []string

	open     bool
	baud     int
	wantBaud int

	nak      map[string]bool // command letters answered with BEL
	silent   map[string]bool // command letters never answered
	extra    map[string][]string
	after    map[string][]string // lines queued after the answer
	writeErr error
	readErr  error
	closed   bool

	pending int
	overlap bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		lines:  make(chan []byte, 64),
		baud:   DefaultBaudrate,
		nak:    make(map[string]bool),
		silent: make(map[string]bool),
		extra:  make(map[string][]string),
		after:  make(map[string][]string),
	}
}

func (f *fakeAdapter) Write(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cmd := strings.TrimSuffix(string(b), "\r")
	f.ops = append(f.ops, "write "+cmd)
	if cmd == "\r\r" {
		return nil
	}
	if f.pending > 0 {
		f.overlap = true
	}
	for _, l := range f.extra[cmd[:1]] {
		f.lines <- []byte(l)
	}
	for _, l := range f.answer(cmd) {
		f.pending++
		f.lines <- []byte(l)
	}
	for _, l := range f.after[cmd[:1]] {
		f.lines <- []byte(l)
	}
	return nil
}

func (f *fakeAdapter) answer(cmd string) []string {
	letter := cmd[:1]
	if f.silent[letter] {
		return nil
	}
	if f.nak[letter] {
		return []string{"\a"}
	}
	nak := []string{"\a"}
	ack := []string{"\r"}
	switch letter {
	case "O", "L":
		if f.open {
			return nak
		}
		f.open = true
		return ack
	case "C":
		if !f.open {
			return nak
		}
		f.open = false
		return ack
	case "S", "s", "X", "W", "Z", "e":
		if f.open {
			return nak
		}
		return ack
	case "U":
		if f.open {
			return nak
		}
		f.wantBaud = UARTBaudrates[cmd[1]-'0']
		return ack
	case "F":
		if !f.open {
			return nak
		}
		return []string{"F00\r"}
	case "Q":
		if !f.open {
			return nak
		}
		return ack
	case "V":
		return []string{"V1011\r"}
	case "N":
		return []string{"NA123\r"}
	case "M", "m":
		return ack
	case "t", "r":
		if !f.open {
			return nak
		}
		return []string{"z\r"}
	case "T", "R":
		if !f.open {
			return nak
		}
		return []string{"Z\r"}
	}
	return nak
}

func (f *fakeAdapter) inject(line string) {
	f.lines <- []byte(line)
}

func (f *fakeAdapter) ReadUntilTerminator(timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	if f.readErr != nil {
		defer f.mu.Unlock()
		return nil, f.readErr
	}
	f.mu.Unlock()
	if timeout <= 0 {
		select {
		case l := <-f.lines:
			return f.received(l), nil
		default:
			return nil, nil
		}
	}
	select {
	case l := <-f.lines:
		return f.received(l), nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeAdapter) received(l []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "read")
	if f.pending > 0 {
		f.pending--
	}
	if f.wantBaud != 0 && f.baud != f.wantBaud {
		return []byte{0xF8, 0x00, CR}
	}
	return l
}

func (f *fakeAdapter) SetBaud(rate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "baud "+strconv.Itoa(rate))
	f.baud = rate
	return nil
}

func (f *fakeAdapter) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "reset input")
	for {
		select {
		case <-f.lines:
		default:
			return nil
		}
	}
}

func (f *fakeAdapter) ResetOutputBuffer() error {
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

// writes returns the commands written since the last reset.
func (f *fakeAdapter) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, op := range f.ops {
		if strings.HasPrefix(op, "write ") {
			out = append(out, strings.TrimPrefix(op, "write "))
		}
	}
	return out
}

func (f *fakeAdapter) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeAdapter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = nil
}

func (f *fakeAdapter) set(fn func(f *fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
