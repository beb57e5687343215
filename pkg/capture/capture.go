// Package capture reads and writes frame logs, one frame per line in the
// adapter's own notation preceded by the receive time in seconds:
//
//	# pcantool capture 2026-10-14T09:12:44Z
//	0.000 t7E8803410C1AF8000000
//	0.012 t7E88034110400000000
package capture

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roffe/pcanrs"
)

// Record is one logged frame. Offset is the time since the capture began.
type Record struct {
	Offset time.Duration
	Frame  pcanrs.Frame
}

// Writer logs frames to w. It implements pcanrs.FrameSink.
type Writer struct {
	mu    sync.Mutex
	w     *bufio.Writer
	start time.Time
	now   func() time.Time
	count int
	err   error
}

func NewWriter(w io.Writer) *Writer {
	c := &Writer{w: bufio.NewWriter(w), now: time.Now}
	c.start = c.now()
	fmt.Fprintf(c.w, "# pcantool capture %s\n", c.start.UTC().Format(time.RFC3339))
	return c
}

func (c *Writer) HandleFrame(f pcanrs.Frame) error {
	return c.Write(Record{Offset: c.now().Sub(c.start), Frame: f})
}

func (c *Writer) Write(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	line, err := pcanrs.EncodeFrame(r.Frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.w, "%.3f %s\n", r.Offset.Seconds(), line); err != nil {
		c.err = err
		return err
	}
	c.count++
	return nil
}

// Count is the number of frames written so far.
func (c *Writer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Writer) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.w.Flush()
}

// Read parses a frame log. Blank lines and lines starting with # are
// skipped. The time column is optional.
func Read(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseLine(line string) (Record, error) {
	var rec Record
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
	case 2:
		secs, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || secs < 0 {
			return rec, fmt.Errorf("invalid time %q", fields[0])
		}
		rec.Offset = time.Duration(secs * float64(time.Second)).Round(time.Millisecond)
		fields = fields[1:]
	default:
		return rec, fmt.Errorf("expected time and frame, got %q", line)
	}
	f, err := pcanrs.DecodeFrame([]byte(fields[0]))
	if err != nil {
		return rec, err
	}
	// timestamps are receive side information, a replayed frame has none
	f.Timestamp, f.HasTimestamp = 0, false
	rec.Frame = f
	return rec, nil
}
