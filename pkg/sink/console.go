package sink

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/roffe/pcanrs"
)

// Console prints one line per frame.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	start time.Time
	now   func() time.Time
}

// NewConsole writes coloured output to the terminal, or plain lines to w
// when w is not nil.
func NewConsole(w io.Writer) *Console {
	c := &Console{w: w, now: time.Now}
	if w == nil {
		c.w = ansi.NewAnsiStdout()
		c.color = true
	}
	c.start = c.now()
	return c
}

func (c *Console) HandleFrame(f pcanrs.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := c.now().Sub(c.start).Seconds()
	s := f.String()
	if c.color {
		s = f.ColorString()
	}
	_, err := fmt.Fprintf(c.w, "%10.3f %s\n", elapsed, s)
	return err
}
