package pcanrs

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	SentBytes       uint64
	RecvBytes       uint64
	Commands        uint64
	Naks            uint64
	Timeouts        uint64
	Frames          uint64
	DroppedFrames   uint64
	UnexpectedLines uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("sent: %d recv: %d commands: %d naks: %d timeouts: %d frames: %d dropped: %d unexpected: %d",
		st.SentBytes, st.RecvBytes, st.Commands, st.Naks, st.Timeouts, st.Frames, st.DroppedFrames, st.UnexpectedLines)
}

type counters struct {
	sentBytes, recvBytes  atomic.Uint64
	commands              atomic.Uint64
	naks, timeouts        atomic.Uint64
	frames, droppedFrames atomic.Uint64
	unexpectedLines       atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		SentBytes:       c.sentBytes.Load(),
		RecvBytes:       c.recvBytes.Load(),
		Commands:        c.commands.Load(),
		Naks:            c.naks.Load(),
		Timeouts:        c.timeouts.Load(),
		Frames:          c.frames.Load(),
		DroppedFrames:   c.droppedFrames.Load(),
		UnexpectedLines: c.unexpectedLines.Load(),
	}
}
