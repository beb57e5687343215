package pcanrs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type ChannelState int32

const (
	Closed ChannelState = iota
	OpenNormal
	OpenListen
)

func (s ChannelState) String() string {
	switch s {
	case Closed:
		return "closed"
	case OpenNormal:
		return "open"
	case OpenListen:
		return "listen"
	default:
		return "unknown"
	}
}

func (s ChannelState) IsOpen() bool {
	return s == OpenNormal || s == OpenListen
}

// Driver runs the adapter's half-duplex command protocol over a Transport
// and tracks the channel state. All link access is serialised by mu: an
// Issue call and the idle reader in Run never interleave.
type Driver struct {
	t            Transport
	readTimeout  time.Duration
	pollInterval time.Duration
	sink         FrameSink
	log          *zap.Logger

	mu     sync.Mutex
	closed bool

	state atomic.Int32
	stats counters

	done      chan struct{}
	closeOnce sync.Once
}

func New(t Transport, opts ...Opts) (*Driver, error) {
	if t == nil {
		return nil, errors.New("transport is nil")
	}
	d := &Driver{
		t:            t,
		readTimeout:  DefaultReadTimeout,
		pollInterval: DefaultPollInterval,
		sink:         discardSink{},
		log:          zap.NewNop(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Driver) State() ChannelState {
	return ChannelState(d.state.Load())
}

func (d *Driver) setState(s ChannelState) {
	if old := ChannelState(d.state.Swap(int32(s))); old != s {
		d.log.Debug("channel state", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

func (d *Driver) Stats() Stats {
	return d.stats.snapshot()
}

// Issue sends cmd, applying its precondition, and returns the classified
// reply. Invalid parameters are rejected before anything is written. An
// Error reply comes back together with a *CommandError naming the command
// that failed, which is the wrapping step when the close/reopen or
// open/reclose around cmd failed.
func (d *Driver) Issue(ctx context.Context, cmd Command) (Reply, error) {
	if cmd == nil {
		return Reply{}, invalidArgument("nil command")
	}
	if _, err := cmd.Encode(); err != nil {
		return Reply{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Reply{}, ErrDriverClosed
	}
	return d.issue(ctx, cmd)
}

func (d *Driver) issue(ctx context.Context, cmd Command) (Reply, error) {
	state := d.State()
	switch cmd.Kind().Precondition() {
	case RequiresClosed:
		if state.IsOpen() {
			var reopen Command = Open{}
			if state == OpenListen {
				reopen = Listen{}
			}
			return d.wrapped(ctx, cmd, Close{}, reopen)
		}
	case RequiresOpen:
		if !state.IsOpen() {
			return d.wrapped(ctx, cmd, Open{}, Close{})
		}
	}
	return d.exchange(ctx, cmd)
}

// wrapped runs before, cmd, after. A failing before aborts; a failing after
// takes precedence over cmd's result.
func (d *Driver) wrapped(ctx context.Context, cmd, before, after Command) (Reply, error) {
	d.log.Debug("wrapping command",
		zap.Stringer("command", cmd.Kind()),
		zap.Stringer("before", before.Kind()),
		zap.Stringer("after", after.Kind()),
	)
	if reply, err := d.exchange(ctx, before); err != nil {
		return reply, err
	}
	reply, err := d.exchange(ctx, cmd)
	if err != nil && !IsRecoverable(err) {
		return reply, err
	}
	// restore the channel even if the caller gave up on cmd
	if r, aerr := d.exchange(context.WithoutCancel(ctx), after); aerr != nil {
		return r, aerr
	}
	return reply, err
}

func (d *Driver) exchange(ctx context.Context, cmd Command) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	out, err := cmd.Encode()
	if err != nil {
		return Reply{}, err
	}
	d.stats.commands.Add(1)
	d.log.Debug(">>", zap.Stringer("command", cmd.Kind()), zap.ByteString("data", out))
	if err := d.t.Write(out); err != nil {
		return Reply{}, transportFailure("write", err)
	}
	d.stats.sentBytes.Add(uint64(len(out)))

	if u, ok := cmd.(SetUARTBitrate); ok {
		// The adapter changes speed as soon as the command is written, the
		// reply is only readable at the new rate.
		if err := d.t.SetBaud(u.Baudrate()); err != nil {
			return Reply{}, transportFailure("set baud", err)
		}
		d.log.Debug("transport baudrate changed", zap.Int("baudrate", u.Baudrate()))
	}

	reply, err := d.awaitReply(ctx, cmd.Kind())
	if err != nil {
		return reply, err
	}
	if reply.Kind == ReplyAck {
		switch cmd.Kind() {
		case CmdOpen:
			d.setState(OpenNormal)
		case CmdListen:
			d.setState(OpenListen)
		case CmdClose:
			d.setState(Closed)
		}
	}
	return reply, nil
}

func (d *Driver) awaitReply(ctx context.Context, kind CommandKind) (Reply, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		line, err := d.t.ReadUntilTerminator(d.readTimeout)
		if err != nil {
			return Reply{}, transportFailure("read", err)
		}
		d.stats.recvBytes.Add(uint64(len(line)))
		reply := Classify(line)
		switch reply.Kind {
		case ReplyError:
			cerr := &CommandError{Command: kind, Err: ErrDeviceNak}
			if len(line) == 0 {
				cerr.Err = ErrTimeout
				d.stats.timeouts.Add(1)
			} else {
				d.stats.naks.Add(1)
			}
			d.log.Debug("<<", zap.Stringer("command", kind), zap.Error(cerr))
			return reply, cerr
		case ReplyAck:
			if len(line) == 1 {
				d.drainAck(kind)
			}
		case ReplyData:
			if d.unsolicited(kind, reply) {
				continue
			}
			if kind != CmdRaw && commandTable[kind].replyTag == 0 {
				// taken as the reply, the ack that follows is left for the next command
				d.stats.unexpectedLines.Add(1)
				d.log.Debug("data reply to ack only command", zap.Stringer("command", kind), zap.ByteString("line", line))
			}
		}
		d.log.Debug("<<", zap.Stringer("command", kind), zap.Stringer("reply", reply))
		return reply, nil
	}
}

// drainAck consumes the second CR of a doubled CR acknowledgement when the
// link delivered it as a separate line. Any other line already waiting is
// dispatched as if read between commands.
func (d *Driver) drainAck(kind CommandKind) {
	line, err := d.t.ReadUntilTerminator(0)
	if err != nil || len(line) == 0 {
		return
	}
	d.stats.recvBytes.Add(uint64(len(line)))
	if len(line) == 1 && line[0] == CR {
		d.log.Debug("<< second ack terminator", zap.Stringer("command", kind))
		return
	}
	d.dispatch(line)
}

// unsolicited delivers reply as a frame when it cannot be the answer to
// kind: it parses as a frame and does not carry the command's reply tag.
func (d *Driver) unsolicited(kind CommandKind, reply Reply) bool {
	line := reply.Line()
	if len(line) == 0 || !IsFrameTag(line[0]) {
		return false
	}
	if tag := commandTable[kind].replyTag; tag != 0 && line[0] == tag {
		return false
	}
	f, err := DecodeFrame(line)
	if err != nil {
		return false
	}
	d.deliver(f)
	return true
}

func (d *Driver) dispatch(line []byte) {
	reply := Classify(line)
	if reply.Kind != ReplyData {
		d.log.Debug("stray reply between commands", zap.Stringer("reply", reply))
		return
	}
	f, err := DecodeFrame(reply.Line())
	if err != nil {
		d.stats.unexpectedLines.Add(1)
		d.log.Warn("unexpected line", zap.ByteString("line", line), zap.Error(err))
		return
	}
	d.deliver(f)
}

func (d *Driver) deliver(f Frame) {
	d.stats.frames.Add(1)
	if err := d.sink.HandleFrame(f); err != nil {
		if errors.Is(err, ErrDroppedFrame) {
			d.stats.droppedFrames.Add(1)
		}
		d.log.Warn("frame sink", zap.Stringer("frame", f), zap.Error(err))
	}
}

// Poll reads at most one line from the link and hands a frame line to the
// sink. Callers that confine the driver to one goroutine call it between
// commands instead of running Run.
func (d *Driver) Poll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	line, err := d.t.ReadUntilTerminator(d.pollInterval)
	if err != nil {
		return transportFailure("read", err)
	}
	if len(line) == 0 {
		return nil
	}
	d.stats.recvBytes.Add(uint64(len(line)))
	d.dispatch(line)
	return nil
}

// Run polls for unsolicited frames until ctx is done or the driver is
// closed. It returns the transport error that ended it, if any.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		default:
		}
		if err := d.Poll(); err != nil {
			if errors.Is(err, ErrDriverClosed) {
				return nil
			}
			return err
		}
	}
}

// Reset flushes the adapter's input parser and the transport buffers and
// closes the channel, tolerating a NAK from an already closed channel.
func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	if err := d.t.Write([]byte{CR, CR, CR}); err != nil {
		return transportFailure("write", err)
	}
	for i := 0; i < 16; i++ {
		line, err := d.t.ReadUntilTerminator(d.pollInterval)
		if err != nil {
			return transportFailure("read", err)
		}
		if len(line) == 0 {
			break
		}
	}
	if err := d.t.ResetInputBuffer(); err != nil {
		return transportFailure("reset input buffer", err)
	}
	if err := d.t.ResetOutputBuffer(); err != nil {
		return transportFailure("reset output buffer", err)
	}
	_, err := d.exchange(ctx, Close{})
	var cerr *CommandError
	if err != nil && !errors.As(err, &cerr) {
		return err
	}
	d.setState(Closed)
	return nil
}

// Close stops Run, makes a best effort to close the CAN channel so the
// adapter is left at rest, and closes the transport.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.State().IsOpen() {
			if _, cerr := d.exchange(context.Background(), Close{}); cerr != nil {
				d.log.Debug("close channel on teardown", zap.Error(cerr))
			}
		}
		d.closed = true
		err = d.t.Close()
	})
	return err
}

func (d *Driver) ack(ctx context.Context, cmd Command) error {
	_, err := d.Issue(ctx, cmd)
	return err
}

func (d *Driver) Open(ctx context.Context) error {
	return d.ack(ctx, Open{})
}

func (d *Driver) Listen(ctx context.Context) error {
	return d.ack(ctx, Listen{})
}

func (d *Driver) CloseChannel(ctx context.Context) error {
	return d.ack(ctx, Close{})
}

// Transmit sends f on the bus.
func (d *Driver) Transmit(ctx context.Context, f Frame) error {
	return d.ack(ctx, TransmitFrame(f))
}

func (d *Driver) data(ctx context.Context, cmd Command) (Reply, error) {
	reply, err := d.Issue(ctx, cmd)
	if err != nil {
		return reply, err
	}
	if reply.Kind != ReplyData {
		return reply, fmt.Errorf("%w: %s reply to %s", ErrUnexpectedReply, reply.Kind, cmd.Kind())
	}
	return reply, nil
}

func (d *Driver) Status(ctx context.Context) (StatusFlags, error) {
	reply, err := d.data(ctx, GetStatus{})
	if err != nil {
		return 0, err
	}
	return ParseStatus(reply.Data)
}

func (d *Driver) Version(ctx context.Context) (Version, error) {
	reply, err := d.data(ctx, GetVersion{})
	if err != nil {
		return Version{}, err
	}
	return ParseVersion(reply.Data)
}

func (d *Driver) Serial(ctx context.Context) (string, error) {
	reply, err := d.data(ctx, GetSerial{})
	if err != nil {
		return "", err
	}
	return ParseSerial(reply.Data)
}
