package pcanrs

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func newTestDriver(t *testing.T, opts ...Opts) (*Driver, *fakeAdapter) {
	t.Helper()
	fa := newFakeAdapter()
	opts = append([]Opts{
		OptReadTimeout(50 * time.Millisecond),
		OptPollInterval(5 * time.Millisecond),
	}, opts...)
	d, err := New(fa, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d, fa
}

func mustIssue(t *testing.T, d *Driver, cmd Command) Reply {
	t.Helper()
	reply, err := d.Issue(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.Kind(), err)
	}
	return reply
}

func assertWrites(t *testing.T, fa *fakeAdapter, want ...string) {
	t.Helper()
	if got := fa.writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
}

func TestNewOptions(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil transport")
	}
	for name, opt := range map[string]Opts{
		"read timeout":  OptReadTimeout(0),
		"poll interval": OptPollInterval(-time.Second),
		"sink":          OptFrameSink(nil),
		"logger":        OptLogger(nil),
	} {
		if _, err := New(newFakeAdapter(), opt); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOpenListenClose(t *testing.T) {
	d, fa := newTestDriver(t)
	if d.State() != Closed {
		t.Fatalf("initial state %s", d.State())
	}

	if reply := mustIssue(t, d, Open{}); reply.Kind != ReplyAck {
		t.Errorf("open reply %s", reply)
	}
	if d.State() != OpenNormal {
		t.Errorf("state after open = %s", d.State())
	}
	mustIssue(t, d, Close{})
	if d.State() != Closed {
		t.Errorf("state after close = %s", d.State())
	}
	mustIssue(t, d, Listen{})
	if d.State() != OpenListen {
		t.Errorf("state after listen = %s", d.State())
	}
	assertWrites(t, fa, "O", "C", "L")
}

func TestNakLeavesStateUnchanged(t *testing.T) {
	d, _ := newTestDriver(t)
	mustIssue(t, d, Open{})

	reply, err := d.Issue(context.Background(), Open{})
	if !errors.Is(err, ErrDeviceNak) {
		t.Fatalf("err = %v, want ErrDeviceNak", err)
	}
	if reply.Kind != ReplyError {
		t.Errorf("reply = %s", reply)
	}
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Command != CmdOpen {
		t.Errorf("err = %#v", err)
	}
	if d.State() != OpenNormal {
		t.Errorf("state = %s", d.State())
	}
	if st := d.Stats(); st.Naks != 1 {
		t.Errorf("naks = %d", st.Naks)
	}
}

func TestTimeout(t *testing.T) {
	d, fa := newTestDriver(t)
	fa.set(func(f *fakeAdapter) { f.silent["V"] = true })

	reply, err := d.Issue(context.Background(), GetVersion{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if reply.Kind != ReplyError {
		t.Errorf("reply = %s", reply)
	}
	if !IsRecoverable(err) {
		t.Error("timeout should be recoverable")
	}
	if st := d.Stats(); st.Timeouts != 1 {
		t.Errorf("timeouts = %d", st.Timeouts)
	}
}

func TestRequiresClosedWrapping(t *testing.T) {
	tests := []struct {
		name  string
		open  Command
		cmd   Command
		want  []string
		state ChannelState
	}{
		{"bitrate while open", Open{}, SetCANBitrate{Selector: 6}, []string{"C", "S6", "O"}, OpenNormal},
		{"btr while open", Open{}, SetBTR{BTR0: 0x00, BTR1: 0x1C}, []string{"C", "s001C", "O"}, OpenNormal},
		{"timestamp while listening", Listen{}, SetTimestamp{Enabled: true}, []string{"C", "Z1", "L"}, OpenListen},
		{"eeprom while listening", Listen{}, WriteEEPROM{Op: EEPROMSave}, []string{"C", "e0", "L"}, OpenListen},
		{"auto poll while closed", nil, SetAutoPoll{Enabled: false}, []string{"X0"}, Closed},
		{"filter mode while closed", nil, SetFilterMode{Single: true}, []string{"W1"}, Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, fa := newTestDriver(t)
			if tt.open != nil {
				mustIssue(t, d, tt.open)
				fa.reset()
			}
			if reply := mustIssue(t, d, tt.cmd); reply.Kind != ReplyAck {
				t.Errorf("reply = %s", reply)
			}
			assertWrites(t, fa, tt.want...)
			if d.State() != tt.state {
				t.Errorf("state = %s, want %s", d.State(), tt.state)
			}
		})
	}
}

func TestRequiresOpenWrapping(t *testing.T) {
	d, fa := newTestDriver(t)

	reply := mustIssue(t, d, GetStatus{})
	if reply.Kind != ReplyData || string(reply.Line()) != "F00" {
		t.Errorf("reply = %s", reply)
	}
	assertWrites(t, fa, "O", "F", "C")
	if d.State() != Closed {
		t.Errorf("state = %s", d.State())
	}

	fa.reset()
	mustIssue(t, d, Open{})
	mustIssue(t, d, GetStatus{})
	assertWrites(t, fa, "O", "F")

	fa.reset()
	mustIssue(t, d, Close{})
	mustIssue(t, d, SetAutoStartup{Mode: AutoStartupOff})
	assertWrites(t, fa, "C", "O", "Q0", "C")
}

func TestReopenFailure(t *testing.T) {
	d, fa := newTestDriver(t)
	mustIssue(t, d, Open{})
	fa.reset()
	fa.set(func(f *fakeAdapter) { f.nak["O"] = true })

	reply, err := d.Issue(context.Background(), SetCANBitrate{Selector: 4})
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cerr.Command != CmdOpen {
		t.Errorf("failing command = %s, want open", cerr.Command)
	}
	if reply.Kind != ReplyError {
		t.Errorf("reply = %s", reply)
	}
	if d.State() != Closed {
		t.Errorf("state = %s, want closed", d.State())
	}
	assertWrites(t, fa, "C", "S4", "O")
}

func TestReopenAfterNakedCommand(t *testing.T) {
	d, fa := newTestDriver(t)
	mustIssue(t, d, Open{})
	fa.reset()
	fa.set(func(f *fakeAdapter) { f.nak["S"] = true })

	_, err := d.Issue(context.Background(), SetCANBitrate{Selector: 4})
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Command != CmdSetCANBitrate {
		t.Fatalf("err = %v", err)
	}
	assertWrites(t, fa, "C", "S4", "O")
	if d.State() != OpenNormal {
		t.Errorf("state = %s, want open", d.State())
	}
}

func TestCloseFailureAborts(t *testing.T) {
	d, fa := newTestDriver(t)
	mustIssue(t, d, Open{})
	fa.reset()
	fa.set(func(f *fakeAdapter) { f.nak["C"] = true })

	_, err := d.Issue(context.Background(), SetCANBitrate{Selector: 4})
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Command != CmdClose {
		t.Fatalf("err = %v, want close failure", err)
	}
	assertWrites(t, fa, "C")
	if d.State() != OpenNormal {
		t.Errorf("state = %s", d.State())
	}
}

func TestUARTBaudChangeBeforeReply(t *testing.T) {
	d, fa := newTestDriver(t)
	mustIssue(t, d, Open{})
	fa.reset()

	if reply := mustIssue(t, d, SetUARTBitrate{Selector: 1}); reply.Kind != ReplyAck {
		t.Fatalf("reply = %s", reply)
	}
	want := []string{
		"write C", "read",
		"write U1", "baud 115200", "read",
		"write O", "read",
	}
	if got := fa.opLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("ops = %q, want %q", got, want)
	}
	if d.State() != OpenNormal {
		t.Errorf("state = %s", d.State())
	}
}

func TestInvalidArgumentNeverWrites(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		is   error
	}{
		{"bitrate selector", SetCANBitrate{Selector: 9}, ErrInvalidArgument},
		{"uart selector", SetUARTBitrate{Selector: 7}, ErrInvalidArgument},
		{"auto startup", SetAutoStartup{Mode: 3}, ErrInvalidArgument},
		{"eeprom op", WriteEEPROM{Op: 3}, ErrInvalidArgument},
		{"standard id", Transmit{Identifier: 0x800, Length: 0}, ErrOutOfRange},
		{"extended id", Transmit{Extended: true, Identifier: 0x20000000}, ErrOutOfRange},
		{"length", Transmit{Identifier: 1, Length: 9, Data: make([]byte, 9)}, ErrOutOfRange},
		{"payload", Transmit{Identifier: 1, Length: 2, Data: []byte{1}}, ErrLengthMismatch},
		{"hex payload", Transmit{Identifier: 1, Length: 1, HexData: "zz"}, ErrInvalidArgument},
		{"remote length", TransmitRequest{Identifier: 1, Length: 9}, ErrOutOfRange},
		{"raw", Raw{Text: "O\r"}, ErrInvalidArgument},
		{"nil", nil, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, fa := newTestDriver(t)
			_, err := d.Issue(context.Background(), tt.cmd)
			if !errors.Is(err, ErrInvalidArgument) || !errors.Is(err, tt.is) {
				t.Errorf("err = %v, want %v", err, tt.is)
			}
			if w := fa.writes(); len(w) != 0 {
				t.Errorf("wrote %q", w)
			}
		})
	}
}

func TestTransportFailure(t *testing.T) {
	d, fa := newTestDriver(t)
	fa.set(func(f *fakeAdapter) { f.writeErr = errors.New("device unplugged") })

	_, err := d.Issue(context.Background(), Open{})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if IsRecoverable(err) {
		t.Error("transport failure should be unrecoverable")
	}

	fa.set(func(f *fakeAdapter) {
		f.writeErr = nil
		f.readErr = errors.New("read failed")
	})
	if _, err := d.Issue(context.Background(), Open{}); !errors.Is(err, ErrTransport) {
		t.Errorf("read err = %v", err)
	}
}

func TestTransmit(t *testing.T) {
	d, fa := newTestDriver(t)
	mustIssue(t, d, Open{})
	fa.reset()

	if err := d.Transmit(context.Background(), NewFrame(0x123, []byte{0xDE, 0xAD, 0xBE, 0xEF})); err != nil {
		t.Fatal(err)
	}
	if err := d.Transmit(context.Background(), NewRemoteFrame(Extended29, 0x1234, 4)); err != nil {
		t.Fatal(err)
	}
	mustIssue(t, d, Transmit{Identifier: 0x7FF, Length: 2, HexData: "01 ff"})
	assertWrites(t, fa, "t1234DEADBEEF", "R000012344", "t7FF201FF")
}

func TestParsedQueries(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	v, err := d.Version(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "H/W 1.0 S/W 1.1" {
		t.Errorf("version = %s", v)
	}
	sn, err := d.Serial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sn != "A123" {
		t.Errorf("serial = %q", sn)
	}
	flags, err := d.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if flags != 0 {
		t.Errorf("status = %s", flags)
	}
	if d.State() != Closed {
		t.Errorf("state = %s", d.State())
	}
}

func TestFramesBetweenCommands(t *testing.T) {
	frames := make(chan Frame, 4)
	d, fa := newTestDriver(t, OptFrameSink(ChanSink(frames)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	if _, err := d.Version(ctx); err != nil {
		t.Fatal(err)
	}
	fa.inject("t1234DEADBEEF\r")
	select {
	case f := <-frames:
		want := NewFrame(0x123, []byte{0xDE, 0xAD, 0xBE, 0xEF})
		if !f.Equal(want) {
			t.Errorf("frame = %s, want %s", f, want)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
	if _, err := d.Serial(ctx); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("run = %v", err)
	}
	if st := d.Stats(); st.Frames != 1 {
		t.Errorf("frames = %d", st.Frames)
	}
}

func TestFrameDuringCommand(t *testing.T) {
	frames := make(chan Frame, 4)
	d, fa := newTestDriver(t, OptFrameSink(ChanSink(frames)))
	fa.set(func(f *fakeAdapter) { f.extra["O"] = []string{"T000001231AA\r"} })

	if reply := mustIssue(t, d, Open{}); reply.Kind != ReplyAck {
		t.Fatalf("reply = %s", reply)
	}
	select {
	case f := <-frames:
		if f.Identifier != 0x123 || !f.Extended() || f.Payload[0] != 0xAA {
			t.Errorf("frame = %s", f)
		}
	default:
		t.Fatal("frame not delivered")
	}
}

func TestDoubledAckConsumed(t *testing.T) {
	d, fa := newTestDriver(t)
	fa.set(func(f *fakeAdapter) { f.after["O"] = []string{"\r"} })

	if reply := mustIssue(t, d, Open{}); reply.Kind != ReplyAck {
		t.Fatalf("reply = %s", reply)
	}
	v, err := d.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.Hardware != "10" || v.Software != "11" {
		t.Errorf("version = %s", v)
	}
	if st := d.State(); st != OpenNormal {
		t.Errorf("state = %s", st)
	}
	if st := d.Stats(); st.UnexpectedLines != 0 {
		t.Errorf("unexpected lines = %d", st.UnexpectedLines)
	}
}

func TestFrameAfterAckDispatched(t *testing.T) {
	frames := make(chan Frame, 4)
	d, fa := newTestDriver(t, OptFrameSink(ChanSink(frames)))
	fa.set(func(f *fakeAdapter) { f.after["O"] = []string{"t1231AA\r"} })

	mustIssue(t, d, Open{})
	if len(frames) != 1 {
		t.Fatalf("frames queued = %d", len(frames))
	}
	if _, err := d.Version(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDataReplyToAckOnlyCommand(t *testing.T) {
	d, fa := newTestDriver(t)
	fa.set(func(f *fakeAdapter) {
		f.extra["O"] = []string{"V1011\r"}
	})

	reply := mustIssue(t, d, Open{})
	if reply.Kind != ReplyData {
		t.Fatalf("reply = %s", reply)
	}
	if st := d.Stats(); st.UnexpectedLines != 1 {
		t.Errorf("unexpected lines = %d", st.UnexpectedLines)
	}
}

func TestStatusReplyNotTakenAsFrame(t *testing.T) {
	frames := make(chan Frame, 4)
	d, fa := newTestDriver(t, OptFrameSink(ChanSink(frames)))
	mustIssue(t, d, Open{})
	fa.set(func(f *fakeAdapter) { f.extra["F"] = []string{"t0010\r"} })

	flags, err := d.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if flags != 0 {
		t.Errorf("flags = %s", flags)
	}
	if len(frames) != 1 {
		t.Errorf("frames queued = %d", len(frames))
	}
}

func TestUnexpectedLineCounted(t *testing.T) {
	d, fa := newTestDriver(t)
	fa.inject("garbage\r")
	if err := d.Poll(); err != nil {
		t.Fatal(err)
	}
	if st := d.Stats(); st.UnexpectedLines != 1 {
		t.Errorf("unexpected lines = %d", st.UnexpectedLines)
	}
}

func TestDroppedFrameCounted(t *testing.T) {
	frames := make(chan Frame)
	d, fa := newTestDriver(t, OptFrameSink(ChanSink(frames)))
	fa.inject("t0010\r")
	if err := d.Poll(); err != nil {
		t.Fatal(err)
	}
	if st := d.Stats(); st.DroppedFrames != 1 {
		t.Errorf("dropped = %d", st.DroppedFrames)
	}
}

func TestConcurrentIssueSerialised(t *testing.T) {
	d, fa := newTestDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := d.Version(ctx); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	fa.set(func(f *fakeAdapter) {
		if f.overlap {
			t.Error("command written while another was awaiting its reply")
		}
	})
}

func TestCanceledContext(t *testing.T) {
	d, fa := newTestDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Issue(ctx, Open{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	assertWrites(t, fa)
}

func TestReset(t *testing.T) {
	d, fa := newTestDriver(t)
	if err := d.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	assertWrites(t, fa, "\r\r", "C")
	if d.State() != Closed {
		t.Errorf("state = %s", d.State())
	}

	mustIssue(t, d, Open{})
	if err := d.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.State() != Closed {
		t.Errorf("state after reset = %s", d.State())
	}
}

func TestCloseTeardown(t *testing.T) {
	d, fa := newTestDriver(t)
	mustIssue(t, d, Open{})
	fa.reset()

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	assertWrites(t, fa, "C")
	fa.set(func(f *fakeAdapter) {
		if !f.closed {
			t.Error("transport not closed")
		}
	})
	if _, err := d.Issue(context.Background(), Open{}); !errors.Is(err, ErrDriverClosed) {
		t.Errorf("issue after close = %v", err)
	}
	if err := d.Poll(); !errors.Is(err, ErrDriverClosed) {
		t.Errorf("poll after close = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second close = %v", err)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	d, _ := newTestDriver(t)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	d.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}
