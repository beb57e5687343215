package pcanrs

import (
	"errors"
	"testing"
)

func TestChanSink(t *testing.T) {
	ch := make(chan Frame, 1)
	sink := ChanSink(ch)
	if err := sink.HandleFrame(NewFrame(1, nil)); err != nil {
		t.Fatal(err)
	}
	if err := sink.HandleFrame(NewFrame(2, nil)); !errors.Is(err, ErrDroppedFrame) {
		t.Errorf("err = %v, want ErrDroppedFrame", err)
	}
	if f := <-ch; f.Identifier != 1 {
		t.Errorf("got %s", f)
	}
}

func TestMultiSink(t *testing.T) {
	var got []uint32
	record := FrameSinkFunc(func(f Frame) error {
		got = append(got, f.Identifier)
		return nil
	})
	fail := errors.New("boom")
	sink := MultiSink(record, FrameSinkFunc(func(Frame) error { return fail }), record)
	if err := sink.HandleFrame(NewFrame(7, nil)); !errors.Is(err, fail) {
		t.Errorf("err = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("delivered %d times", len(got))
	}
}

func TestHub(t *testing.T) {
	hub := NewHub()
	all := hub.Subscribe(4)
	only := hub.Subscribe(4, 0x7E8)

	for _, id := range []uint32{0x7E0, 0x7E8} {
		if err := hub.HandleFrame(NewFrame(id, []byte{byte(id)})); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(all.Chan()); n != 2 {
		t.Errorf("global subscriber got %d frames", n)
	}
	if n := len(only.Chan()); n != 1 {
		t.Fatalf("filtered subscriber got %d frames", n)
	}
	if f := <-only.Chan(); f.Identifier != 0x7E8 {
		t.Errorf("filtered subscriber got %s", f)
	}

	only.Close()
	only.Close()
	if _, ok := <-only.Chan(); ok {
		t.Error("channel open after close")
	}
	if err := hub.HandleFrame(NewFrame(0x7E8, nil)); err != nil {
		t.Errorf("err = %v", err)
	}

	full := hub.Subscribe(0)
	defer full.Close()
	if err := hub.HandleFrame(NewFrame(1, nil)); !errors.Is(err, ErrDroppedFrame) {
		t.Errorf("err = %v, want ErrDroppedFrame", err)
	}
	all.Close()
}
