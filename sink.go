package pcanrs

import (
	"sync"
)

// FrameSink receives frames the adapter reported on its own. HandleFrame
// is called from the driver's read path and must not block; return
// ErrDroppedFrame when the frame could not be queued.
type FrameSink interface {
	HandleFrame(Frame) error
}

type FrameSinkFunc func(Frame) error

func (fn FrameSinkFunc) HandleFrame(f Frame) error {
	return fn(f)
}

type discardSink struct{}

func (discardSink) HandleFrame(Frame) error { return nil }

// ChanSink returns a sink that queues frames on ch without blocking.
func ChanSink(ch chan<- Frame) FrameSink {
	return FrameSinkFunc(func(f Frame) error {
		select {
		case ch <- f:
			return nil
		default:
			return ErrDroppedFrame
		}
	})
}

// MultiSink delivers every frame to all sinks and returns the first error.
func MultiSink(sinks ...FrameSink) FrameSink {
	return FrameSinkFunc(func(f Frame) error {
		var first error
		for _, s := range sinks {
			if err := s.HandleFrame(f); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Hub fans frames out to subscribers, optionally filtered by identifier.
type Hub struct {
	mu         sync.RWMutex
	submap     map[uint32]map[*Subscriber]struct{}
	globalSubs []*Subscriber
}

func NewHub() *Hub {
	return &Hub{
		submap: make(map[uint32]map[*Subscriber]struct{}),
	}
}

type Subscriber struct {
	hub          *Hub
	identifiers  map[uint32]struct{}
	responseChan chan Frame
	closeOnce    sync.Once
}

func (s *Subscriber) Chan() <-chan Frame {
	return s.responseChan
}

func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.hub.unregister(s)
	})
}

// Subscribe returns a subscriber receiving frames with any of the given
// identifiers, or all frames when none are given.
func (h *Hub) Subscribe(bufSize int, identifiers ...uint32) *Subscriber {
	sub := &Subscriber{
		hub:          h,
		identifiers:  make(map[uint32]struct{}, len(identifiers)),
		responseChan: make(chan Frame, bufSize),
	}
	for _, id := range identifiers {
		sub.identifiers[id] = struct{}{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(sub.identifiers) == 0 {
		h.globalSubs = append(h.globalSubs, sub)
		return sub
	}
	for id := range sub.identifiers {
		if _, ok := h.submap[id]; !ok {
			h.submap[id] = make(map[*Subscriber]struct{})
		}
		h.submap[id][sub] = struct{}{}
	}
	return sub
}

func (h *Hub) unregister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(sub.identifiers) == 0 {
		for i, s := range h.globalSubs {
			if s == sub {
				h.globalSubs = append(h.globalSubs[:i], h.globalSubs[i+1:]...)
				break
			}
		}
		close(sub.responseChan)
		return
	}
	for id := range sub.identifiers {
		if subs, ok := h.submap[id]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.submap, id)
			}
		}
	}
	close(sub.responseChan)
}

// HandleFrame delivers f. Sending happens under the read lock so that
// unregister cannot close a channel mid-send.
func (h *Hub) HandleFrame(f Frame) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var err error
	deliver := func(sub *Subscriber) {
		select {
		case sub.responseChan <- f:
		default:
			err = ErrDroppedFrame
		}
	}
	for _, sub := range h.globalSubs {
		deliver(sub)
	}
	for sub := range h.submap[f.Identifier] {
		deliver(sub)
	}
	return err
}
