// Package bus is the typed event stream decoupling the engine from its
// transports. Producers (turn loop, tool dispatcher, sub-agent scheduler)
// emit in program order; any number of consumers subscribe. A slow consumer
// loses intermediate text deltas but never structural events — those are
// queued without bound.
package bus

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Emit after Destroy.
var ErrChannelClosed = errors.New("bus: emit on destroyed bus")

// maxPendingText bounds how many droppable events a subscriber queue holds
// before new text deltas start coalescing into the newest queued one.
const maxPendingText = 256

// Publisher is the producer-side interface. The agent loop and dispatcher
// take a Publisher so sub-agents can be handed a scoped re-tagging one.
type Publisher interface {
	Emit(Event) error
}

// Handler consumes events. Called from the subscriber's own goroutine;
// events arrive in emit order.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	pending int // droppable events currently queued
	done    bool
	fn      Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if old, ok := b.subs[id]; ok {
		old.stop()
	}
	s := &subscriber{fn: fn}
	s.cond = sync.NewCond(&s.mu)
	b.subs[id] = s
	go s.run()
}

// Unsubscribe removes a handler. Pending events for it are discarded.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		s.stop()
		delete(b.subs, id)
	}
}

// Emit delivers ev to every subscriber in order relative to other Emit
// calls from the same goroutine.
func (b *Bus) Emit(ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrChannelClosed
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
	return nil
}

// Destroy deregisters all listeners. Subsequent Emit calls fail with
// ErrChannelClosed.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.stop()
		delete(b.subs, id)
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if !ev.Structural() && s.pending >= maxPendingText {
		// Coalesce into the newest queued text delta for the same agent,
		// or drop if there is none. Structural events are unaffected.
		if tp, ok := ev.Payload.(TextPayload); ok {
			for i := len(s.queue) - 1; i >= 0; i-- {
				if s.queue[i].Type == TypeText && s.queue[i].AgentID == ev.AgentID {
					prev := s.queue[i].Payload.(TextPayload)
					prev.Text += tp.Text
					s.queue[i].Payload = prev
					return
				}
			}
		}
		return
	}
	s.queue = append(s.queue, ev)
	if !ev.Structural() {
		s.pending++
	}
	s.cond.Signal()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		if !ev.Structural() {
			s.pending--
		}
		s.mu.Unlock()
		s.fn(ev)
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.done = true
	s.queue = nil
	s.pending = 0
	s.mu.Unlock()
	s.cond.Signal()
}

// scoped re-tags events with a sub-agent id before forwarding to the parent
// publisher. Used by the sub-agent scheduler so child events stay
// attributable without children holding parent state.
type scoped struct {
	parent  Publisher
	agentID string
}

// Scoped returns a Publisher that stamps agentID on every event that does
// not already carry one.
func Scoped(parent Publisher, agentID string) Publisher {
	return &scoped{parent: parent, agentID: agentID}
}

func (s *scoped) Emit(ev Event) error {
	if ev.AgentID == "" {
		ev.AgentID = s.agentID
	}
	return s.parent.Emit(ev)
}

// Collect is a test/print-mode helper: subscribes a buffered collector and
// returns a drain function producing everything received so far.
func Collect(b *Bus, id string) func() []Event {
	var mu sync.Mutex
	var got []Event
	b.Subscribe(id, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(got))
		copy(out, got)
		return out
	}
}
