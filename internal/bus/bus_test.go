package bus

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestEmitOrderPerSubscriber(t *testing.T) {
	b := New()
	defer b.Destroy()

	var mu sync.Mutex
	var got []Type
	b.Subscribe("c1", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	b.Emit(Event{Type: TypeToolStart, Payload: ToolStartPayload{ID: "a"}})
	b.Emit(Event{Type: TypeText, Payload: TextPayload{Text: "x"}})
	b.Emit(Event{Type: TypeToolEnd, Payload: ToolEndPayload{ID: "a"}})
	b.Emit(Event{Type: TypeDone, Payload: DonePayload{Outcome: OutcomeDone}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	})

	want := []Type{TypeToolStart, TypeText, TypeToolEnd, TypeDone}
	mu.Lock()
	defer mu.Unlock()
	for i, w := range want {
		if got[i] != w {
			t.Errorf("event %d = %s, want %s", i, got[i], w)
		}
	}
}

func TestSlowConsumerKeepsStructuralEvents(t *testing.T) {
	b := New()
	defer b.Destroy()

	block := make(chan struct{})
	var mu sync.Mutex
	var structural int
	var textBytes int
	b.Subscribe("slow", func(ev Event) {
		<-block
		mu.Lock()
		if ev.Structural() {
			structural++
		} else if tp, ok := ev.Payload.(TextPayload); ok {
			textBytes += len(tp.Text)
		}
		mu.Unlock()
	})

	const deltas = 5000
	for i := 0; i < deltas; i++ {
		b.Emit(Event{Type: TypeText, Payload: TextPayload{Text: "x"}})
	}
	b.Emit(Event{Type: TypeToolStart, Payload: ToolStartPayload{ID: "t"}})
	b.Emit(Event{Type: TypeToolEnd, Payload: ToolEndPayload{ID: "t"}})
	b.Emit(Event{Type: TypeDone, Payload: DonePayload{Outcome: OutcomeDone}})
	close(block)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return structural == 3
	})

	mu.Lock()
	defer mu.Unlock()
	// Text may be coalesced but whatever survived must be intact bytes.
	if textBytes == 0 || textBytes > deltas {
		t.Errorf("text bytes delivered = %d, want 1..%d", textBytes, deltas)
	}
}

func TestEmitAfterDestroy(t *testing.T) {
	b := New()
	b.Subscribe("c", func(Event) {})
	b.Destroy()
	if err := b.Emit(Event{Type: TypeText}); err != ErrChannelClosed {
		t.Fatalf("Emit after Destroy = %v, want ErrChannelClosed", err)
	}
}

func TestScopedRetagsAgentID(t *testing.T) {
	b := New()
	defer b.Destroy()
	drain := Collect(b, "c")

	p := Scoped(b, "agent-7")
	p.Emit(Event{Type: TypeSubagentNote, Payload: SubagentPayload{Note: "hi"}})
	p.Emit(Event{Type: TypeToolStart, AgentID: "explicit", Payload: ToolStartPayload{}})

	waitFor(t, func() bool { return len(drain()) == 2 })
	got := drain()
	if got[0].AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want agent-7", got[0].AgentID)
	}
	if got[1].AgentID != "explicit" {
		t.Errorf("explicit AgentID overwritten: %q", got[1].AgentID)
	}
}
