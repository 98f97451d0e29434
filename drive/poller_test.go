package drive

import (
	"context"
	"testing"
	"time"
)

func TestPoller_DedupesOnSeq(t *testing.T) {
	store := NewMemoryStore()
	store.Publish("r", func(st *RunState) { st.Status = StatusRunning; st.TotalSteps = 3 })

	var got []RunState
	p := &Poller{
		Store:    store,
		Interval: time.Millisecond,
		OnUpdate: func(st RunState) { got = append(got, st) },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Watch(context.Background(), "r")
	}()

	// one publication per step, then terminal
	time.Sleep(5 * time.Millisecond)
	store.Publish("r", func(st *RunState) { st.ExecutedSteps = 1 })
	time.Sleep(5 * time.Millisecond)
	store.Publish("r", func(st *RunState) { st.ExecutedSteps = 2 })
	time.Sleep(5 * time.Millisecond)
	store.Publish("r", func(st *RunState) { st.Status = StatusDone; st.ExecutedSteps = 3 })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poller did not stop at terminal status")
	}

	if len(got) != 4 {
		t.Fatalf("updates = %d, want 4 (one per publication)", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("duplicate or reordered update at %d: %+v", i, got)
		}
	}
	if got[len(got)-1].Status != StatusDone {
		t.Fatalf("last update = %+v, want done", got[len(got)-1])
	}
}

func TestPoller_StopsWhenRecordCleared(t *testing.T) {
	store := NewMemoryStore()
	store.Publish("r", func(st *RunState) { st.Status = StatusRunning })

	p := &Poller{Store: store, Interval: time.Millisecond}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Watch(context.Background(), "r")
	}()

	time.Sleep(5 * time.Millisecond)
	store.Clear("r")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poller did not stop after clear")
	}
}

func TestPoller_HonoursContext(t *testing.T) {
	store := NewMemoryStore()
	store.Publish("r", func(st *RunState) { st.Status = StatusRunning })

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{Store: store, Interval: time.Millisecond}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Watch(ctx, "r")
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poller ignored context cancellation")
	}
}
