package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeTaskStatus, Data: TaskEvent{TaskID: 1, Group: "default", Status: "running"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeTaskStatus {
				t.Fatalf("subscriber %d: wrong type %q", i, e.Type)
			}
			te, ok := e.Data.(TaskEvent)
			if !ok || te.TaskID != 1 {
				t.Fatalf("subscriber %d: payload lost: %+v", i, e.Data)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: timestamp not set", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	// The subscriber never reads; extra events are dropped, not queued.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeStateChanged})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a slow subscriber")
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic on the closed channel.
	b.Publish(Event{Type: TypeStateChanged})
}
