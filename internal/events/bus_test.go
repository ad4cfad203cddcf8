package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_WaitThenPublish(t *testing.T) {
	b := NewBus()

	var got bool
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, got = b.WaitFor(ctx, KindCallEnded)
		close(done)
	}()

	// Give the goroutine time to subscribe.
	time.Sleep(10 * time.Millisecond)

	b.Publish(Notification{Kind: KindStateUpdate})
	b.Publish(Notification{Kind: KindCallEnded})

	<-done
	if !got {
		t.Error("expected WaitFor to return true after Publish")
	}
}

func TestBus_Timeout(t *testing.T) {
	b := NewBus()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, ok := b.WaitFor(ctx, KindCallStarted); ok {
		t.Error("expected WaitFor to return false on timeout")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers = %d after WaitFor returned, want 0", n)
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			b.Publish(Notification{Kind: KindStateUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := NewBus()

	const n = 5
	var wg sync.WaitGroup
	chans := make([]<-chan Notification, n)
	for i := 0; i < n; i++ {
		ch, cancel := b.Subscribe()
		defer cancel()
		chans[i] = ch
	}

	b.Publish(Notification{Kind: KindCallStarted, Snapshot: Snapshot{State: "INCOMING"}})

	for i, ch := range chans {
		wg.Add(1)
		go func(i int, ch <-chan Notification) {
			defer wg.Done()
			select {
			case got := <-ch:
				if got.Snapshot.State != "INCOMING" {
					t.Errorf("subscriber %d got state %q", i, got.Snapshot.State)
				}
			case <-time.After(time.Second):
				t.Errorf("subscriber %d received nothing", i)
			}
		}(i, ch)
	}
	wg.Wait()
}

func TestBus_CancelIsIdempotent(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	b.Publish(Notification{Kind: KindStateUpdate})
}
