package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcasterPublish_SingleSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "c1")

	b.Publish("c1", Event{Type: EventDelta, Content: "hola"})

	ev := waitEvent(t, ch)
	if ev.Type != EventDelta || ev.Content != "hola" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.ConversationID != "c1" {
		t.Fatalf("expected conversation id set, got %q", ev.ConversationID)
	}
	if ev.CreatedAt.IsZero() {
		t.Fatalf("expected created_at default")
	}
}

func TestBroadcasterPublish_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(context.Background(), "c1")
	ch2, _ := b.Subscribe(context.Background(), "c1")
	other, _ := b.Subscribe(context.Background(), "c2")

	b.Publish("c1", Event{Type: EventCompleted})

	for i, ch := range []<-chan Event{ch1, ch2} {
		ev := waitEvent(t, ch)
		if ev.Type != EventCompleted {
			t.Fatalf("subscriber %d got %+v", i, ev)
		}
	}

	select {
	case ev := <-other:
		t.Fatalf("subscriber of c2 received event for c1: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	slow, _ := b.Subscribe(context.Background(), "c1")
	fast, _ := b.Subscribe(context.Background(), "c1")

	// Llena el buffer del lento y sigue publicando.
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish("c1", Event{Type: EventDelta, Content: "x"})
	}

	received := 0
	for {
		select {
		case <-fast:
			received++
			if received == subscriberBufferSize {
				// El rapido tambien tiene buffer acotado; basta verificar que
				// publish nunca se quedo bloqueado para llegar aqui.
				_ = slow
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber starved after %d events", received)
		}
	}
}

func TestBroadcasterUnsubscribe_Idempotent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), "c1")

	b.Unsubscribe("c1", subID)
	b.Unsubscribe("c1", subID)

	if _, open := <-ch; open {
		t.Fatalf("expected channel closed after unsubscribe")
	}

	// Publicar sin suscriptores no debe entrar en panico.
	b.Publish("c1", Event{Type: EventDelta})
}

func TestBroadcasterPublish_ConcurrentWithUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Un cliente SSE puede desconectarse (y cerrar su canal) mientras el turno
	// sigue publicando deltas; eso nunca debe entrar en panico.
	subIDs := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		_, subID := b.Subscribe(context.Background(), "c1")
		subIDs = append(subIDs, subID)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					b.Publish("c1", Event{Type: EventDelta, Content: "x"})
				}
			}
		}()
	}

	for _, subID := range subIDs {
		b.Unsubscribe("c1", subID)
	}
	close(done)
	wg.Wait()

	// Sin suscriptores el publish sigue siendo seguro.
	b.Publish("c1", Event{Type: EventCompleted})
}

func TestBroadcasterSubscribe_ContextCancelCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "c1")
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after context cancellation")
		}
	}
}
