package events

import "testing"

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	h := NewHub()
	ch, id := h.Subscribe(4)
	defer h.Unsubscribe(id)

	h.Publish(Event{Type: TypeCallAdmitted, Host: "example.com"})

	select {
	case e := <-ch:
		if e.Type != TypeCallAdmitted || e.Host != "example.com" {
			t.Errorf("unexpected event: %+v", e)
		}
		if e.Seq != 1 {
			t.Errorf("expected first published event to have seq 1, got %d", e.Seq)
		}
	default:
		t.Fatal("expected the event to be delivered")
	}
}

func TestHub_FullChannelDropsWithoutUnsubscribing(t *testing.T) {
	h := NewHub()
	ch, id := h.Subscribe(1)

	h.Publish(Event{Type: TypeCallQueued})
	h.Publish(Event{Type: TypeCallQueued}) // channel already full: dropped

	if h.SubscriberCount() != 1 {
		t.Error("expected the slow subscriber to remain subscribed after a drop")
	}
	stats := h.Stats()
	if stats["dropped"] != 1 {
		t.Errorf("expected 1 dropped event, got %d", stats["dropped"])
	}

	<-ch
	h.Unsubscribe(id)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, id := h.Subscribe(1)
	h.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("expected the channel to be closed after Unsubscribe")
	}
}

func TestHub_MultipleSubscribersEachReceive(t *testing.T) {
	h := NewHub()
	ch1, id1 := h.Subscribe(1)
	ch2, id2 := h.Subscribe(1)
	defer h.Unsubscribe(id1)
	defer h.Unsubscribe(id2)

	h.Publish(Event{Type: TypeConnectionEvicted})

	if _, ok := <-ch1; !ok {
		t.Error("expected subscriber 1 to receive the event")
	}
	if _, ok := <-ch2; !ok {
		t.Error("expected subscriber 2 to receive the event")
	}
}
