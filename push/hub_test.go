package push

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(8, nil)
	first := hub.Subscribe("did:key:zA")
	defer first.Close()
	second := hub.Subscribe("did:key:zA")
	defer second.Close()
	other := hub.Subscribe("did:key:zB")
	defer other.Close()

	hub.Publish(Event{Kind: "message", ToDID: "did:key:zA", Payload: "hello"})

	for _, sub := range []*Subscription{first, second} {
		select {
		case event := <-sub.Events():
			require.Equal(t, "message", event.Kind)
		default:
			t.Fatal("subscriber missed event")
		}
	}
	select {
	case <-other.Events():
		t.Fatal("event leaked across DIDs")
	default:
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	hub := NewHub(2, nil)
	sub := hub.Subscribe("did:key:zA")
	defer sub.Close()

	for i := 0; i < 4; i++ {
		hub.Publish(Event{Kind: "message", ToDID: "did:key:zA", Payload: fmt.Sprintf("ev-%d", i)})
	}

	// Depth 2: the two newest survive.
	got := []string{(<-sub.Events()).Payload.(string), (<-sub.Events()).Payload.(string)}
	require.Equal(t, []string{"ev-2", "ev-3"}, got)
	select {
	case <-sub.Events():
		t.Fatal("queue held more than its depth")
	default:
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	hub := NewHub(8, nil)
	sub := hub.Subscribe("did:key:zA")
	require.Equal(t, 1, hub.SubscriberCount("did:key:zA"))

	sub.Close()
	sub.Close() // idempotent
	require.Zero(t, hub.SubscriberCount("did:key:zA"))

	// Publishing after close must not panic or block.
	hub.Publish(Event{Kind: "message", ToDID: "did:key:zA"})

	select {
	case <-sub.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
