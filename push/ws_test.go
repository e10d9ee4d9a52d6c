package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func queryDIDAuth(r *http.Request) (string, error) {
	did := r.URL.Query().Get("did")
	if did == "" {
		return "", errors.New("did required")
	}
	return did, nil
}

func TestWSStreamDeliversAndIngests(t *testing.T) {
	hub := NewHub(8, nil)
	var mu sync.Mutex
	var inbound []string
	ingress := func(_ context.Context, from string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		inbound = append(inbound, from+":"+string(data))
		return nil
	}
	srv := httptest.NewServer(NewWSHandler(hub, queryDIDAuth, ingress, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?did=did:key:zAlice"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("did:key:zAlice") == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(Event{Kind: "notification", ToDID: "did:key:zAlice", Payload: map[string]any{"subject": "hi"}})
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "notification", ev.Kind)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"id":"env-1"}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbound) == 1 && inbound[0] == `did:key:zAlice:{"id":"env-1"}`
	}, time.Second, 10*time.Millisecond)
}

func TestWSIngressErrorKeepsStreamAlive(t *testing.T) {
	hub := NewHub(8, nil)
	ingress := func(context.Context, string, []byte) error {
		return errors.New("rejected")
	}
	srv := httptest.NewServer(NewWSHandler(hub, queryDIDAuth, ingress, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?did=did:key:zBob"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("did:key:zBob") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"id":"bad"}`)))

	// The stream survives the rejected frame.
	hub.Publish(Event{Kind: "message", ToDID: "did:key:zBob", Payload: map[string]any{"ok": true}})
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "message", ev.Kind)
}

func TestWSUnauthenticatedUpgradeRejected(t *testing.T) {
	hub := NewHub(8, nil)
	srv := httptest.NewServer(NewWSHandler(hub, queryDIDAuth, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
