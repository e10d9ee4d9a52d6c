package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout    = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Authenticator resolves the caller's DID from the upgrade request. The rpc
// layer plugs its signature check in here.
type Authenticator func(r *http.Request) (string, error)

// Ingress feeds a client-sent frame into the broker's admission path. A nil
// ingress makes the stream receive-only.
type Ingress func(ctx context.Context, from string, data []byte) error

// WSHandler upgrades a connection, streams the caller's push events, and
// forwards client frames into the ingress until the client goes away or the
// server shuts down.
type WSHandler struct {
	hub     *Hub
	auth    Authenticator
	ingress Ingress
	log     *slog.Logger
}

// NewWSHandler constructs the websocket endpoint.
func NewWSHandler(hub *Hub, auth Authenticator, ingress Ingress, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{hub: hub, auth: auth, ingress: ingress, log: log}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	did, err := h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := h.stream(r.Context(), conn, did); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *WSHandler) stream(ctx context.Context, conn *websocket.Conn, did string) error {
	sub := h.hub.Subscribe(did)
	defer sub.Close()

	// The read loop also services pongs and close frames.
	readErr := make(chan error, 1)
	go func() { readErr <- h.readLoop(ctx, conn, did) }()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case event := <-sub.Events():
			if err := writeEvent(ctx, conn, event); err != nil {
				return err
			}
		}
	}
}

// readLoop drains client frames. Frames that fail admission are logged and
// dropped; the stream stays up.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, did string) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if h.ingress == nil {
			continue
		}
		if err := h.ingress(ctx, did, data); err != nil {
			h.log.Info("websocket frame rejected",
				slog.String("did", did),
				slog.String("error", err.Error()))
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
