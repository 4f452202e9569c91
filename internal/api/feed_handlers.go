// Package api provides HTTP handlers for the live audit feed WebSocket.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/quorumhq/quorum/internal/audit"
	"github.com/quorumhq/quorum/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the operator console domain is fixed
		return true
	},
}

// FeedHandlers holds dependencies for the live audit feed.
type FeedHandlers struct {
	broadcaster *audit.Broadcaster
}

// NewFeedHandlers creates a new FeedHandlers instance.
func NewFeedHandlers(broadcaster *audit.Broadcaster) *FeedHandlers {
	return &FeedHandlers{broadcaster: broadcaster}
}

// Subscribe handles GET /v1/audit/feed - upgrades to a WebSocket and streams
// every event committed to the requested partition. Purely observational: the
// feed carries already-committed events and a slow subscriber never delays
// admission.
func (h *FeedHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	partition := r.URL.Query().Get("site_collection")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"partition", partition,
		)
		return
	}

	h.broadcaster.Subscribe(partition, conn)

	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "websocket client subscribed to audit feed",
		"partition", partition,
		"request_id", requestID,
	)

	defer func() {
		h.broadcaster.Unsubscribe(conn)
		conn.Close()
		slog.InfoContext(ctx, "websocket client unsubscribed from audit feed",
			"partition", partition,
			"request_id", requestID,
		)
	}()

	// Clients do not send messages; reading detects disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "websocket connection closed unexpectedly",
					"error", err,
					"partition", partition,
				)
			}
			break
		}
	}
}
