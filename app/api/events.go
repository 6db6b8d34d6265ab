package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lysyi3m/inbox-sync/app/inbox"
)

const eventWriteTimeout = 10 * time.Second

// InboxEvents streams inbox snapshots over a websocket: the current one on
// connect, then one per change. Slow clients only get the latest snapshot.
func (h *Handler) InboxEvents(c *gin.Context) {
	user := c.Param("user")

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("Websocket upgrade failed", "user", user, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(c.Request.Context())

	aggregator := h.registry.Inbox(user)

	updates := make(chan inbox.Snapshot, 1)
	unsubscribe := aggregator.Subscribe(func(s inbox.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	slog.Debug("Inbox event stream opened", "user", user)

	if err := writeSnapshot(ctx, conn, aggregator.Snapshot()); err != nil {
		slog.Debug("Inbox event stream closed", "user", user, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Inbox event stream closed", "user", user)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case s := <-updates:
			if err := writeSnapshot(ctx, conn, s); err != nil {
				slog.Debug("Inbox event stream closed", "user", user, "error", err)
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, s inbox.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, newSnapshotResponse(s))
}
