package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/pdfarchive/internal/event"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Subscriber is the part of the event bus the stream needs.
type Subscriber interface {
	SubscribeAll(handler event.Handler) (unsubscribe func())
}

type statusFrame struct {
	Type   string `json:"type"`
	Status any    `json:"status"`
}

// NewJobEventsHandler returns the handler for GET /api/v1/jobs/{jobId}/events.
// It upgrades to a websocket and pushes a status snapshot after every lifecycle
// event of the job, closing once the job is terminal.
func NewJobEventsHandler(svc JobReader, bus Subscriber) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobId")
		if !ok {
			return
		}
		// Resolve the job before upgrading so unknown ids get a normal 404.
		if _, err := svc.Status(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}

		// Subscribe before the first snapshot so no transition is missed.
		changed := make(chan struct{}, 1)
		unsubscribe := bus.SubscribeAll(func(_ context.Context, e event.Event) error {
			if e.Payload.JobID != id {
				return nil
			}
			select {
			case changed <- struct{}{}:
			default:
			}
			return nil
		})
		defer unsubscribe()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade", "job_id", id, "error", err)
			return
		}
		defer conn.Close()

		stream(r.Context(), conn, svc, id, changed)
	}
}

func stream(ctx context.Context, conn *websocket.Conn, svc JobReader, id uuid.UUID, changed <-chan struct{}) {
	log := slog.With("job_id", id)

	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	push := func() (terminal bool, ok bool) {
		st, err := svc.Status(ctx, id)
		if err != nil {
			log.Warn("loading status for stream", "error", err)
			return false, false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(statusFrame{Type: "status", Status: st}); err != nil {
			return false, false
		}
		return st.Terminal(), true
	}

	for {
		terminal, ok := push()
		if !ok {
			return
		}
		if terminal {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
				time.Now().Add(wsWriteWait))
			return
		}

	wait:
		for {
			select {
			case <-changed:
				break wait
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-gone:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
