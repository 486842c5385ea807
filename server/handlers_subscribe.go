package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatlens/backend/events"
	"github.com/onnwee/chatlens/backend/telemetry"
)

const (
	sseKeepAlive = 15 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
)

func newUpgrader(cfg *corsConfig) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cfg.permissive || isOriginAllowed(origin, cfg.allowedOrigins)
		},
	}
}

// subscribe checks that the requester owns the stream and opens a bus
// subscription that ends with the request or the server.
func (h *Handlers) subscribe(w http.ResponseWriter, r *http.Request) (string, <-chan events.Event, context.Context, func(), bool) {
	owner, ok := ownerID(w, r)
	if !ok {
		return "", nil, nil, nil, false
	}
	id := r.PathValue("id")
	st, err := h.deps.Store.GetStream(r.Context(), id)
	if err != nil || st.OwnerID != owner {
		writeMessage(w, http.StatusNotFound, "Stream not found.")
		return "", nil, nil, nil, false
	}

	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(h.ctx, cancel)
	ch, unsub, err := h.deps.Bus.Subscribe(ctx, id)
	if err != nil {
		stop()
		cancel()
		telemetry.LoggerWithCorr(r.Context()).Error("subscribe", slog.String("stream_id", id), slog.Any("err", err))
		writeMessage(w, http.StatusServiceUnavailable, "Subscriptions are unavailable.")
		return "", nil, nil, nil, false
	}
	release := func() {
		unsub()
		stop()
		cancel()
	}
	return id, ch, ctx, release, true
}

// HandleStreamEvents streams newAnalysis and streamStatus events as
// Server-Sent Events. Each event is named after its type and carries the
// event JSON as data.
func (h *Handlers) HandleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id, ch, ctx, release, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to encode SSE event", slog.String("stream_id", id), slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				slog.Debug("SSE client gone", slog.String("stream_id", id), slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}

// HandleStreamWS streams the same events over a WebSocket as JSON text
// frames. Client frames are ignored.
func (h *Handlers) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	id, ch, ctx, release, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.String("stream_id", id), slog.Any("err", err))
		return
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				release()
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket client gone", slog.String("stream_id", id), slog.Any("err", err))
				return
			}
		}
	}
}
