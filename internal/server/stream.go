package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
)

var upgrader = websocket.Upgrader{
	// same policy as the permissive CORS on the HTTP routes
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSSE streams results via Server-Sent Events.
//
// Every write carries a deadline so a slow or vanished client cannot block
// the handler past shutdown. The stream ends when the client disconnects,
// the server shuts down, or the subscription is closed by the hub.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	filter, replay, ok := s.streamParams(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	write := func(frame string) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse_write_deadline_unsupported", zap.Error(err))
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprint(w, frame); err != nil {
			return err
		}
		return rc.Flush()
	}
	writeResult := func(res check.Result) error {
		data, err := json.Marshal(res)
		if err != nil {
			s.logger.Error("result_marshal_failed", zap.Error(err))
			return nil
		}
		return write("data: " + string(data) + "\n\n")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub, backlog, marks := s.attach(filter, replay)
	defer s.engine.Unsubscribe(sub.ID)

	s.logger.Debug("sse_client_connected",
		zap.String("subscriber_id", string(sub.ID)),
		zap.String("filter", filter.String()),
		zap.Int("replay", len(backlog)),
	)
	defer s.logger.Debug("sse_client_disconnected", zap.String("subscriber_id", string(sub.ID)))

	// headers go out straight away so clients see the stream open
	if err := write(": connected\n\n"); err != nil {
		return
	}
	for _, res := range backlog {
		if err := writeResult(res); err != nil {
			return
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case res, ok := <-sub.C:
			if !ok {
				return
			}
			if marks.stale(res) {
				continue
			}
			if err := writeResult(res); err != nil {
				return
			}

		case <-keepAlive.C:
			if err := write(": keep-alive\n\n"); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on client disconnect and on server shutdown
			return
		}
	}
}

// handleWebSocket streams results as JSON text messages over a WebSocket.
// Filtering, replay and ordering follow the SSE stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, replay, ok := s.streamParams(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Debug("websocket_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, backlog, marks := s.attach(filter, replay)
	defer s.engine.Unsubscribe(sub.ID)

	s.logger.Debug("websocket_client_connected",
		zap.String("subscriber_id", string(sub.ID)),
		zap.String("filter", filter.String()),
	)

	// the read loop only exists to notice the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(res check.Result) error {
		if err := conn.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(res)
	}

	for _, res := range backlog {
		if err := send(res); err != nil {
			return
		}
	}

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()

	for {
		select {
		case res, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(time.Second))
				return
			}
			if marks.stale(res) {
				continue
			}
			if err := send(res); err != nil {
				s.logger.Debug("websocket_write_failed", zap.Error(err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sseWriteTimeout)); err != nil {
				return
			}

		case <-closed:
			return

		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
