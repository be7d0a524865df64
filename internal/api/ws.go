package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/keel/pkg/models"
)

const (
	// wsSendBuffer bounds the per-subscriber queue. Journal appends never
	// block on a slow client; overflow drops the event for that client.
	wsSendBuffer = 256

	wsPingPeriod = 15 * time.Second
	wsPongWait   = 45 * time.Second
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 1 << 16
)

// eventFrame is one streamed journal event. Dropped counts events discarded
// for this subscriber since the previously delivered frame.
type eventFrame struct {
	models.Event
	Dropped int64 `json:"dropped,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan models.Event
	dropped atomic.Int64
}

// handleEventsWS upgrades the connection and streams journal events as they
// are appended. An optional session_id query parameter filters the stream to
// one session.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("session_id")

	// Subscribe before the handshake completes so events appended while the
	// client is still connecting buffer instead of being missed.
	client := &wsClient{send: make(chan models.Event, wsSendBuffer)}
	unsubscribe := s.cfg.Events.Subscribe(func(ev models.Event) {
		if filter != "" && ev.SessionID != filter {
			return
		}
		select {
		case client.send <- ev:
		default:
			client.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.RecordWSDropped(1)
			}
		}
	})
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("ws upgrade rejected", "error", err)
		return
	}
	defer conn.Close()
	client.conn = conn

	if s.metrics != nil {
		s.metrics.WSClientConnected()
		defer s.metrics.WSClientDisconnected()
	}
	s.logger.Info("ws client connected",
		"remote", conn.RemoteAddr().String(),
		"session_filter", filter)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		s.wsWriteLoop(ctx, client)
	}()

	s.wsReadLoop(conn)
	s.logger.Debug("ws client disconnected", "remote", conn.RemoteAddr().String())
}

// wsReadLoop consumes the connection until the client goes away. Clients send
// no data frames; reads exist to process pongs and detect closure.
func (s *Server) wsReadLoop(conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsWriteLoop delivers queued events and keeps the connection alive with
// pings. It exits when the client disconnects or the server shuts down.
func (s *Server) wsWriteLoop(ctx context.Context, client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-client.send:
			frame := eventFrame{Event: ev, Dropped: client.dropped.Swap(0)}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			s.wsClose(client.conn)
			return
		case <-s.quit:
			s.wsClose(client.conn)
			return
		}
	}
}

func (s *Server) wsClose(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
