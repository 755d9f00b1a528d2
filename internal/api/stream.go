package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// Client is a WebSocket subscriber to one analysis.
type Client struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte
	closed bool // Send closed; guarded by Server.mu
}

// handleStream upgrades to a WebSocket that replays the analysis' progress
// so far, follows it live and closes after the completion event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, len(st.events)+sendBuffer),
	}
	for _, msg := range st.events {
		client.Send <- msg
	}
	if st.done() {
		close(client.Send)
		client.closed = true
	} else {
		st.clients[client] = true
	}
	s.mu.Unlock()

	s.logger.Debug("WebSocket client connected",
		zap.String("client", client.ID),
		zap.String("analysis", st.ID.String()),
	)

	go s.readPump(st, client)
	go s.writePump(client)
}

// publish records a message on the analysis and fans it out.
func (s *Server) publish(st *AnalysisState, method string, payload interface{}, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(st, method, payload, errMsg)
}

func (s *Server) publishLocked(st *AnalysisState, method string, payload interface{}, errMsg string) {
	msgBytes, err := json.Marshal(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    method,
		Payload:   payload,
		Error:     errMsg,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Warn("Dropping unencodable event", zap.String("method", method), zap.Error(err))
		return
	}
	st.events = append(st.events, msgBytes)

	for client := range st.clients {
		select {
		case client.Send <- msgBytes:
		default:
			// Slow consumer; it can re-read the full state over HTTP.
			s.logger.Warn("WebSocket client too slow, disconnecting", zap.String("client", client.ID))
			s.detachLocked(st, client)
		}
	}
}

// detachLocked unsubscribes client and closes its send queue once.
func (s *Server) detachLocked(st *AnalysisState, client *Client) {
	delete(st.clients, client)
	if !client.closed {
		close(client.Send)
		client.closed = true
	}
}

// readPump drains the connection so pongs and close frames are seen.
func (s *Server) readPump(st *AnalysisState, client *Client) {
	defer func() {
		s.mu.Lock()
		s.detachLocked(st, client)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Debug("WebSocket client disconnected", zap.String("client", client.ID))
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump handles outgoing WebSocket messages
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
