package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/weathervane/coordinator/internal/job"
)

const writeTimeout = 5 * time.Second

// Server pushes job status transitions to connected websocket clients.
// Delivery is best-effort: a slow or broken client is dropped, never waited
// on.
type Server struct {
	logger  *slog.Logger
	connsMu sync.RWMutex
	conns   map[string]*websocket.Conn
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger: logger,
		conns:  make(map[string]*websocket.Conn),
	}
}

// Broadcast sends the record's current state to every connected client.
// Safe to call from any goroutine.
func (s *Server) Broadcast(rec *job.Record) {
	msg := JobEventMessage{
		Type:      "job",
		Identity:  rec.Identity,
		Status:    string(rec.Status),
		Error:     rec.Error,
		UpdatedAt: rec.UpdatedAt,
	}

	s.connsMu.RLock()
	conns := make(map[string]*websocket.Conn, len(s.conns))
	for id, conn := range s.conns {
		conns[id] = conn
	}
	s.connsMu.RUnlock()

	for id, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, conn, msg)
		cancel()
		if err != nil {
			s.logger.Debug("drop websocket client", "client_id", id, "error", err)
			s.drop(id, conn)
		}
	}
}

func (s *Server) drop(id string, conn *websocket.Conn) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
	conn.Close(websocket.StatusPolicyViolation, "write failed")
}

// HandleEvents upgrades the request and streams job events until the client
// disconnects.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	clientID := uuid.New().String()

	s.connsMu.Lock()
	s.conns[clientID] = conn
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, clientID)
		s.connsMu.Unlock()
	}()

	ack := AckMessage{
		Type:     "ack",
		ClientID: clientID,
		Message:  "subscribed to job events",
	}
	if err := wsjson.Write(r.Context(), conn, ack); err != nil {
		s.logger.Error("websocket ack", "client_id", clientID, "error", err)
		return
	}

	s.logger.Info("websocket client connected", "client_id", clientID)
	s.readLoop(r.Context(), conn, clientID)
}

// readLoop consumes client messages. Clients only send heartbeats and a
// quit notice; everything else is ignored.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, clientID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug("websocket read", "client_id", clientID, "error", err)
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid websocket message", "client_id", clientID, "error", err)
			continue
		}

		switch msg.Type {
		case "heartbeat":
			hb := HeartbeatMessage{Type: "heartbeat", Timestamp: time.Now().UTC()}
			wsjson.Write(ctx, conn, hb)

		case "quit":
			s.logger.Info("websocket client quit", "client_id", clientID)
			return

		default:
			s.logger.Debug("unknown websocket message", "client_id", clientID, "type", msg.Type)
		}
	}
}

// ClientCount reports connected subscribers, for the stats endpoint.
func (s *Server) ClientCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}
