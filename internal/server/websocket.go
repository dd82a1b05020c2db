package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
)

// WebSocket message types sent besides engine events.
const (
	MessageTypeSnapshot  = "snapshot"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	writeWait       = 10 * time.Second
	heartbeatPeriod = 30 * time.Second
)

// defaultOrigins are accepted when no origins are configured.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// WSMessage is one frame of a run stream.
type WSMessage struct {
	Type      string        `json:"type"`
	Event     *engine.Event `json:"event,omitempty"`
	Run       *engine.Run   `json:"run,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// newUpgrader accepts requests without an Origin header, any origin when
// origins contains "*", and otherwise only the listed origins
// (case-insensitively).
func newUpgrader(origins []string) *websocket.Upgrader {
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			return allowed[strings.ToLower(origin)]
		},
	}
}

// runStream forwards the events of one run to one WebSocket client.
type runStream struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (rs *runStream) send(msg *WSMessage) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_ = rs.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return rs.conn.WriteJSON(msg)
}

// handleRunStream upgrades to a WebSocket and streams the run's events until
// it finishes. A run that is not active gets its stored snapshot and the
// connection is closed.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	run, err := s.deps.Engine.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	rs := &runStream{conn: conn, logger: s.deps.Logger}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, ok := s.deps.Engine.Subscribe(runID)
	if !ok {
		_ = rs.send(&WSMessage{Type: MessageTypeSnapshot, Run: run, Timestamp: time.Now()})
		rs.close()
		return
	}
	defer s.deps.Engine.Unsubscribe(runID, sub)

	// Re-read after subscribing so no state change is lost in between.
	if snap, err := s.deps.Engine.GetRun(ctx, runID); err == nil {
		run = snap
	}
	if err := rs.send(&WSMessage{Type: MessageTypeSnapshot, Run: run, Timestamp: time.Now()}); err != nil {
		return
	}

	go rs.drain(cancel)
	go rs.heartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				rs.close()
				return
			}
			if err := rs.send(&WSMessage{Type: ev.Type, Event: &ev, Timestamp: ev.Timestamp}); err != nil {
				s.deps.Logger.Debug("websocket write failed", zap.String("run_id", runID), zap.Error(err))
				return
			}
		}
	}
}

// drain reads until the client goes away so close frames are processed.
func (rs *runStream) drain(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := rs.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rs.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (rs *runStream) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rs.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func (rs *runStream) close() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_ = rs.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(writeWait))
}
