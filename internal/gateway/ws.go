package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsRecord is the wire shape of one feed event. sequence_no is the project's
// activity seq, so a client can resume with ?from_seq= after a disconnect.
type wsRecord struct {
	SequenceNo int64     `json:"sequence_no"`
	ProjectID  string    `json:"project_id"`
	Type       string    `json:"type"`
	Payload    string    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

type wsHello struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	HighWater int64  `json:"high_water"`
}

// recordType buckets activity categories into the event types clients switch
// on.
func recordType(category string) string {
	switch {
	case strings.HasPrefix(category, "trigger_"):
		return "trigger_raised"
	case strings.HasPrefix(category, "correction_"):
		return "chat_message"
	case strings.HasPrefix(category, "worker_"):
		return "agent_status"
	case strings.HasPrefix(category, "task_"), category == "blocked_needs_attention":
		return "state_update"
	default:
		return "activity_new"
	}
}

// authorizeWS accepts the Bearer header or a token query parameter, since
// browser WebSocket clients cannot set headers.
func (s *Server) authorizeWS(r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	if s.cfg.AuthToken == "" {
		return false
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeWS(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		http.Error(w, "project_id required", http.StatusBadRequest)
		return
	}
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Info("ws: client connected", "project_id", projectID, "from_seq", fromSeq)

	ctx := r.Context()
	highWater, err := s.cfg.Broadcaster.HighWater(ctx, projectID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "high water")
		return
	}
	if err := wsjson.Write(ctx, conn, wsHello{Type: "connected", ProjectID: projectID, HighWater: highWater}); err != nil {
		return
	}

	// CloseRead answers pings and surfaces the peer's close through ctx.
	ctx = conn.CloseRead(ctx)

	feed := s.cfg.Broadcaster.Subscribe(ctx, projectID, fromSeq)
	defer feed.Close()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnecting", "project_id", projectID)
			return
		case <-keepalive.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case entry, ok := <-feed.C():
			if !ok {
				return
			}
			record := wsRecord{
				SequenceNo: entry.Seq,
				ProjectID:  entry.ProjectID,
				Type:       recordType(entry.Category),
				Payload:    entry.Message,
				Timestamp:  entry.At,
			}
			if err := wsjson.Write(ctx, conn, record); err != nil {
				s.logger.Error("ws: write", "project_id", projectID, "error", err)
				return
			}
		}
	}
}
