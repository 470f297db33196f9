package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"choptso/pkg/logger"
	"choptso/pkg/models"
	"choptso/pkg/store"
	"choptso/pkg/stream"
	"choptso/pkg/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// same-origin policy is the gateway's job
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsFrame is one pushed update. Exactly one of the payload fields is set.
type wsFrame struct {
	Type         string               `json:"type"`
	Added        []models.Message     `json:"added,omitempty"`
	Modified     []models.Message     `json:"modified,omitempty"`
	Removed      []string             `json:"removed,omitempty"`
	Snapshot     []models.Message     `json:"snapshot,omitempty"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// subscribe upgrades the connection and pushes message and conversation
// updates for one conversation until the client goes away. A lagged
// subscription is healed by pushing a fresh snapshot rather than replaying
// dropped events.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	user := Identity(r.Context())

	conv, err := s.docs.GetConversation(convID)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !conv.HasParticipant(user) {
		utils.JSONError(w, http.StatusForbidden, "not a participant")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "conversation", convID, "error", err)
		return
	}
	defer conn.Close()

	msgSub := s.broker.Subscribe(stream.MessageTopic(convID))
	defer msgSub.Close()
	convSub := s.broker.Subscribe(stream.ConversationTopic(convID))
	defer convSub.Close()

	// initial snapshot so the client starts converged
	if msgs, lerr := s.docs.ListMessages(convID, s.cfg.Sync.Window); lerr == nil {
		_ = s.push(conn, wsFrame{Type: "snapshot", Snapshot: msgs})
	}

	// reader goroutine: only to detect disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	logger.Debug("ws_subscribed", "conversation", convID, "user", user)
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if perr := conn.WriteMessage(websocket.PingMessage, nil); perr != nil {
				return
			}
		case ev, ok := <-msgSub.C:
			if !ok {
				s.pushTerminal(conn, msgSub.Err())
				return
			}
			if msgSub.Lagged() {
				if msgs, lerr := s.docs.ListMessages(convID, s.cfg.Sync.Window); lerr == nil {
					if s.push(conn, wsFrame{Type: "snapshot", Snapshot: msgs}) != nil {
						return
					}
					msgSub.ClearLagged()
				}
				continue
			}
			if s.push(conn, wsFrame{Type: "change", Added: ev.Added, Modified: ev.Modified, Removed: ev.Removed}) != nil {
				return
			}
		case ev, ok := <-convSub.C:
			if !ok {
				s.pushTerminal(conn, convSub.Err())
				return
			}
			if convSub.Lagged() {
				// dropped document updates heal the same way as messages:
				// push the current document instead of the stale event
				if doc, gerr := s.docs.GetConversation(convID); gerr == nil {
					if s.push(conn, wsFrame{Type: "conversation", Conversation: &doc}) != nil {
						return
					}
					convSub.ClearLagged()
				}
				continue
			}
			if ev.Conversation != nil {
				if s.push(conn, wsFrame{Type: "conversation", Conversation: ev.Conversation}) != nil {
					return
				}
			}
		}
	}
}

func (s *Server) push(conn *websocket.Conn, f wsFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f)
}

// pushTerminal reports a terminal subscription failure (e.g. permission
// revoked) before closing; the client must not silently reconnect.
func (s *Server) pushTerminal(conn *websocket.Conn, err error) {
	if err == nil {
		return
	}
	_ = s.push(conn, wsFrame{Type: "error", Error: err.Error()})
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
}
