// Package api exposes the chat surface over HTTP. Reads go through a
// gorilla/mux router backed directly by the adapter; mutations are thin
// enqueue-only handlers served on both the main listener and the optional
// fasthttp fast path.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"choptso/pkg/chat"
	"choptso/pkg/config"
	"choptso/pkg/ingest"
	"choptso/pkg/logger"
	"choptso/pkg/models"
	"choptso/pkg/receipts"
	"choptso/pkg/store"
	"choptso/pkg/stream"
	"choptso/pkg/utils"
)

// Server wires the HTTP surface. All dependencies are explicit.
type Server struct {
	svc    *chat.Service
	docs   *store.Store
	broker *stream.Broker
	queue  *ingest.Queue
	limits *limiterPool
	cfg    *config.Config
}

// NewServer builds the HTTP surface.
func NewServer(svc *chat.Service, docs *store.Store, broker *stream.Broker, queue *ingest.Queue, cfg *config.Config) *Server {
	return &Server{
		svc:    svc,
		docs:   docs,
		broker: broker,
		queue:  queue,
		limits: newLimiterPool(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst),
		cfg:    cfg,
	}
}

// Router returns the main router: reads, mutations, and the websocket
// subscribe endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// reads
	r.HandleFunc("/v1/conversations", s.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations", s.createConversation).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/unread", s.unreadCount).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/typing", s.typingSet).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/subscribe", s.subscribe).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}", s.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}/versions", s.messageVersions).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}/receipts", s.messageReceipts).Methods(http.MethodGet)
	r.HandleFunc("/v1/presence", s.listPresence).Methods(http.MethodGet)
	r.HandleFunc("/v1/presence/{user}", s.getPresence).Methods(http.MethodGet)

	// mutations ride the same router when no fast path is configured
	s.registerMutations(r)

	r.Use(mux.MiddlewareFunc(s.RequireIdentity))
	return r
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	id := Identity(r.Context())
	convs, err := s.docs.ListConversationsFor(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversations []models.Conversation `json:"conversations"`
	}{Conversations: convs})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Participants []string `json:"participants"`
		Broadcast    bool     `json:"broadcast"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	conv, err := s.svc.CreateConversation(r.Context(), in.Participants, in.Broadcast)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	var (
		msgs []models.Message
		err  error
	)
	if v := q.Get("before"); v != "" {
		before, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		msgs, err = s.svc.History(r.Context(), convID, before, limit)
	} else {
		msgs, err = s.svc.Window(r.Context(), convID, limit)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	logger.Debug("messages_list", "conversation", convID, "count", len(msgs))
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}{Conversation: convID, Messages: msgs})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	n, err := s.svc.UnreadCount(r.Context(), convID, Identity(r.Context()))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) typingSet(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	conv, err := s.docs.GetConversation(convID)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	users := conv.TypingAt(s.now(), s.cfg.Presence.TypingTTL.Duration().Nanoseconds())
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Typing []string `json:"typing"`
	}{Typing: users})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.docs.GetMessage(id)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "unknown message")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (s *Server) messageVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	vs, err := s.docs.ListMessageVersions(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		ID       string           `json:"id"`
		Versions []models.Message `json:"versions"`
	}{ID: id, Versions: vs})
}

func (s *Server) messageReceipts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.docs.GetMessage(id)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "unknown message")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	conv, err := s.docs.GetConversation(m.Conversation)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sum := receipts.Of(&m, &conv)
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		ID         string `json:"id"`
		State      string `json:"state"`
		Indicator  string `json:"indicator"`
		Delivered  int    `json:"delivered"`
		Read       int    `json:"read"`
		Recipients int    `json:"recipients"`
	}{
		ID:         m.ID,
		State:      sum.State.String(),
		Indicator:  receipts.Indicator(&m, &conv),
		Delivered:  sum.Delivered,
		Read:       sum.Read,
		Recipients: sum.Recipients,
	})
}

func (s *Server) listPresence(w http.ResponseWriter, r *http.Request) {
	ps, err := s.docs.ListPresence()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Presence []models.Presence `json:"presence"`
	}{Presence: ps})
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	p, err := s.docs.GetPresence(user)
	if errors.Is(err, store.ErrNotFound) {
		// an unknown user is simply offline
		_ = utils.JSONWrite(w, http.StatusOK, models.Presence{UserID: user, Status: models.StatusOffline})
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, p)
}

// writeErr maps the adapter error taxonomy onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrPermission):
		utils.JSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrTimeout):
		utils.JSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, chat.ErrTransient):
		utils.JSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}
