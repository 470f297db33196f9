package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/valyala/fasthttp"

	"choptso/pkg/httpx"
	"choptso/pkg/ingest"
	"choptso/pkg/utils"
)

// Mutative handlers are thin: they enqueue the raw payload with a 202 and
// let the worker pool do validation and persistence. They are written
// against the transport-neutral httpx types so the same code serves the
// main listener and the fasthttp fast path.

func (s *Server) now() int64 { return time.Now().UTC().UnixNano() }

// FastPathHandler returns the fasthttp handler for the dedicated write
// listener.
func (s *Server) FastPathHandler() fasthttp.RequestHandler {
	return httpx.FastHTTPAdapter(s.requireIdentityFast(s.mutate))
}

// registerMutations mounts the mutation routes on the main router. The
// handler parses its own path so the two transports stay identical.
func (s *Server) registerMutations(r *mux.Router) {
	h := httpx.NetHTTPAdapter(s.mutate)
	r.Handle("/v1/conversations/{id}/messages", h).Methods(http.MethodPost)
	r.Handle("/v1/conversations/{id}/read", h).Methods(http.MethodPost)
	r.Handle("/v1/conversations/{id}/delivered", h).Methods(http.MethodPost)
	r.Handle("/v1/conversations/{id}/typing", h).Methods(http.MethodPost)
	r.Handle("/v1/messages/{id}", h).Methods(http.MethodPut, http.MethodDelete)
	r.Handle("/v1/messages/{id}/reactions", h).Methods(http.MethodPost, http.MethodDelete)
	r.Handle("/v1/presence/{user}", h).Methods(http.MethodPut)
}

func (s *Server) mutate(w httpx.ResponseWriter, r *httpx.Request) {
	w.Header().Set("Content-Type", "application/json")
	parts := splitPath(r.Path)
	// all mutation paths look like /v1/<kind>/<id>[/<verb>]
	if len(parts) < 3 || parts[0] != "v1" {
		writeFastErr(w, http.StatusNotFound, "unknown route")
		return
	}
	kind, id := parts[1], parts[2]
	verb := ""
	if len(parts) > 3 {
		verb = parts[3]
	}

	switch {
	case kind == "conversations" && verb == "messages" && r.Method == http.MethodPost:
		s.enqueueSend(w, r, id)
	case kind == "conversations" && verb == "read" && r.Method == http.MethodPost:
		s.enqueue(w, r, &ingest.Op{Type: ingest.OpRead, Conversation: id}, nil)
	case kind == "conversations" && verb == "delivered" && r.Method == http.MethodPost:
		s.enqueue(w, r, &ingest.Op{Type: ingest.OpDelivered, Conversation: id}, nil)
	case kind == "conversations" && verb == "typing" && r.Method == http.MethodPost:
		s.enqueueWithBody(w, r, &ingest.Op{Type: ingest.OpTyping, Conversation: id})
	case kind == "messages" && verb == "" && r.Method == http.MethodPut:
		s.enqueueWithBody(w, r, &ingest.Op{Type: ingest.OpEdit, ID: id})
	case kind == "messages" && verb == "" && r.Method == http.MethodDelete:
		s.enqueue(w, r, &ingest.Op{Type: ingest.OpDelete, ID: id}, nil)
	case kind == "messages" && verb == "reactions" && r.Method == http.MethodPost:
		s.enqueueWithBody(w, r, &ingest.Op{Type: ingest.OpReact, ID: id})
	case kind == "messages" && verb == "reactions" && r.Method == http.MethodDelete:
		s.enqueueWithBody(w, r, &ingest.Op{Type: ingest.OpUnreact, ID: id})
	case kind == "presence" && verb == "" && r.Method == http.MethodPut:
		s.enqueueWithBody(w, r, &ingest.Op{Type: ingest.OpStatus, ID: id})
	default:
		writeFastErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// enqueueSend pre-assigns the message id so the caller gets it with the 202.
func (s *Server) enqueueSend(w httpx.ResponseWriter, r *httpx.Request, convID string) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeFastErr(w, http.StatusBadRequest, "unreadable body")
		return
	}
	id := utils.GenID()
	op := &ingest.Op{
		Type:         ingest.OpSend,
		Conversation: convID,
		ID:           id,
		Actor:        Identity(r.Ctx),
		Payload:      payload,
		TS:           s.now(),
	}
	if err := s.queue.TryEnqueue(op); err != nil {
		if err == ingest.ErrQueueFull {
			writeFastErr(w, http.StatusTooManyRequests, "server busy; try again")
			return
		}
		writeFastErr(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) enqueueWithBody(w httpx.ResponseWriter, r *httpx.Request, op *ingest.Op) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeFastErr(w, http.StatusBadRequest, "unreadable body")
		return
	}
	s.enqueue(w, r, op, payload)
}

func (s *Server) enqueue(w httpx.ResponseWriter, r *httpx.Request, op *ingest.Op, payload []byte) {
	op.Actor = Identity(r.Ctx)
	op.Payload = payload
	op.TS = s.now()
	if err := s.queue.TryEnqueue(op); err != nil {
		if err == ingest.ErrQueueFull {
			writeFastErr(w, http.StatusTooManyRequests, "server busy; try again")
			return
		}
		writeFastErr(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeFastErr(w httpx.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// splitPath splits "/a/b/c" into non-empty components.
func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := raw[:0]
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
