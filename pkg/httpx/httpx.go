// Package httpx defines a minimal transport-neutral handler contract so the
// mutation handlers can serve both the net/http listener and the fasthttp
// write fast path from one implementation.
package httpx

import (
	"context"
	"io"
	"net/http"
)

// Request is the unified request view handed to handlers. Handlers should
// use Ctx for cancellation and request-scoped values.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string
	Header     http.Header
	Body       io.ReadCloser
	RemoteAddr string
}

// ResponseWriter is the subset of http.ResponseWriter semantics adapters
// must provide.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// HandlerFunc is the application handler signature shared by both adapters.
type HandlerFunc func(w ResponseWriter, r *Request)
