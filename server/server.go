// Package server exposes a running bridge over HTTP/JSON for tooling and
// liveness probes. Every endpoint is a thin shim over the bridge API; the
// wire bodies mirror the library types.
package server

import (
	"net/http"

	"github.com/tliron/commonlog"

	"github.com/calyptra/synapse/bridge"
)

var log = commonlog.GetLogger("synapse.server")

// Server is the HTTP control surface over a bridge.
type Server struct {
	bridge *bridge.Bridge
	mux    *http.ServeMux
	http   *http.Server
}

// New creates a Server wrapping the given bridge.
func New(b *bridge.Bridge) *Server {
	s := &Server{
		bridge: b,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/submit", s.handleSubmit)
	s.mux.HandleFunc("POST /v1/ping", s.handlePing)
	s.mux.HandleFunc("POST /v1/shm", s.handleCreateBlock)
	s.mux.HandleFunc("DELETE /v1/shm/{name}", s.handleDestroyBlock)
	s.mux.HandleFunc("POST /v1/vsa/bind", s.handleBind)
	s.mux.HandleFunc("POST /v1/vsa/unbind", s.handleUnbind)
	s.mux.HandleFunc("POST /v1/vsa/query", s.handleQuery)
	s.mux.HandleFunc("GET /v1/error", s.handleLastError)
	s.mux.HandleFunc("DELETE /v1/error", s.handleClearError)
	s.mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /v1/journal", s.handleJournal)

	return s
}

// Handler returns the underlying mux, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until Stop. A stop-triggered close is not an error.
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("control surface listening on %s", addr)
	s.http = &http.Server{Addr: addr, Handler: s.mux}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the HTTP listener. The bridge itself is left running; its
// lifecycle belongs to the caller.
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}
