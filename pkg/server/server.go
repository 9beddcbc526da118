package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nstogner/sandbox/pkg/actor"
	"github.com/nstogner/sandbox/pkg/store"
)

// DefaultSendBuffer is the number of outbound frames queued per connection.
const DefaultSendBuffer = 64

// Options tune the transport.
type Options struct {
	// SendBuffer is the per-connection outbound queue length. A connection
	// whose queue is full is closed.
	SendBuffer int
}

// Server serves session websockets and the read-only REST API.
type Server struct {
	router     *actor.Router
	transcript store.TranscriptReader
	sendBuffer int

	// ctx outlives individual requests so steps started by a connection
	// finish even if that connection drops.
	ctx    context.Context
	cancel context.CancelFunc
	srv    *http.Server
}

// New creates a new Server.
func New(router *actor.Router, transcript store.TranscriptReader, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router:     router,
		transcript: transcript,
		sendBuffer: opts.SendBuffer,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Transcript
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/sessions/{id}/steps", s.handleListSteps)
	mux.HandleFunc("/api/", s.handleNotImplemented)

	// WebSocket
	mux.HandleFunc("/ws/{sessionId}", s.handleSessionWebSocket)
	mux.HandleFunc("/ws/", s.handleMissingSession)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting web server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server and ends every websocket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
