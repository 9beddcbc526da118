package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nstogner/sandbox/pkg/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"resident": len(s.router.Resident()),
	})
}

func (s *Server) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	s.errorResponse(w, http.StatusNotImplemented, fmt.Errorf("%s %s not implemented", r.Method, r.URL.Path))
}

// --- Transcript ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := queryInt(r, "after")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	msgs, err := s.transcript.ListMessages(r.Context(), id, after, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.transcript.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, steps)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, err)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
