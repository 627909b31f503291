package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowe/pkg/model"
)

// handleDispatchJobs dumps a live dispatcher.Worker's running/waiting sets,
// for observing the dispatch loop's state without the CLI's gowe dispatch.
func (s *Server) handleDispatchJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	backend := chi.URLParam(r, "backend")

	worker, ok := s.dispatchWorkers[backend]
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("dispatch backend", backend))
		return
	}

	respondOK(w, reqID, worker.Snapshot())
}
