package server

import (
	"encoding/json"
	"net/http"

	"github.com/me/gowe/internal/translator"
	"github.com/me/gowe/pkg/model"
)

// translateRequest is the body of POST /api/v1/translate: a raw CWL document
// (single Workflow or packed $graph) plus its job-order inputs.
type translateRequest struct {
	CWL    string         `json:"cwl"`
	Inputs map[string]any `json:"inputs"`
}

// handleTranslateGraph expands a workflow document into its job graph
// without running it, reusing the same ParseGraph->Translate path gowe
// translate runs locally. Since a translator.Graph never calls JobNode.Run,
// this is side-effect free.
func (s *Server) handleTranslateGraph(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	if req.CWL == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("cwl is required"))
		return
	}

	doc, err := s.parser.ParseGraph([]byte(req.CWL))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			&model.APIError{Code: model.ErrValidation, Message: "parse workflow: " + err.Error()})
		return
	}
	if doc.Workflow == nil || doc.OriginalClass != "Workflow" {
		respondError(w, reqID, http.StatusBadRequest,
			&model.APIError{Code: model.ErrValidation, Message: "document has no top-level Workflow"})
		return
	}

	graph := translator.NewGraph()
	factories := translator.JobFactories{}
	_, _, err = translator.Translate(doc.Workflow, req.Inputs, translator.Options{
		Resolver:      translator.NewGraphResolver(doc),
		Scheduler:     graph,
		NewToolJob:    factories.NewToolJob(),
		NewWrapperJob: factories.NewWrapperJob(),
	})
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: "translate: " + err.Error()})
		return
	}

	respondOK(w, reqID, graph.Snapshot())
}
