package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/middleware"
	"github.com/tcmartin/flowstudio/pkg/registry"
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/storage"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error      string               `json:"error"`
	Violations []workflow.Violation `json:"violations,omitempty"`
}

// ValidationResponse is returned by the validate endpoint
type ValidationResponse struct {
	Valid      bool                 `json:"valid"`
	Violations []workflow.Violation `json:"violations"`
}

// ActiveRequest toggles whether a workflow is active
type ActiveRequest struct {
	IsActive bool `json:"is_active"`
}

// RunStartRequest is the optional body of a run-start request
type RunStartRequest struct {
	Version int                    `json:"version,omitempty"`
	Input   map[string]interface{} `json:"input,omitempty"`
}

// writeError maps registry, storage and engine errors onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	var verr *registry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      "workflow has structural violations",
			Violations: verr.Violations,
		})
	case errors.Is(err, storage.ErrWorkflowNotFound),
		errors.Is(err, storage.ErrVersionNotFound),
		errors.Is(err, workflow.ErrNodeNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, registry.ErrNameRequired),
		errors.Is(err, registry.ErrInvalidWorkflow):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, runtime.ErrEngine):
		log.Warn().Err(err).Msg("Execution engine request failed")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

func decodeSaveRequest(w http.ResponseWriter, r *http.Request) (workflow.SaveRequest, bool) {
	var req workflow.SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

// handleListWorkflows lists the workflows of the caller's company
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	list, err := s.registry.List(companyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateWorkflow validates and stores a new workflow
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	req, ok := decodeSaveRequest(w, r)
	if !ok {
		return
	}
	doc, err := s.registry.Create(companyID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleGetWorkflow returns the latest version of a workflow
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	doc, err := s.registry.Get(companyID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleUpdateWorkflow stores a new version of a workflow
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	req, ok := decodeSaveRequest(w, r)
	if !ok {
		return
	}
	doc, err := s.registry.Update(companyID, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteWorkflow deletes a workflow with all its versions
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	if err := s.registry.Delete(companyID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	var req ActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.registry.SetActive(companyID, id, req.IsActive); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.registry.Get(companyID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	versions, err := s.registry.ListVersions(companyID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		badRequest(w, "Invalid version")
		return
	}
	doc, err := s.registry.GetVersion(companyID, vars["id"], version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleValidate reports the violations of a posted graph without storing it
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSaveRequest(w, r)
	if !ok {
		return
	}
	g, err := req.Graph()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	violations := workflow.Validate(g)
	if violations == nil {
		violations = []workflow.Violation{}
	}
	writeJSON(w, http.StatusOK, ValidationResponse{
		Valid:      len(violations) == 0,
		Violations: violations,
	})
}

// handleVariables returns the variable suggestions for a node of a stored workflow
func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	vars := mux.Vars(r)
	suggestions, err := s.registry.Variables(companyID, vars["id"], vars["nodeId"])
	if err != nil {
		writeError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []workflow.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}
