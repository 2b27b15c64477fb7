package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/middleware"
	"github.com/tcmartin/flowstudio/pkg/runtime"
)

const maxIngestBody = 1 << 20

// IngestResponse reports how many envelopes were published
type IngestResponse struct {
	Published int `json:"published"`
}

// handleStartRun asks the engine to execute a stored workflow
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	id := mux.Vars(r)["id"]

	var req RunStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			badRequest(w, "Invalid request body: "+err.Error())
			return
		}
	}

	doc, err := s.registry.Get(companyID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	version := req.Version
	if version == 0 {
		version = doc.Version
	} else if _, err := s.registry.GetVersion(companyID, id, version); err != nil {
		writeError(w, err)
		return
	}

	run, err := s.engine.StartRun(r.Context(), runtime.RunRequest{
		CompanyID:  companyID,
		WorkflowID: id,
		Version:    version,
		Input:      req.Input,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().
		Str("company_id", companyID).
		Str("workflow_id", id).
		Str("run_id", run.RunID).
		Str("session_id", run.SessionID).
		Msg("Run started")
	writeJSON(w, http.StatusAccepted, run)
}

// handleIngestEvents accepts one envelope or an array of envelopes from the
// engine and publishes them to the session's subscribers
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	sessionID := mux.Vars(r)["session"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		badRequest(w, "Failed to read request body")
		return
	}

	var envs []runtime.Envelope
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &envs)
	} else {
		var env runtime.Envelope
		err = json.Unmarshal(body, &env)
		envs = []runtime.Envelope{env}
	}
	if err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}

	// check the whole batch before publishing any of it
	for i := range envs {
		env := &envs[i]
		env.CompanyID = companyID
		env.SessionID = sessionID
		if env.Type == "" {
			badRequest(w, "Envelope type is required")
			return
		}
		if env.Timestamp.IsZero() {
			env.Timestamp = time.Now()
		}
		if _, _, err := env.StatusEvent(); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	for _, env := range envs {
		if err := s.bus.Publish(r.Context(), env); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{Published: len(envs)})
}

// handleEventStream serves a session's envelopes as server-sent events.
// Each request is served from its own stream so sessions never leak across companies.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	sessionID := mux.Vars(r)["session"]

	sub, err := s.bus.Subscribe(r.Context(), companyID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	streamID := uuid.NewString()
	s.events.CreateStream(streamID)
	defer s.events.RemoveStream(streamID)

	go func() {
		for env := range sub.Events() {
			data, err := json.Marshal(env)
			if err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to encode envelope")
				continue
			}
			s.events.Publish(streamID, &sse.Event{Data: data})
		}
	}()

	q := r.URL.Query()
	q.Set("stream", streamID)
	r.URL.RawQuery = q.Encode()

	log.Debug().Str("company_id", companyID).Str("session_id", sessionID).Msg("Event stream opened")
	s.events.ServeHTTP(w, r)
	log.Debug().Str("company_id", companyID).Str("session_id", sessionID).Msg("Event stream closed")
}
