//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package server exposes the runner over an SSE-shaped HTTP surface.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/datapilot-ai/datapilot/dataagent"
	"github.com/datapilot-ai/datapilot/graph"
	"github.com/datapilot-ai/datapilot/log"
	"github.com/datapilot-ai/datapilot/projector"
	"github.com/datapilot-ai/datapilot/runner"
)

// Server routes thread run requests to a runner.
type Server struct {
	runner  *runner.Runner
	handler http.Handler
}

// New creates a server over the runner.
func New(r *runner.Runner) *Server {
	s := &Server{runner: r}
	router := mux.NewRouter()
	router.HandleFunc("/threads/{id}/runs", s.handleRun).Methods(http.MethodPost)
	router.HandleFunc("/threads/{id}/resume", s.handleResume).Methods(http.MethodPost)
	router.HandleFunc("/threads/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	router.HandleFunc("/threads/{id}/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/threads/{id}", s.handleDelete).Methods(http.MethodDelete)
	s.handler = cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)
	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// runRequest is the body of POST /threads/{id}/runs.
type runRequest struct {
	Query               string `json:"query"`
	UsePlanning         bool   `json:"use_planning"`
	UseExplainer        bool   `json:"use_explainer"`
	RequireToolApproval bool   `json:"require_tool_approval"`
	DataContext         string `json:"data_context,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, req *http.Request) {
	threadID := mux.Vars(req)["id"]
	var body runRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if body.Query == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	events, err := s.runner.Run(req.Context(), threadID, body.Query,
		dataagent.WithPlanning(body.UsePlanning),
		dataagent.WithExplainer(body.UseExplainer),
		dataagent.WithToolApproval(body.RequireToolApproval),
		dataagent.WithDataContext(body.DataContext),
	)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	streamSSE(w, events)
}

func (s *Server) handleResume(w http.ResponseWriter, req *http.Request) {
	threadID := mux.Vars(req)["id"]
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read payload: %w", err))
		return
	}
	events, err := s.runner.Resume(req.Context(), threadID, payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	streamSSE(w, events)
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	threadID := mux.Vars(req)["id"]
	if err := s.runner.Cancel(req.Context(), threadID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	threadID := mux.Vars(req)["id"]
	checkpointID := req.URL.Query().Get("checkpoint_id")
	var (
		state *dataagent.State
		id    string
		err   error
	)
	if checkpointID != "" {
		state, id, err = s.runner.GetStateAt(req.Context(), threadID, checkpointID)
	} else {
		state, id, err = s.runner.GetState(req.Context(), threadID)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint_id": id,
		"state":         state,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, req *http.Request) {
	threadID := mux.Vars(req)["id"]
	if err := s.runner.DeleteThread(req.Context(), threadID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// streamSSE writes each wire event as one SSE frame.
func streamSSE(w http.ResponseWriter, events <-chan *projector.WireEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	for e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			log.Errorf("marshal wire event: %v", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, graph.ErrNoPendingInterrupt):
		return http.StatusConflict
	case errors.Is(err, runner.ErrInterruptMismatch):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrLineageIDRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("encode response: %v", err)
	}
}
