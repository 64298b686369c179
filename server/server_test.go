//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot-ai/datapilot/dataagent"
	"github.com/datapilot-ai/datapilot/model"
	"github.com/datapilot-ai/datapilot/runner"
	"github.com/datapilot-ai/datapilot/tool"
	"github.com/datapilot-ai/datapilot/tool/function"
)

type scriptedModel struct {
	mu    sync.Mutex
	turns []string
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	if len(m.turns) == 0 {
		m.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	text := m.turns[0]
	m.turns = m.turns[1:]
	m.mu.Unlock()

	ch := make(chan *model.Response, 2)
	ch <- &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices: []model.Choice{{
			Delta: model.Message{Role: model.RoleAssistant, Content: text},
		}},
	}
	ch <- &model.Response{
		Object: model.ObjectTypeChatCompletion,
		Done:   true,
		Choices: []model.Choice{{
			Message: model.Message{Role: model.RoleAssistant, Content: text},
		}},
	}
	close(ch)
	return ch, nil
}

const planTurn = `{"steps": [` +
	`{"goal": "count the rows", "tool_options": [{"name": "sql_query", "priority": 1}]}]}`

func newTestServer(t *testing.T, turns ...string) *Server {
	t.Helper()
	sql := function.New(func(ctx context.Context, in struct {
		Query string `json:"query,omitempty"`
	}) (string, error) {
		return "rows: 42", nil
	}, function.WithName("sql_query"), function.WithDescription("Runs a SQL query."))

	r, err := runner.New(&dataagent.Config{
		Model: &scriptedModel{turns: turns},
		Tools: map[string]tool.CallableTool{"sql_query": sql},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return New(r)
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestRunStreamsEvents(t *testing.T) {
	s := newTestServer(t, "Direct answer.")

	w := doJSON(t, s, http.MethodPost, "/threads/t1/runs", `{"query": "hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: content_block")
	assert.Contains(t, body, "Direct answer.")
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, `"status":"finished"`)
	assert.Contains(t, body, "event: completed")
	assert.Contains(t, body, `"thread_id":"t1"`)
}

func TestRunRequiresQuery(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/threads/t1/runs", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunPausesForPlanApproval(t *testing.T) {
	s := newTestServer(t, planTurn)

	w := doJSON(t, s, http.MethodPost, "/threads/t1/runs",
		`{"query": "count rows", "use_planning": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"status":"user_feedback"`)
	assert.Contains(t, body, "__interrupt__")
	assert.NotContains(t, body, "event: completed")

	// A payload that does not match the pending plan approval is rejected.
	w = doJSON(t, s, http.MethodPost, "/threads/t1/resume", `{"type": "accept"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	// Cancelling the plan finishes the run.
	w = doJSON(t, s, http.MethodPost, "/threads/t1/resume", `{"review_action": "cancel"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: completed")
}

func TestResumeWithoutPendingInterrupt(t *testing.T) {
	s := newTestServer(t, "Answer.")

	w := doJSON(t, s, http.MethodPost, "/threads/t1/runs", `{"query": "hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/threads/t1/resume", `{"review_action": "accept"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStateEndpoint(t *testing.T) {
	s := newTestServer(t, "Answer.")

	w := doJSON(t, s, http.MethodGet, "/threads/missing/state", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodPost, "/threads/t1/runs", `{"query": "hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/threads/t1/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "checkpoint_id")
	assert.Contains(t, w.Body.String(), `"Answer."`)
}

func TestCancelAndDelete(t *testing.T) {
	s := newTestServer(t, "Answer.")

	w := doJSON(t, s, http.MethodPost, "/threads/t1/runs", `{"query": "hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/threads/t1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)

	w = doJSON(t, s, http.MethodDelete, "/threads/t1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/threads/t1/state", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
