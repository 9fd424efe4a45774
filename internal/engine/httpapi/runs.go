// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tombee/conductor/pkg/workflow"
)

// RunsHandler serves the run lifecycle endpoints: start, inspect, cancel.
type RunsHandler struct {
	registry *workflow.RunRegistry
	tasks    *workflow.TaskService
}

// NewRunsHandler builds a handler over registry and tasks.
func NewRunsHandler(registry *workflow.RunRegistry, tasks *workflow.TaskService) *RunsHandler {
	return &RunsHandler{registry: registry, tasks: tasks}
}

// RegisterRoutes registers run routes on mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleStart)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /v1/runs/{id}/resume", h.handleResume)
	mux.HandleFunc("GET /v1/runs/{id}/tasks", h.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", h.handleGetTask)
	mux.HandleFunc("PATCH /v1/tasks/{id}", h.handleUpdateTask)
}

// startRunRequest is the POST /v1/runs body.
type startRunRequest struct {
	WorkflowID       string                    `json:"workflowId"`
	Input            map[string]any            `json:"input"`
	TaskDefaults     workflow.TaskDefaults     `json:"taskDefaults,omitempty"`
	ExecutionOptions workflow.ExecutionOptions `json:"executionOptions,omitempty"`
	ExternalID       string                    `json:"externalId,omitempty"`
	Source           string                    `json:"source,omitempty"`
}

func (h *RunsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}

	run, rootTask, err := h.registry.StartWorkflow(r.Context(), req.WorkflowID, req.Input, workflow.StartOptions{
		TaskDefaults:     req.TaskDefaults,
		ExecutionOptions: req.ExecutionOptions,
		ExternalID:       req.ExternalID,
		Source:           req.Source,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run":     run,
		"rootTask": rootTask,
	})
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.registry.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflowId")
	var status *workflow.RunStatus
	if s := r.URL.Query().Get("status"); s != "" {
		rs := workflow.RunStatus(s)
		status = &rs
	}
	limit, offset := parsePaging(r)

	runs, err := h.registry.ListRuns(r.Context(), workflowID, status, limit, offset)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Actor")
	run, err := h.registry.CancelRun(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	run, err := h.registry.PauseRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := h.registry.ResumeRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.ListTasks(r.Context(), workflow.TaskQuery{
		RunID:           r.PathValue("id"),
		IncludeArchived: r.URL.Query().Get("includeArchived") == "true",
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (h *RunsHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// updateTaskRequest is the PATCH /v1/tasks/{id} body. Every field is
// optional; only the ones present are applied.
type updateTaskRequest struct {
	Status        *workflow.TaskStatus `json:"status,omitempty"`
	Assignee      *string              `json:"assignee,omitempty"`
	Urgency       *workflow.Urgency    `json:"urgency,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
	OutputPayload map[string]any       `json:"outputPayload,omitempty"`
	ErrorMessage  *string              `json:"errorMessage,omitempty"`
}

func (h *RunsHandler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	task, err := h.tasks.UpdateTask(r.Context(), r.PathValue("id"), workflow.TaskUpdate{
		Status:        req.Status,
		Assignee:      req.Assignee,
		Urgency:       req.Urgency,
		Tags:          req.Tags,
		OutputPayload: req.OutputPayload,
		ErrorMessage:  req.ErrorMessage,
		Actor:         r.Header.Get("X-Actor"),
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func parsePaging(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, ok := parseNonNegativeInt(v); ok {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, ok := parseNonNegativeInt(v); ok {
			offset = n
		}
	}
	return limit, offset
}

func parseNonNegativeInt(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
