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

// CallbackHandler serves the external/foreach callback ingress endpoint.
type CallbackHandler struct {
	ingress *workflow.CallbackIngress
}

// NewCallbackHandler builds a handler over ingress.
func NewCallbackHandler(ingress *workflow.CallbackIngress) *CallbackHandler {
	return &CallbackHandler{ingress: ingress}
}

// RegisterRoutes registers the callback route on mux.
func (h *CallbackHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs/{id}/callback/{stepId}", h.handleCallback)
}

func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	secret := r.Header.Get("X-Workflow-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	result, err := h.ingress.Handle(r.Context(), r.PathValue("id"), r.PathValue("stepId"), payload, secret, workflow.RequestInfo{
		RemoteAddr: r.RemoteAddr,
		Headers:    headers,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
