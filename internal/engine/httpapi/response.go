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

// Package httpapi is the engine daemon's HTTP surface: starting,
// inspecting, and cancelling runs, delivering callbacks, and streaming
// run events over SSE.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	engineerrors "github.com/tombee/conductor/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps the engine's error taxonomy to an HTTP status and
// writes it as a JSON error body.
func writeAPIError(w http.ResponseWriter, err error) {
	var validation *engineerrors.ValidationError
	var notFound *engineerrors.NotFoundError
	var conflict *engineerrors.ConflictError
	var unauthorized *engineerrors.UnauthorizedError
	var unavailable *engineerrors.StoreUnavailableError
	var fatal *engineerrors.FatalError

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &fatal):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
