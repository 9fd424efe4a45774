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
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/conductor/internal/engine/metrics"
	"github.com/tombee/conductor/internal/tracing"
)

// RouterConfig holds build metadata and the auth mode the router enforces.
type RouterConfig struct {
	Version string

	// AuthMode is "none" or "bearer_token".
	AuthMode  string
	AuthToken string
}

// Router wraps an http.ServeMux with request logging and bearer auth.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	logger *slog.Logger
}

// NewRouter creates a router with health and version endpoints registered.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{mux: http.NewServeMux(), config: cfg, logger: logger}
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.Handle("GET /v1/metrics", metrics.Handler())
	return r
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler, applying correlation tagging,
// logging, and auth around the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	corrID, found := tracing.ExtractFromRequest(req)
	if !found || !corrID.IsValid() {
		corrID = tracing.NewCorrelationID()
	}
	w.Header().Set(tracing.HeaderCorrelationID, corrID.String())
	req = req.WithContext(tracing.ToContext(req.Context(), corrID))

	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("correlation_id", corrID.String()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()

	if !r.authorized(req) {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	r.mux.ServeHTTP(w, req)
}

// authorized reports whether req carries a valid bearer token, or
// whether the router's auth mode requires none. Health and version
// stay open regardless of auth mode so a load balancer can probe them.
func (r *Router) authorized(req *http.Request) bool {
	if req.URL.Path == "/v1/health" || req.URL.Path == "/v1/version" {
		return true
	}
	if r.config.AuthMode != "bearer_token" {
		return true
	}

	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.config.AuthToken)) == 1
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": r.config.Version})
}
