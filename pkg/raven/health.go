// Copyright 2025 Antfly, Inc.
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

package raven

import (
	"net/http"

	"github.com/bytedance/sonic/encoder"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthResponse is the response for /healthz endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for /readyz endpoint
type ReadyResponse struct {
	Status          string          `json:"status"`
	LoadingComplete bool            `json:"loading_complete"`
	Models          AvailableModels `json:"models"`
}

// VersionResponse is the response for /api/version endpoint
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(v)
}

// handleHealthz returns 200 if the service is running (liveness check)
func (rn *RavenNode) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReadyz returns 200 once the segmentation and narcotic models are loaded
func (rn *RavenNode) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := rn.manager.GetWarmupStatus()
	resp := ReadyResponse{
		Status:          "ready",
		LoadingComplete: status.LoadingComplete,
		Models:          status.AvailableModels,
	}
	if !status.IsReady {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWarmup reports loading and warm-up progress
func (rn *RavenNode) handleWarmup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rn.manager.GetWarmupStatus())
}

func (rn *RavenNode) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	})
}
