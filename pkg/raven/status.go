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
	"github.com/0n6k4v/raven/pkg/raven/lib/modelregistry"
)

// ModelsLoaded reports which model groups loaded.
type ModelsLoaded struct {
	Segment       bool `json:"segment"`
	Narcotic      bool `json:"narcotic"`
	Brand         bool `json:"brand"`
	BrandSpecific bool `json:"brand_specific"`
}

// AvailableModels counts the models currently usable.
type AvailableModels struct {
	Segmentation       bool `json:"segmentation"`
	Narcotic           bool `json:"narcotic"`
	BrandSpecificCount int  `json:"brand_specific_count"`
}

// WarmupStatus is a point-in-time view of loading and warm-up.
type WarmupStatus struct {
	ModelsLoaded    ModelsLoaded      `json:"models_loaded"`
	LoadingComplete bool              `json:"loading_complete"`
	IsReady         bool              `json:"is_ready"`
	AvailableModels AvailableModels   `json:"available_models"`
	Failures        map[string]string `json:"failures,omitempty"`
	LastWarmup      *WarmupResult     `json:"last_warmup,omitempty"`
	WarmupRunning   bool              `json:"warmup_running"`
}

// GetWarmupStatus returns the current status without blocking on loading.
func (m *ModelManager) GetWarmupStatus() WarmupStatus {
	segLoaded := m.loader.State(modelregistry.KeySegmentation).Status == LoadLoaded
	narcLoaded := m.loader.State(modelregistry.KeyNarcotic).Status == LoadLoaded
	brands := m.loader.BrandModels()

	status := WarmupStatus{
		ModelsLoaded: ModelsLoaded{
			Segment:       segLoaded,
			Narcotic:      narcLoaded,
			Brand:         m.loader.State(modelregistry.KeyBrand).Status == LoadLoaded,
			BrandSpecific: len(brands) > 0,
		},
		LoadingComplete: m.loader.LoadingComplete(),
		IsReady:         m.loader.IsReady(),
		AvailableModels: AvailableModels{
			Segmentation:       segLoaded,
			Narcotic:           narcLoaded,
			BrandSpecificCount: len(brands),
		},
		WarmupRunning: m.warmupRunning(),
	}

	for _, key := range []string{modelregistry.KeySegmentation, modelregistry.KeyNarcotic, modelregistry.KeyBrand} {
		if st := m.loader.State(key); st.Status == LoadFailed && st.Err != nil {
			status.addFailure(key, st.Err)
		}
	}
	for key, st := range m.loader.BrandStates() {
		if st.Status == LoadFailed && st.Err != nil {
			status.addFailure("brand:"+key, st.Err)
		}
	}
	if res, ok := m.LastWarmup(); ok {
		status.LastWarmup = &res
	}
	return status
}

func (s *WarmupStatus) addFailure(key string, err error) {
	if s.Failures == nil {
		s.Failures = make(map[string]string)
	}
	s.Failures[key] = err.Error()
}
