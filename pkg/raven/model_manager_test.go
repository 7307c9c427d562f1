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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/0n6k4v/raven/pkg/raven/lib/backends/backendstest"
	"github.com/0n6k4v/raven/pkg/raven/lib/modelregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("model"), 0o644))
}

// testLayout is a models directory populated with fake models.
type testLayout struct {
	dir    string
	loader *backendstest.Loader
	seg    *backendstest.Model
	narc   *backendstest.Model
	brand  *backendstest.Model
	brands map[string]*backendstest.Model
}

func (tl *testLayout) segPath() string  { return filepath.Join(tl.dir, "segment_model.onnx") }
func (tl *testLayout) narcPath() string { return filepath.Join(tl.dir, "narcotics", "narcotic_model.onnx") }
func (tl *testLayout) brandPath() string {
	return filepath.Join(tl.dir, "firearms", "brand", "gun_brand.onnx")
}
func (tl *testLayout) brandModelPath(dir string) string {
	return filepath.Join(tl.dir, "firearms", "model", dir, "best.onnx")
}

func (tl *testLayout) add(t *testing.T, path string, m backends.Model) {
	t.Helper()
	touch(t, path)
	tl.loader.Models[path] = m
}

// newLayout creates every fixed-role model plus one brand-specific model per
// brand directory name.
func newLayout(t *testing.T, brandDirs ...string) *testLayout {
	t.Helper()
	tl := &testLayout{
		dir:    t.TempDir(),
		loader: &backendstest.Loader{Models: map[string]backends.Model{}},
		seg: &backendstest.Model{
			ModelName:  "seg",
			ModelTask:  backends.TaskSegment,
			ClassNames: map[int]string{0: "Drug", 1: "PackageDrug", 2: "Gun"},
		},
		narc:   &backendstest.Model{ModelName: "narc", ModelTask: backends.TaskClassify},
		brand:  &backendstest.Model{ModelName: "brand", ModelTask: backends.TaskClassify},
		brands: map[string]*backendstest.Model{},
	}
	tl.add(t, tl.segPath(), tl.seg)
	tl.add(t, tl.narcPath(), tl.narc)
	tl.add(t, tl.brandPath(), tl.brand)
	for _, d := range brandDirs {
		m := &backendstest.Model{ModelName: d, ModelTask: backends.TaskClassify}
		tl.brands[d] = m
		tl.add(t, tl.brandModelPath(d), m)
	}
	return tl
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.ModelsDir = dir
	cfg.WaitTimeout = 5 * time.Second
	cfg.CacheTTL = 0
	cfg.WarmupEnabled = false
	return cfg
}

func newTestManager(t *testing.T, tl *testLayout) *ModelManager {
	t.Helper()
	m, err := NewModelManager(testConfig(tl.dir), tl.loader, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func countLoads(loads []string, path string) int {
	n := 0
	for _, l := range loads {
		if l == path {
			n++
		}
	}
	return n
}

func TestModelManager_LoadsEverything(t *testing.T) {
	tl := newLayout(t, "Glock_Model", "Colt")
	m := newTestManager(t, tl)

	require.True(t, m.WaitForModels(5*time.Second))
	assert.True(t, m.IsReady())
	assert.True(t, m.LoadingComplete())

	assert.Same(t, tl.seg, m.SegmentationModel())
	assert.Same(t, tl.narc, m.NarcoticModel())
	assert.Same(t, tl.brand, m.BrandModel())

	// Fixed roles first, then brand directories in lexical order
	assert.Equal(t, []string{
		tl.segPath(), tl.narcPath(), tl.brandPath(),
		tl.brandModelPath("Colt"), tl.brandModelPath("Glock_Model"),
	}, tl.loader.Loads())

	// Segmentation names replace the fallback table
	assert.Equal(t, tl.seg.ClassNames, m.SegmentClasses())
}

func TestModelManager_BrandSpecificLookup(t *testing.T) {
	tl := newLayout(t, "Glock_Model", "Heckler-Koch")
	m := newTestManager(t, tl)
	require.True(t, m.WaitForModels(5*time.Second))

	assert.Same(t, tl.brands["Glock_Model"], m.BrandSpecificModel("GLOCK"))
	assert.Same(t, tl.brands["Heckler-Koch"], m.BrandSpecificModel("heckler & koch"))
	assert.Nil(t, m.BrandSpecificModel("Beretta"))
	assert.Nil(t, m.BrandSpecificModel(""))
	assert.Nil(t, m.BrandSpecificModel("--"))

	all := m.BrandSpecificModels()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "glock")
	assert.Contains(t, all, "hecklerkoch")
	// The returned map is a copy
	delete(all, "glock")
	assert.Len(t, m.BrandSpecificModels(), 2)
}

func TestModelManager_BrandLabelVariants(t *testing.T) {
	tl := newLayout(t, "Smith_Wesson")
	m := newTestManager(t, tl)
	require.True(t, m.WaitForModels(5*time.Second))

	want := tl.brands["Smith_Wesson"]
	for _, label := range []string{"Smith & Wesson", "smith-wesson", "SMITH_WESSON"} {
		assert.Same(t, want, m.BrandSpecificModel(label), label)
	}
}

func TestModelManager_BrandKeyCollision(t *testing.T) {
	tl := newLayout(t, "Smith&Wesson", "SmithWesson")
	m := newTestManager(t, tl)
	require.True(t, m.WaitForModels(5*time.Second))

	// Both directories normalize to the same key; the later one wins
	assert.Len(t, m.BrandSpecificModels(), 1)
	assert.Same(t, tl.brands["SmithWesson"], m.BrandSpecificModel("Smith & Wesson"))

	// The displaced model is still released on Close
	require.NoError(t, m.Close())
	assert.True(t, tl.brands["Smith&Wesson"].Closed())
	assert.True(t, tl.brands["SmithWesson"].Closed())
}

func TestModelManager_BrandKeyCollisionKeepsLoadedModel(t *testing.T) {
	tl := newLayout(t, "Smith&Wesson", "SmithWesson")
	tl.loader.Errors = map[string]error{tl.brandModelPath("SmithWesson"): errors.New("corrupt model")}
	m := newTestManager(t, tl)
	require.True(t, m.WaitForModels(5*time.Second))

	assert.Same(t, tl.brands["Smith&Wesson"], m.BrandSpecificModel("smith-wesson"))
	assert.Equal(t, LoadLoaded, m.Loader().BrandStates()["smithwesson"].Status)
}

func TestModelManager_FailureIsolation(t *testing.T) {
	tl := newLayout(t, "Colt", "Glock")
	tl.loader.Errors = map[string]error{tl.narcPath(): errors.New("corrupt model")}
	tl.loader.PanicPaths = map[string]bool{tl.brandModelPath("Colt"): true}
	// Brand classifier file missing on disk: recorded as failed without a load call
	require.NoError(t, os.Remove(tl.brandPath()))

	m := newTestManager(t, tl)
	require.True(t, m.WaitForModels(5*time.Second))

	assert.NotNil(t, m.SegmentationModel())
	assert.Nil(t, m.NarcoticModel())
	assert.Nil(t, m.BrandModel())
	assert.Nil(t, m.BrandSpecificModel("colt"))
	assert.Same(t, tl.brands["Glock"], m.BrandSpecificModel("glock"))
	assert.False(t, m.IsReady())

	loader := m.Loader()
	assert.Equal(t, LoadLoaded, loader.State(modelregistry.KeySegmentation).Status)
	assert.Equal(t, LoadFailed, loader.State(modelregistry.KeyNarcotic).Status)
	assert.EqualError(t, loader.State(modelregistry.KeyNarcotic).Err, "corrupt model")

	brandState := loader.State(modelregistry.KeyBrand)
	assert.Equal(t, LoadFailed, brandState.Status)
	assert.True(t, backends.IsModelUnavailable(brandState.Err))
	assert.Zero(t, countLoads(tl.loader.Loads(), tl.brandPath()))

	colt := loader.BrandStates()["colt"]
	assert.Equal(t, LoadFailed, colt.Status)
	assert.Contains(t, colt.Err.Error(), "panic")
}

func TestModelManager_FallbackSegmentClasses(t *testing.T) {
	tl := newLayout(t)
	tl.seg.ClassNames = nil
	m := newTestManager(t, tl)
	require.True(t, m.WaitForModels(5*time.Second))

	assert.Equal(t, map[int]string{0: "gun", 1: "pistol", 2: "rifle", 3: "weapon"}, m.SegmentClasses())
}

func TestModelLoader_ReadinessNeverObservedMidLoad(t *testing.T) {
	tl := newLayout(t, "Glock")
	gate := make(chan struct{})
	reached := make(chan struct{})
	tl.loader.Hook = func(path string) {
		if path == tl.brandModelPath("Glock") {
			close(reached)
			<-gate
		}
	}

	m := newTestManager(t, tl)

	<-reached
	// Both critical models are loaded but loading has not finished
	assert.NotNil(t, m.SegmentationModel())
	assert.NotNil(t, m.NarcoticModel())
	assert.False(t, m.IsReady())
	assert.False(t, m.LoadingComplete())
	assert.False(t, m.WaitForModels(0))
	assert.False(t, m.WaitForModels(20*time.Millisecond))

	close(gate)
	require.True(t, m.WaitForModels(5*time.Second))
	for range 10 {
		assert.True(t, m.IsReady())
	}
}

func TestModelLoader_WaitForModelsZeroDoesNotBlock(t *testing.T) {
	tl := newLayout(t)
	gate := make(chan struct{})
	tl.loader.Hook = func(string) { <-gate }
	m := newTestManager(t, tl)
	defer close(gate)

	start := time.Now()
	assert.False(t, m.WaitForModels(0))
	assert.False(t, m.WaitForModels(-time.Second))
	assert.Less(t, time.Since(start), time.Second)
}

func TestModelLoader_StartBackgroundLoadIdempotent(t *testing.T) {
	tl := newLayout(t)
	m := newTestManager(t, tl)

	// NewModelManager already started the worker
	assert.False(t, m.Loader().StartBackgroundLoad())
	assert.False(t, m.Loader().StartBackgroundLoad())
	require.True(t, m.WaitForModels(5*time.Second))

	assert.Equal(t, 1, countLoads(tl.loader.Loads(), tl.segPath()))
}

func TestModelManager_CloseClosesModels(t *testing.T) {
	tl := newLayout(t, "Glock")
	m, err := NewModelManager(testConfig(tl.dir), tl.loader, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, tl.seg.Closed())
	assert.True(t, tl.narc.Closed())
	assert.True(t, tl.brand.Closed())
	assert.True(t, tl.brands["Glock"].Closed())
}

func TestDefaultModelManager_Singleton(t *testing.T) {
	tl := newLayout(t)

	defaultManagerMu.Lock()
	prevManager, prevLoader := defaultManager, defaultManagerLoader
	defaultManager = nil
	defaultManagerLoader = func() backends.Loader { return tl.loader }
	defaultManagerMu.Unlock()
	t.Cleanup(func() {
		defaultManagerMu.Lock()
		if defaultManager != nil {
			_ = defaultManager.Close()
		}
		defaultManager, defaultManagerLoader = prevManager, prevLoader
		defaultManagerMu.Unlock()
	})

	const n = 16
	managers := make([]*ModelManager, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := DefaultModelManager(testConfig(tl.dir), zaptest.NewLogger(t))
			assert.NoError(t, err)
			managers[i] = m
		}()
	}
	wg.Wait()

	require.NotNil(t, managers[0])
	for _, m := range managers[1:] {
		assert.Same(t, managers[0], m)
	}
	require.True(t, managers[0].WaitForModels(5*time.Second))
	assert.Equal(t, 1, countLoads(tl.loader.Loads(), tl.segPath()))
}

func TestNewModelManager_UnreadableBrandDir(t *testing.T) {
	dir := t.TempDir()
	// A file where the brand model directory is expected
	touch(t, filepath.Join(dir, "firearms", "model"))

	_, err := NewModelManager(testConfig(dir), &backendstest.Loader{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestLoadStatus_String(t *testing.T) {
	assert.Equal(t, "not_attempted", LoadNotAttempted.String())
	assert.Equal(t, "loaded", LoadLoaded.String())
	assert.Equal(t, "failed", LoadFailed.String())
}
