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

//go:build onnx && ORT

package backends

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/semaphore"
)

func init() {
	RegisterLoader(&ortLoader{})
}

// ortLoader implements Loader using ONNX Runtime.
//
// Runtime Requirements:
//   - Set LD_LIBRARY_PATH (or ONNXRUNTIME_ROOT) so libonnxruntime can be found
//
// Build Requirements:
//   - CGO must be enabled (CGO_ENABLED=1)
//   - Build with -tags onnx,ORT
type ortLoader struct {
	initOnce sync.Once
	initErr  error
}

func (l *ortLoader) Name() string {
	return "ONNX Runtime"
}

// initONNX initializes the ONNX Runtime library once per process.
func (l *ortLoader) initONNX() error {
	l.initOnce.Do(func() {
		if libPath := getOnnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, getOnnxLibraryName()))
		}
		l.initErr = ort.InitializeEnvironment()
	})
	return l.initErr
}

// getOnnxLibraryPath returns the directory containing libonnxruntime from environment.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH (or DYLD_LIBRARY_PATH on macOS).
func getOnnxLibraryPath() string {
	libName := getOnnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platformDir := filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib")
		if _, err := os.Stat(filepath.Join(platformDir, libName)); err == nil {
			return platformDir
		}
		directDir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(directDir, libName)); err == nil {
			return directDir
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			ldPath = dyldPath
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

// getOnnxLibraryName returns the platform-specific library name.
func getOnnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

func (l *ortLoader) Load(path string, opts ...LoadOption) (Model, error) {
	if err := l.initONNX(); err != nil {
		return nil, fmt.Errorf("%w: initializing ONNX Runtime: %v", ErrModelUnavailable, err)
	}
	config := ApplyOptions(opts...)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: model file %s: %v", ErrModelUnavailable, path, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has %d inputs and %d outputs", path, len(inputs), len(outputs))
	}

	outputNames := make([]string, len(outputs))
	outputRanks := make([]int, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		outputRanks[i] = len(info.Dimensions)
	}

	names, metaTask := readMetadata(path)
	task := config.Task
	if task == TaskAuto {
		task = InferTask(metaTask, outputRanks)
	}

	imgCfg := config.Image
	if imgCfg == nil {
		if task == TaskClassify {
			imgCfg = DefaultClassificationImageConfig()
		} else {
			imgCfg = DefaultDetectionImageConfig()
		}
		// Fixed NCHW input dimensions override the defaults
		if dims := inputs[0].Dimensions; len(dims) == 4 && dims[2] > 0 && dims[3] > 0 {
			imgCfg.Height = int(dims[2])
			imgCfg.Width = int(dims[3])
		}
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if config.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(config.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name},
		outputNames,
		sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &ortModel{
		name:          filepath.Base(path),
		task:          task,
		names:         names,
		config:        config,
		image:         imgCfg,
		session:       session,
		sessionOpts:   sessionOpts,
		outputNames:   outputNames,
		featureOutput: featureOutputIndex(config.FeatureOutput, outputNames, outputRanks),
		sem:           semaphore.NewWeighted(int64(config.MaxConcurrency)),
	}, nil
}

// readMetadata returns the class names and task recorded by the exporter, if any.
func readMetadata(path string) (map[int]string, string) {
	meta, err := ort.GetModelMetadata(path)
	if err != nil {
		return map[int]string{}, ""
	}
	defer meta.Destroy()

	names := map[int]string{}
	if raw, ok, err := meta.LookupCustomMetadataMap("names"); err == nil && ok {
		names = ParseNames(raw)
	}
	task, ok, err := meta.LookupCustomMetadataMap("task")
	if err != nil || !ok {
		task = ""
	}
	return names, task
}

func featureOutputIndex(name string, outputNames []string, outputRanks []int) int {
	if name != "" {
		for i, n := range outputNames {
			if n == name {
				return i
			}
		}
	}
	for i := len(outputRanks) - 1; i >= 0; i-- {
		if outputRanks[i] > 2 {
			return i
		}
	}
	return 0
}

// ortModel implements Model and FeatureExtractor using ONNX Runtime.
type ortModel struct {
	name          string
	task          Task
	names         map[int]string
	config        *LoadConfig
	image         *ImageConfig
	session       *ort.DynamicAdvancedSession
	sessionOpts   *ort.SessionOptions
	outputNames   []string
	featureOutput int
	sem           *semaphore.Weighted
}

func (m *ortModel) Name() string { return m.name }
func (m *ortModel) Task() Task { return m.task }
func (m *ortModel) Names() map[int]string { return m.names }

// run executes one forward pass and returns the output tensors, which the caller must destroy.
func (m *ortModel) run(ctx context.Context, img image.Image) ([]ort.Value, Letterbox, error) {
	if m.session == nil {
		return nil, Letterbox{}, fmt.Errorf("%w: ONNX session closed", ErrModelUnavailable)
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, Letterbox{}, err
	}
	defer m.sem.Release(1)

	pixels, lb := Preprocess(img, m.image)
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(m.image.Height), int64(m.image.Width)), pixels)
	if err != nil {
		return nil, lb, fmt.Errorf("%w: creating input tensor: %v", ErrModelExecution, err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(m.outputNames))
	if err := m.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, lb, fmt.Errorf("%w: running %s: %v", ErrModelExecution, m.name, err)
	}
	return outputs, lb, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

func float32Output(v ort.Value) ([]float32, []int64, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok || t == nil {
		return nil, nil, fmt.Errorf("%w: output is not a float32 tensor", ErrModelExecution)
	}
	return t.GetData(), t.GetShape(), nil
}

func (m *ortModel) Infer(ctx context.Context, img image.Image) (*Output, error) {
	outputs, lb, err := m.run(ctx, img)
	if err != nil {
		return nil, err
	}
	defer destroyAll(outputs)

	pred, shape, err := float32Output(outputs[0])
	if err != nil {
		return nil, err
	}

	if m.task == TaskClassify {
		probs := make([]float32, len(pred))
		copy(probs, pred)
		return &Output{Probs: probs}, nil
	}

	var protos []float32
	var protoShape []int64
	numMaskCoef := 0
	if m.task == TaskSegment && len(outputs) > 1 {
		protos, protoShape, err = float32Output(outputs[1])
		if err != nil {
			return nil, err
		}
		if len(protoShape) != 4 {
			return nil, fmt.Errorf("%w: unexpected prototype shape %v", ErrModelExecution, protoShape)
		}
		numMaskCoef = int(protoShape[1])
	}

	cands, err := decodeYOLO(pred, shape, numMaskCoef, m.config.YOLO)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelExecution, err)
	}

	out := &Output{Detections: make([]Detection, 0, len(cands))}
	for _, c := range cands {
		det := Detection{
			ClassID:    c.classID,
			Confidence: c.conf,
			Box:        sourceBox(c, lb),
		}
		if numMaskCoef > 0 {
			det.Mask = assembleMask(c, protos, numMaskCoef, int(protoShape[2]), int(protoShape[3]),
				m.image.Width, m.image.Height, lb, m.config.YOLO.MaskThreshold)
		}
		out.Detections = append(out.Detections, det)
	}
	return out, nil
}

func (m *ortModel) ExtractFeatures(ctx context.Context, img image.Image) ([]float32, error) {
	outputs, _, err := m.run(ctx, img)
	if err != nil {
		return nil, err
	}
	defer destroyAll(outputs)

	data, _, err := float32Output(outputs[m.featureOutput])
	if err != nil {
		return nil, err
	}
	features := make([]float32, len(data))
	copy(features, data)
	return features, nil
}

func (m *ortModel) Close() error {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.sessionOpts != nil {
		m.sessionOpts.Destroy()
		m.sessionOpts = nil
	}
	return nil
}
