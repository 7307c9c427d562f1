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

package backends

import (
	"fmt"
	"image"
	"math"
	"sort"
)

// YOLOConfig holds post-processing thresholds for YOLO detection and segmentation heads.
type YOLOConfig struct {
	ConfThreshold float32
	IOUThreshold  float32
	MaxDetections int
	MaskThreshold float32
}

// DefaultYOLOConfig returns the thresholds used by the Ultralytics exporter defaults.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		ConfThreshold: 0.25,
		IOUThreshold:  0.7,
		MaxDetections: 300,
		MaskThreshold: 0.5,
	}
}

// candidate is a detection in model input space before mask assembly.
type candidate struct {
	x1, y1, x2, y2 float64
	classID        int
	conf           float32
	coef           []float32
}

// decodeYOLO parses a [1, 4+nc+nm, N] prediction tensor into NMS-filtered candidates.
func decodeYOLO(pred []float32, shape []int64, numMaskCoef int, cfg YOLOConfig) ([]candidate, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected prediction shape %v", shape)
	}
	channels := int(shape[1])
	anchors := int(shape[2])
	numClasses := channels - 4 - numMaskCoef
	if numClasses <= 0 {
		return nil, fmt.Errorf("prediction shape %v leaves no class channels (mask coefficients: %d)", shape, numMaskCoef)
	}
	if len(pred) < channels*anchors {
		return nil, fmt.Errorf("prediction has %d values, shape %v needs %d", len(pred), shape, channels*anchors)
	}

	at := func(c, i int) float32 { return pred[c*anchors+i] }

	var cands []candidate
	for i := 0; i < anchors; i++ {
		classID, best := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if p := at(4+c, i); p > best {
				best = p
				classID = c
			}
		}
		if best < cfg.ConfThreshold {
			continue
		}

		xc, yc := float64(at(0, i)), float64(at(1, i))
		w, h := float64(at(2, i)), float64(at(3, i))
		cand := candidate{
			x1:      xc - w/2,
			y1:      yc - h/2,
			x2:      xc + w/2,
			y2:      yc + h/2,
			classID: classID,
			conf:    best,
		}
		if numMaskCoef > 0 {
			cand.coef = make([]float32, numMaskCoef)
			for k := 0; k < numMaskCoef; k++ {
				cand.coef[k] = at(4+numClasses+k, i)
			}
		}
		cands = append(cands, cand)
	}

	return nonMaxSuppression(cands, cfg.IOUThreshold, cfg.MaxDetections), nil
}

// nonMaxSuppression keeps the highest scoring boxes, suppressing same-class overlaps.
func nonMaxSuppression(cands []candidate, iouThreshold float32, maxDetections int) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].conf > cands[j].conf
	})

	suppressed := make([]bool, len(cands))
	var kept []candidate
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		if maxDetections > 0 && len(kept) >= maxDetections {
			break
		}
		for j := i + 1; j < len(cands); j++ {
			if suppressed[j] || cands[j].classID != cands[i].classID {
				continue
			}
			if iou(cands[i], cands[j]) > float64(iouThreshold) {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b candidate) float64 {
	ix := math.Max(0, math.Min(a.x2, b.x2)-math.Max(a.x1, b.x1))
	iy := math.Max(0, math.Min(a.y2, b.y2)-math.Max(a.y1, b.y1))
	inter := ix * iy
	union := (a.x2-a.x1)*(a.y2-a.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// sourceBox maps a candidate box from model input space to clamped source pixels.
func sourceBox(c candidate, lb Letterbox) image.Rectangle {
	x1, y1 := lb.ToSource(c.x1, c.y1)
	x2, y2 := lb.ToSource(c.x2, c.y2)
	r := image.Rect(
		int(math.Floor(x1)), int(math.Floor(y1)),
		int(math.Ceil(x2)), int(math.Ceil(y2)),
	)
	return r.Intersect(image.Rect(0, 0, lb.SrcWidth, lb.SrcHeight))
}

// assembleMask combines prototype masks [nm, mh, mw] with a candidate's coefficients.
// The result covers the unpadded image area at prototype resolution.
func assembleMask(c candidate, protos []float32, nm, mh, mw, inputW, inputH int, lb Letterbox, threshold float32) *Mask {
	sx := float64(mw) / float64(inputW)
	sy := float64(mh) / float64(inputH)

	// Unpadded region in prototype space
	ux0 := int(math.Round(float64(lb.PadX) * sx))
	uy0 := int(math.Round(float64(lb.PadY) * sy))
	ux1 := mw - ux0
	uy1 := mh - uy0
	if ux1 <= ux0 || uy1 <= uy0 {
		ux0, uy0, ux1, uy1 = 0, 0, mw, mh
	}

	// Box in prototype space; pixels outside the box are never part of the instance
	bx0 := int(math.Floor(c.x1 * sx))
	by0 := int(math.Floor(c.y1 * sy))
	bx1 := int(math.Ceil(c.x2 * sx))
	by1 := int(math.Ceil(c.y2 * sy))

	mask := NewMask(ux1-ux0, uy1-uy0)
	plane := mh * mw
	for y := max(uy0, by0); y < min(uy1, by1); y++ {
		for x := max(ux0, bx0); x < min(ux1, bx1); x++ {
			var sum float32
			for k := 0; k < nm; k++ {
				sum += c.coef[k] * protos[k*plane+y*mw+x]
			}
			if sigmoid(sum) > threshold {
				mask.Data[(y-uy0)*mask.Width+(x-ux0)] = 1
			}
		}
	}
	return mask
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
