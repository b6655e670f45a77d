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

package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogMelShape(t *testing.T) {
	fe := NewFeatureExtractor(DefaultConfig(80))

	// 5 seconds of silence, zero-padded to the full 30s window.
	samples := make([]float32, 5*16000)
	spec := fe.LogMel(samples)

	rows, cols := spec.Dims()
	assert.Equal(t, 80, rows)
	assert.Equal(t, 3000, cols)
}

func TestLogMelFinite(t *testing.T) {
	fe := NewFeatureExtractor(DefaultConfig(80))

	spec := fe.LogMel(make([]float32, 16000))
	rows, cols := spec.Dims()
	for m := 0; m < rows; m++ {
		for f := 0; f < cols; f++ {
			v := spec.At(m, f)
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0),
				"non-finite value at [%d,%d]", m, f)
		}
	}
}

func TestLogMelDynamicRangeClip(t *testing.T) {
	fe := NewFeatureExtractor(DefaultConfig(80))

	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}
	spec := fe.LogMel(samples)

	// After clipping to [max-8, max] and rescaling (x+4)/4, the spread can
	// never exceed 8/4 = 2.
	minV, maxV := math.Inf(1), math.Inf(-1)
	rows, cols := spec.Dims()
	for m := 0; m < rows; m++ {
		for f := 0; f < cols; f++ {
			v := spec.At(m, f)
			minV = math.Min(minV, v)
			maxV = math.Max(maxV, v)
		}
	}
	assert.LessOrEqual(t, maxV-minV, 2.0+1e-9)
}

func TestLogMelDeterministic(t *testing.T) {
	fe := NewFeatureExtractor(DefaultConfig(80))

	samples := make([]float32, 32000)
	for i := range samples {
		samples[i] = float32(math.Sin(0.01 * float64(i)))
	}

	a := fe.LogMel(samples)
	b := fe.LogMel(samples)

	rows, cols := a.Dims()
	for m := 0; m < rows; m++ {
		for f := 0; f < cols; f++ {
			require.Equal(t, a.At(m, f), b.At(m, f))
		}
	}
}

func TestLogMelToneConcentratesEnergy(t *testing.T) {
	fe := NewFeatureExtractor(DefaultConfig(80))

	// A 440 Hz tone should put its peak energy in a low mel band.
	samples := make([]float32, 30*16000)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}
	spec := fe.LogMel(samples)

	bestBand := 0
	bestVal := math.Inf(-1)
	rows, _ := spec.Dims()
	for m := 0; m < rows; m++ {
		v := spec.At(m, 100)
		if v > bestVal {
			bestVal = v
			bestBand = m
		}
	}
	assert.Less(t, bestBand, 20, "440 Hz should land in the low mel bands")
}

func TestSlaneyMelBankProperties(t *testing.T) {
	bank := slaneyMelBank(80, 400, 16000)
	rows, cols := bank.Dims()
	require.Equal(t, 80, rows)
	require.Equal(t, 201, cols)

	for m := 0; m < rows; m++ {
		var sum float64
		for k := 0; k < cols; k++ {
			v := bank.At(m, k)
			require.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.Greater(t, sum, 0.0, "filter %d is empty", m)
	}
}

func TestMelScaleBreakFrequency(t *testing.T) {
	// Linear below 1000 Hz, logarithmic above.
	assert.InDelta(t, hzToMel(500), hzToMel(250)*2, 1e-9)
	assert.Greater(t, hzToMel(4000)-hzToMel(2000), 0.0)
	assert.Less(t, hzToMel(4000)-hzToMel(2000), hzToMel(2000)-hzToMel(0))

	// Round trip.
	for _, hz := range []float64{0, 100, 999, 1000, 1001, 4000, 8000} {
		assert.InDelta(t, hz, melToHz(hzToMel(hz)), 1e-6)
	}
}

func TestReflectPad(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	out := reflectPad(x, 2)
	assert.Equal(t, []float64{3, 2, 1, 2, 3, 4, 5, 4, 3}, out)
}

func TestHannWindowEndpoints(t *testing.T) {
	w := hannWindow(400)
	require.Len(t, w, 400)
	assert.InDelta(t, 0.0, w[0], 1e-12)
	assert.InDelta(t, 1.0, w[200], 1e-9)
}
