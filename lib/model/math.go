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

package model

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const layerNormEps = 1e-5

// gelu is the exact Gaussian error linear unit.
func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

func applyGELU(m *mat.Dense) {
	raw := m.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = gelu(raw.Data[i])
	}
}

// layerNorm normalizes each row of m to zero mean and unit variance, then
// applies the learned gain and bias. m is modified in place.
func layerNorm(m *mat.Dense, gain, bias []float64) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+layerNormEps)
		for j := range row {
			row[j] = (row[j]-mean)*inv*gain[j] + bias[j]
		}
	}
}

// softmaxInPlace turns each row of m into a probability distribution.
func softmaxInPlace(m *mat.Dense) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		softmaxRow(m.RawRowView(i))
	}
}

func softmaxRow(row []float64) {
	max := math.Inf(-1)
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	var sum float64
	for j, v := range row {
		e := math.Exp(v - max)
		row[j] = e
		sum += e
	}
	for j := range row {
		row[j] /= sum
	}
}

// attention computes multi-head scaled dot-product attention. q has one row
// per query position, k and v one row per key position; all share the model
// width, split evenly across nHead heads. With causal set, query i may only
// attend to keys up to position i plus the key/query length difference,
// which is how cached past positions stay visible during incremental
// decoding.
func attention(q, k, v *mat.Dense, nHead int, causal bool) *mat.Dense {
	t, state := q.Dims()
	s, _ := k.Dims()
	dh := state / nHead
	scale := 1 / math.Sqrt(float64(dh))
	offset := s - t

	out := mat.NewDense(t, state, nil)
	var scores mat.Dense
	var headOut mat.Dense
	for h := 0; h < nHead; h++ {
		qh := q.Slice(0, t, h*dh, (h+1)*dh)
		kh := k.Slice(0, s, h*dh, (h+1)*dh)
		vh := v.Slice(0, s, h*dh, (h+1)*dh)

		scores.Reset()
		scores.Mul(qh, kh.T())
		scores.Scale(scale, &scores)
		if causal {
			for i := 0; i < t; i++ {
				row := scores.RawRowView(i)
				for j := i + offset + 1; j < s; j++ {
					row[j] = math.Inf(-1)
				}
			}
		}
		softmaxInPlace(&scores)

		headOut.Reset()
		headOut.Mul(&scores, vh)
		for i := 0; i < t; i++ {
			copy(out.RawRowView(i)[h*dh:(h+1)*dh], headOut.RawRowView(i))
		}
	}
	return out
}

// sinusoids returns the fixed positional embedding table used by the audio
// encoder: length rows by channels columns, interleaved sin then cos halves.
func sinusoids(length, channels int) *mat.Dense {
	half := channels / 2
	logTimescale := math.Log(10000) / float64(half-1)
	out := mat.NewDense(length, channels, nil)
	for i := 0; i < length; i++ {
		row := out.RawRowView(i)
		for j := 0; j < half; j++ {
			angle := float64(i) * math.Exp(-logTimescale*float64(j))
			row[j] = math.Sin(angle)
			row[half+j] = math.Cos(angle)
		}
	}
	return out
}
