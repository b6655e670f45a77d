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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestGELU(t *testing.T) {
	assert.Equal(t, 0.0, gelu(0))
	assert.InDelta(t, 10.0, gelu(10), 1e-9)
	assert.InDelta(t, 0.0, gelu(-10), 1e-9)
	// Known value: gelu(1) = 0.5 * (1 + erf(1/sqrt(2))).
	assert.InDelta(t, 0.8413447460685429, gelu(1), 1e-12)
}

func TestLayerNormNormalizesRows(t *testing.T) {
	m := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		10, 10, 10, 10,
	})
	gain := []float64{1, 1, 1, 1}
	bias := []float64{0, 0, 0, 0}
	layerNorm(m, gain, bias)

	for i := 0; i < 2; i++ {
		row := m.RawRowView(i)
		var mean float64
		for _, v := range row {
			mean += v
		}
		assert.InDelta(t, 0, mean/4, 1e-9, "row %d mean", i)
	}
	// A constant row normalizes to the bias.
	assert.InDelta(t, 0, m.At(1, 0), 1e-3)
}

func TestLayerNormAppliesGainAndBias(t *testing.T) {
	m := mat.NewDense(1, 2, []float64{-1, 1})
	layerNorm(m, []float64{2, 2}, []float64{5, 5})
	// Normalized row is close to [-1, 1]; gain doubles it, bias recenters.
	assert.InDelta(t, 3, m.At(0, 0), 1e-3)
	assert.InDelta(t, 7, m.At(0, 1), 1e-3)
}

func TestSoftmaxRows(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{
		0, 0, 0,
		1000, 1000, 999,
	})
	softmaxInPlace(m)

	for i := 0; i < 2; i++ {
		var sum float64
		for _, v := range m.RawRowView(i) {
			require.False(t, math.IsNaN(v))
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-12, "row %d", i)
	}
	assert.InDelta(t, 1.0/3, m.At(0, 0), 1e-12)
	// Large magnitudes must not overflow.
	assert.Greater(t, m.At(1, 0), m.At(1, 2))
}

func TestAttentionPicksMatchingKey(t *testing.T) {
	// One head, sharply peaked query-key match: output ≈ matching value row.
	q := mat.NewDense(1, 2, []float64{10, 0})
	k := mat.NewDense(2, 2, []float64{
		10, 0,
		0, 10,
	})
	v := mat.NewDense(2, 2, []float64{
		1, 2,
		3, 4,
	})
	out := attention(q, k, v, 1, false)
	assert.InDelta(t, 1, out.At(0, 0), 1e-9)
	assert.InDelta(t, 2, out.At(0, 1), 1e-9)
}

func TestAttentionCausalMasksFuture(t *testing.T) {
	// Two queries over two keys. The value at position 1 is extreme; a
	// causally masked first query cannot see it.
	q := mat.NewDense(2, 2, []float64{
		0, 0,
		0, 0,
	})
	k := mat.NewDense(2, 2, []float64{
		0, 0,
		0, 0,
	})
	v := mat.NewDense(2, 2, []float64{
		1, 1,
		100, 100,
	})
	out := attention(q, k, v, 1, true)
	assert.InDelta(t, 1, out.At(0, 0), 1e-9)
	// The second query averages both positions.
	assert.InDelta(t, 50.5, out.At(1, 0), 1e-9)
}

func TestAttentionCausalOffsetKeepsPastVisible(t *testing.T) {
	// One new query over three cached keys: it sits at the last absolute
	// position, so every key stays visible.
	q := mat.NewDense(1, 2, []float64{0, 0})
	k := mat.NewDense(3, 2, nil)
	v := mat.NewDense(3, 2, []float64{
		3, 0,
		6, 0,
		9, 0,
	})
	out := attention(q, k, v, 1, true)
	assert.InDelta(t, 6, out.At(0, 0), 1e-9)
}

func TestAttentionMultiHeadSplitsColumns(t *testing.T) {
	// Two heads over width 4: each head only mixes its own column pair.
	q := mat.NewDense(1, 4, []float64{10, 0, 0, 10})
	k := mat.NewDense(2, 4, []float64{
		10, 0, 0, 10,
		0, 10, 10, 0,
	})
	v := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
	})
	out := attention(q, k, v, 2, false)
	// Head 0 (cols 0-1) matches key 0, head 1 (cols 2-3) matches key 0 too.
	assert.InDelta(t, 1, out.At(0, 0), 1e-6)
	assert.InDelta(t, 2, out.At(0, 1), 1e-6)
	assert.InDelta(t, 3, out.At(0, 2), 1e-6)
	assert.InDelta(t, 4, out.At(0, 3), 1e-6)
}

func TestSinusoidsShapeAndRange(t *testing.T) {
	pos := sinusoids(6, 8)
	rows, cols := pos.Dims()
	require.Equal(t, 6, rows)
	require.Equal(t, 8, cols)

	// Position zero is sin(0)=0 in the first half, cos(0)=1 in the second.
	for j := 0; j < 4; j++ {
		assert.Equal(t, 0.0, pos.At(0, j))
		assert.Equal(t, 1.0, pos.At(0, 4+j))
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := pos.At(i, j)
			assert.GreaterOrEqual(t, v, -1.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}
