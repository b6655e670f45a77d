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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// pack8 packs 8-bit codes little-end-first into 32-bit words, row by row.
func pack8(codes []uint32) []uint32 {
	out := make([]uint32, len(codes)/4)
	for i, c := range codes {
		out[i/4] |= c << (uint(i%4) * 8)
	}
	return out
}

func pack4(codes []uint32) []uint32 {
	out := make([]uint32, len(codes)/8)
	for i, c := range codes {
		out[i/8] |= c << (uint(i%8) * 4)
	}
	return out
}

func TestQuantLinearDequantizes8Bit(t *testing.T) {
	// 2x8 weight, group size 4: two groups per row.
	codes := []uint32{
		1, 2, 3, 4, 5, 6, 7, 8,
		9, 10, 11, 12, 13, 14, 15, 16,
	}
	l := &QuantLinear{
		Packed:    pack8(codes),
		Scales:    []float64{0.5, 2, 1, 0.25},
		Biases:    []float64{0, -1, 3, 0},
		Out:       2,
		In:        8,
		GroupSize: 4,
		Bits:      8,
	}

	w := l.dense().W
	assert.Equal(t, 0.5*1, w.At(0, 0))
	assert.Equal(t, 0.5*4, w.At(0, 3))
	assert.Equal(t, 2*5-1.0, w.At(0, 4))
	assert.Equal(t, 1*9+3.0, w.At(1, 0))
	assert.Equal(t, 0.25*16, w.At(1, 7))
}

func TestQuantLinear4BitMasking(t *testing.T) {
	// 1x8 weight packed into a single word; codes span the 4-bit range.
	codes := []uint32{0, 15, 7, 8, 1, 2, 3, 4}
	l := &QuantLinear{
		Packed:    pack4(codes),
		Scales:    []float64{1},
		Biases:    []float64{0},
		Out:       1,
		In:        8,
		GroupSize: 8,
		Bits:      4,
	}
	w := l.dense().W
	for j, want := range codes {
		assert.Equal(t, float64(want), w.At(0, j), "column %d", j)
	}
}

func TestQuantLinearApplyMatchesDense(t *testing.T) {
	codes := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	l := &QuantLinear{
		Packed:    pack8(codes),
		Scales:    []float64{0.1, 0.2},
		Biases:    []float64{0.5, -0.5},
		Out:       1,
		In:        8,
		GroupSize: 4,
		Bits:      8,
		B:         []float64{2},
	}
	dense := &DenseLinear{W: l.dense().W, B: l.B}

	x := mat.NewDense(2, 8, []float64{
		1, 0, 0, 0, 0, 0, 0, 1,
		0.5, -0.5, 1, 2, 0, 0, 1, 0,
	})
	got := l.Apply(x)
	want := dense.Apply(x)
	assert.InDeltaSlice(t, want.RawMatrix().Data, got.RawMatrix().Data, 1e-12)
}

func TestQuantLinearReleaseDropsCache(t *testing.T) {
	codes := []uint32{1, 2, 3, 4}
	l := &QuantLinear{
		Packed:    pack8(codes),
		Scales:    []float64{1},
		Biases:    []float64{0},
		Out:       1,
		In:        4,
		GroupSize: 4,
		Bits:      8,
	}

	x := mat.NewDense(1, 4, []float64{1, 1, 1, 1})
	first := l.Apply(x)
	require.NotNil(t, l.cached)

	l.Release()
	require.Nil(t, l.cached)

	// The layer stays usable and reproduces the same result.
	second := l.Apply(x)
	assert.Equal(t, first.At(0, 0), second.At(0, 0))
}
