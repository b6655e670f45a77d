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
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Linear is a learned affine projection. Apply maps a [rows, in] activation
// matrix to [rows, out]. Release drops any derived buffers the layer caches
// between calls; the layer stays usable afterwards.
type Linear interface {
	Apply(x *mat.Dense) *mat.Dense
	Release()
}

// DenseLinear holds full-precision weights, stored [out, in] as exported.
type DenseLinear struct {
	W *mat.Dense
	B []float64
}

var _ Linear = (*DenseLinear)(nil)

func (l *DenseLinear) Apply(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	out, _ := l.W.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.W.T())
	if l.B != nil {
		for i := 0; i < rows; i++ {
			row := y.RawRowView(i)
			for j := range row {
				row[j] += l.B[j]
			}
		}
	}
	return y
}

func (l *DenseLinear) Release() {}

// QuantLinear holds group-quantized weights: 4- or 8-bit codes packed
// little-end-first into 32-bit words, with one scale and one bias per group
// of GroupSize consecutive input columns. The full-precision matrix is
// reconstructed on first Apply and cached until Release.
type QuantLinear struct {
	Packed    []uint32
	Scales    []float64
	Biases    []float64
	Out, In   int
	GroupSize int
	Bits      int
	B         []float64

	mu     sync.Mutex
	cached *DenseLinear
}

var _ Linear = (*QuantLinear)(nil)

func (l *QuantLinear) dense() *DenseLinear {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached != nil {
		return l.cached
	}

	perWord := 32 / l.Bits
	mask := uint32(1)<<l.Bits - 1
	groups := l.In / l.GroupSize
	w := mat.NewDense(l.Out, l.In, nil)
	for i := 0; i < l.Out; i++ {
		row := w.RawRowView(i)
		base := i * l.In / perWord
		for j := 0; j < l.In; j++ {
			word := l.Packed[base+j/perWord]
			q := float64(word >> (uint(j%perWord) * uint(l.Bits)) & mask)
			g := i*groups + j/l.GroupSize
			row[j] = l.Scales[g]*q + l.Biases[g]
		}
	}
	l.cached = &DenseLinear{W: w, B: l.B}
	return l.cached
}

func (l *QuantLinear) Apply(x *mat.Dense) *mat.Dense {
	return l.dense().Apply(x)
}

// Release drops the reconstructed full-precision matrix. The next Apply
// pays the dequantization cost again.
func (l *QuantLinear) Release() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}
