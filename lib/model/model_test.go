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

func TestLoadAndEncode(t *testing.T) {
	m, err := Load(writeTinyModel(t))
	require.NoError(t, err)
	defer m.Release()

	out, err := m.Encoder.Forward(testMel(m.Config))
	require.NoError(t, err)
	rows, cols := out.Dims()
	assert.Equal(t, m.Config.NAudioCtx, rows)
	assert.Equal(t, m.Config.NAudioState, cols)
}

func TestEncoderRejectsWrongShape(t *testing.T) {
	m, err := Load(writeTinyModel(t))
	require.NoError(t, err)

	_, err = m.Encoder.Forward(mat.NewDense(m.Config.NMels, 3, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frames")

	_, err = m.Encoder.Forward(mat.NewDense(m.Config.NMels+1, 2*m.Config.NAudioCtx, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mel bins")
}

func TestSessionForwardShapesAndDeterminism(t *testing.T) {
	m, err := Load(writeTinyModel(t))
	require.NoError(t, err)

	encoded, err := m.Encoder.Forward(testMel(m.Config))
	require.NoError(t, err)

	run := func() []float64 {
		s := m.Decoder.NewSession(encoded)
		logits, err := s.Forward([]int{1, 5, 9})
		require.NoError(t, err)
		require.Len(t, logits, m.Config.NVocab)
		return logits
	}
	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestSessionIncrementalMatchesBatch(t *testing.T) {
	// Feeding a prefix then one token must give the same final logits as
	// feeding everything at once: the KV cache stands in for recomputation.
	m, err := Load(writeTinyModel(t))
	require.NoError(t, err)

	encoded, err := m.Encoder.Forward(testMel(m.Config))
	require.NoError(t, err)

	batch := m.Decoder.NewSession(encoded)
	wantLogits, err := batch.Forward([]int{2, 4, 6, 8})
	require.NoError(t, err)

	inc := m.Decoder.NewSession(encoded)
	_, err = inc.Forward([]int{2, 4, 6})
	require.NoError(t, err)
	gotLogits, err := inc.Forward([]int{8})
	require.NoError(t, err)

	assert.InDeltaSlice(t, wantLogits, gotLogits, 1e-9)
	assert.Equal(t, 4, inc.Length())
}

func TestSessionCheckpointPreservesState(t *testing.T) {
	m, err := Load(writeTinyModel(t))
	require.NoError(t, err)

	encoded, err := m.Encoder.Forward(testMel(m.Config))
	require.NoError(t, err)

	plain := m.Decoder.NewSession(encoded)
	ckpt := m.Decoder.NewSession(encoded)

	tokens := []int{1, 2, 3, 4, 5}
	var wantLast, gotLast []float64
	for _, tok := range tokens {
		wantLast, err = plain.Forward([]int{tok})
		require.NoError(t, err)
		gotLast, err = ckpt.Forward([]int{tok})
		require.NoError(t, err)
		ckpt.Checkpoint()
	}
	assert.Equal(t, wantLast, gotLast)

	for _, b := range ckpt.blocks {
		assert.Equal(t, len(b.selfK), cap(b.selfK))
		assert.Equal(t, len(b.selfV), cap(b.selfV))
	}
}

func TestSessionRejectsContextOverflow(t *testing.T) {
	m, err := Load(writeTinyModel(t))
	require.NoError(t, err)

	encoded, err := m.Encoder.Forward(testMel(m.Config))
	require.NoError(t, err)

	s := m.Decoder.NewSession(encoded)
	over := make([]int, m.Config.NTextCtx+1)
	_, err = s.Forward(over)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text context")
}

func TestSessionRejectsBadTokens(t *testing.T) {
	m, err := Load(writeTinyModel(t))
	require.NoError(t, err)

	encoded, err := m.Encoder.Forward(testMel(m.Config))
	require.NoError(t, err)

	s := m.Decoder.NewSession(encoded)
	_, err = s.Forward(nil)
	require.Error(t, err)
	_, err = s.Forward([]int{m.Config.NVocab})
	require.Error(t, err)
}
