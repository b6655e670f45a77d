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
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Encoder turns a log-mel spectrogram into the audio representation the
// decoder cross-attends to.
type Encoder struct {
	cfg *Config
	w   *Weights
	pos *mat.Dense
}

func NewEncoder(cfg *Config, w *Weights) *Encoder {
	return &Encoder{cfg: cfg, w: w, pos: sinusoids(cfg.NAudioCtx, cfg.NAudioState)}
}

// Forward encodes a [n_mels, frames] spectrogram into [n_audio_ctx,
// n_audio_state] hidden states. The two convolution stems halve the frame
// rate, so frames must be exactly twice the audio context.
func (e *Encoder) Forward(logMel *mat.Dense) (*mat.Dense, error) {
	nMels, frames := logMel.Dims()
	if nMels != e.cfg.NMels {
		return nil, fmt.Errorf("encoding: got %d mel bins, model wants %d", nMels, e.cfg.NMels)
	}
	if frames != 2*e.cfg.NAudioCtx {
		return nil, fmt.Errorf("encoding: got %d frames, model wants %d", frames, 2*e.cfg.NAudioCtx)
	}

	// Convolutions run over time-major rows.
	var x mat.Dense
	x.CloneFrom(logMel.T())

	h := e.w.Conv1.Apply(&x)
	applyGELU(h)
	h = e.w.Conv2.Apply(h)
	applyGELU(h)

	h.Add(h, e.pos)

	for _, blk := range e.w.EncBlocks {
		h = encodeBlock(blk, h, e.cfg.NAudioHead)
	}
	layerNorm(h, e.w.EncLNPost.Gain, e.w.EncLNPost.Bias)
	return h, nil
}

// encodeBlock applies one pre-norm transformer block without masking.
func encodeBlock(blk *ResidualBlock, x *mat.Dense, nHead int) *mat.Dense {
	var normed mat.Dense
	normed.CloneFrom(x)
	layerNorm(&normed, blk.AttnLN.Gain, blk.AttnLN.Bias)

	q := blk.Attn.Query.Apply(&normed)
	k := blk.Attn.Key.Apply(&normed)
	v := blk.Attn.Value.Apply(&normed)
	attended := blk.Attn.Out.Apply(attention(q, k, v, nHead, false))
	x.Add(x, attended)

	normed.CloneFrom(x)
	layerNorm(&normed, blk.MLPLN.Gain, blk.MLPLN.Bias)
	hidden := blk.MLP1.Apply(&normed)
	applyGELU(hidden)
	x.Add(x, blk.MLP2.Apply(hidden))
	return x
}
