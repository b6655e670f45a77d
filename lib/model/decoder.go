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

// Decoder generates text tokens conditioned on encoded audio. All
// per-utterance state lives in a Session, so one Decoder serves
// consecutive audio chunks.
type Decoder struct {
	cfg *Config
	w   *Weights
}

func NewDecoder(cfg *Config, w *Weights) *Decoder {
	return &Decoder{cfg: cfg, w: w}
}

// sessionBlock holds one block's attention caches. Self-attention keys and
// values accumulate a row per decoded position; the cross-attention
// projections of the encoder output are fixed for the whole session.
type sessionBlock struct {
	selfK, selfV   []float64
	crossK, crossV *mat.Dense
}

// Session is the mutable decoding state for one audio chunk. It is not
// safe for concurrent use.
type Session struct {
	d      *Decoder
	blocks []*sessionBlock
	length int
}

// NewSession projects the encoder output through every block's
// cross-attention key and value layers once, then returns an empty session
// positioned at offset zero.
func (d *Decoder) NewSession(encoded *mat.Dense) *Session {
	s := &Session{d: d}
	for _, blk := range d.w.DecBlocks {
		k := blk.Cross.Key.Apply(encoded)
		v := blk.Cross.Value.Apply(encoded)
		s.blocks = append(s.blocks, &sessionBlock{crossK: k, crossV: v})
	}
	return s
}

// Length reports how many token positions the session has consumed.
func (s *Session) Length() int { return s.length }

// Forward feeds tokens at the next positions and returns the logits over
// the vocabulary at the final fed position. Prefix conditioning passes the
// whole prefix in one call; generation then feeds one token at a time.
func (s *Session) Forward(tokens []int) ([]float64, error) {
	cfg := s.d.cfg
	n := len(tokens)
	if n == 0 {
		return nil, fmt.Errorf("decoding: empty token batch")
	}
	if s.length+n > cfg.NTextCtx {
		return nil, fmt.Errorf("decoding: %d tokens exceeds text context %d", s.length+n, cfg.NTextCtx)
	}

	x := mat.NewDense(n, cfg.NTextState, nil)
	for i, tok := range tokens {
		if tok < 0 || tok >= cfg.NVocab {
			return nil, fmt.Errorf("decoding: token %d out of vocabulary", tok)
		}
		row := x.RawRowView(i)
		copy(row, s.d.w.TokenEmbedding.RawRowView(tok))
		pos := s.d.w.PosEmbedding.RawRowView(s.length + i)
		for j := range row {
			row[j] += pos[j]
		}
	}

	for bi, blk := range s.d.w.DecBlocks {
		x = s.decodeBlock(blk, s.blocks[bi], x)
	}
	s.length += n
	layerNorm(x, s.d.w.DecLN.Gain, s.d.w.DecLN.Bias)

	// Output projection is the transposed token embedding.
	last := mat.NewVecDense(cfg.NTextState, x.RawRowView(n-1))
	logits := mat.NewVecDense(cfg.NVocab, nil)
	logits.MulVec(s.d.w.TokenEmbedding, last)
	return logits.RawVector().Data, nil
}

func (s *Session) decodeBlock(blk *ResidualBlock, cache *sessionBlock, x *mat.Dense) *mat.Dense {
	cfg := s.d.cfg
	n, state := x.Dims()

	var normed mat.Dense
	normed.CloneFrom(x)
	layerNorm(&normed, blk.AttnLN.Gain, blk.AttnLN.Bias)

	q := blk.Attn.Query.Apply(&normed)
	k := blk.Attn.Key.Apply(&normed)
	v := blk.Attn.Value.Apply(&normed)
	for i := 0; i < n; i++ {
		cache.selfK = append(cache.selfK, k.RawRowView(i)...)
		cache.selfV = append(cache.selfV, v.RawRowView(i)...)
	}
	total := len(cache.selfK) / state
	allK := mat.NewDense(total, state, cache.selfK[:total*state])
	allV := mat.NewDense(total, state, cache.selfV[:total*state])
	attended := blk.Attn.Out.Apply(attention(q, allK, allV, cfg.NTextHead, true))
	x.Add(x, attended)

	normed.CloneFrom(x)
	layerNorm(&normed, blk.CrossLN.Gain, blk.CrossLN.Bias)
	cq := blk.Cross.Query.Apply(&normed)
	crossed := blk.Cross.Out.Apply(attention(cq, cache.crossK, cache.crossV, cfg.NTextHead, false))
	x.Add(x, crossed)

	normed.CloneFrom(x)
	layerNorm(&normed, blk.MLPLN.Gain, blk.MLPLN.Bias)
	hidden := blk.MLP1.Apply(&normed)
	applyGELU(hidden)
	x.Add(x, blk.MLP2.Apply(hidden))
	return x
}

// Checkpoint compacts the session's attention caches to their exact live
// size, dropping the slack left by append growth. Generation loops call it
// periodically so long utterances do not hold doubled backing arrays.
func (s *Session) Checkpoint() {
	for _, b := range s.blocks {
		if cap(b.selfK) > len(b.selfK) {
			b.selfK = append(make([]float64, 0, len(b.selfK)), b.selfK...)
		}
		if cap(b.selfV) > len(b.selfV) {
			b.selfV = append(make([]float64, 0, len(b.selfV)), b.selfV...)
		}
	}
}
