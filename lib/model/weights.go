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
	"strings"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm holds the learned gain and bias of one normalization layer.
type LayerNorm struct {
	Gain, Bias []float64
}

// Attention holds the four projections of one attention layer.
type Attention struct {
	Query, Key, Value, Out Linear
}

// ResidualBlock is one transformer block. Cross and CrossLN are nil in
// encoder blocks.
type ResidualBlock struct {
	AttnLN  LayerNorm
	Attn    Attention
	CrossLN *LayerNorm
	Cross   *Attention
	MLPLN   LayerNorm
	MLP1    Linear
	MLP2    Linear
}

// Conv1D is a 1-D convolution with weights flattened to [out, in*kernel]
// so the forward pass is a single matrix product over an unrolled input.
type Conv1D struct {
	W      *mat.Dense
	B      []float64
	Kernel int
	Stride int
	Pad    int
}

// Apply convolves x, one row per time step, and returns one row per output
// step.
func (c *Conv1D) Apply(x *mat.Dense) *mat.Dense {
	t, in := x.Dims()
	out, _ := c.W.Dims()
	tOut := (t+2*c.Pad-c.Kernel)/c.Stride + 1

	unrolled := mat.NewDense(tOut, in*c.Kernel, nil)
	for p := 0; p < tOut; p++ {
		row := unrolled.RawRowView(p)
		start := p*c.Stride - c.Pad
		for ch := 0; ch < in; ch++ {
			for k := 0; k < c.Kernel; k++ {
				if src := start + k; src >= 0 && src < t {
					row[ch*c.Kernel+k] = x.At(src, ch)
				}
			}
		}
	}

	y := mat.NewDense(tOut, out, nil)
	y.Mul(unrolled, c.W.T())
	for p := 0; p < tOut; p++ {
		row := y.RawRowView(p)
		for j := range row {
			row[j] += c.B[j]
		}
	}
	return y
}

// Weights is the fully bound parameter set of one model.
type Weights struct {
	Conv1, Conv2 *Conv1D
	EncBlocks    []*ResidualBlock
	EncLNPost    LayerNorm

	TokenEmbedding *mat.Dense
	PosEmbedding   *mat.Dense
	DecBlocks      []*ResidualBlock
	DecLN          LayerNorm

	quantized []Linear
}

// Release drops every buffer derived from quantized weights. Loaded
// parameters are untouched; the next forward pass rebuilds the caches.
func (w *Weights) Release() {
	for _, l := range w.quantized {
		l.Release()
	}
}

// binder resolves parameter slots against the raw tensor map. Each slot
// names its candidates in priority order so checkpoints exported under
// either naming convention bind to the same structure. Missing required
// slots are collected rather than failed one at a time.
type binder struct {
	tensors map[string]*Tensor
	cfg     *Config
	weights *Weights
	missing []string
	errs    []error
}

// BindWeights assembles a Weights structure from a raw tensor map. Binding
// depends only on the map contents, so shard read order is irrelevant, and
// tensors that match no slot are ignored.
func BindWeights(tensors map[string]*Tensor, cfg *Config) (*Weights, error) {
	b := &binder{tensors: tensors, cfg: cfg, weights: &Weights{}}
	w := b.weights

	w.Conv1 = b.conv(1, "model.encoder.conv1", "encoder.conv1")
	w.Conv2 = b.conv(2, "model.encoder.conv2", "encoder.conv2")

	for i := 0; i < cfg.NAudioLayer; i++ {
		w.EncBlocks = append(w.EncBlocks, b.block(
			fmt.Sprintf("model.encoder.layers.%d", i),
			fmt.Sprintf("encoder.blocks.%d", i),
			false,
		))
	}
	w.EncLNPost = b.layerNorm("model.encoder.layer_norm", "encoder.ln_post")

	w.TokenEmbedding = b.embedding(cfg.NVocab, cfg.NTextState,
		"model.decoder.embed_tokens.weight", "decoder.token_embedding.weight")
	w.PosEmbedding = b.matrix(cfg.NTextCtx, cfg.NTextState,
		"model.decoder.embed_positions.weight", "decoder.positional_embedding")

	for i := 0; i < cfg.NTextLayer; i++ {
		w.DecBlocks = append(w.DecBlocks, b.block(
			fmt.Sprintf("model.decoder.layers.%d", i),
			fmt.Sprintf("decoder.blocks.%d", i),
			true,
		))
	}
	w.DecLN = b.layerNorm("model.decoder.layer_norm", "decoder.ln")

	if len(b.missing) > 0 {
		return nil, fmt.Errorf("binding weights: missing tensors: %s", strings.Join(b.missing, ", "))
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("binding weights: %w", b.errs[0])
	}
	return w, nil
}

func (b *binder) block(hfPrefix, nativePrefix string, cross bool) *ResidualBlock {
	blk := &ResidualBlock{
		AttnLN: b.layerNorm(hfPrefix+".self_attn_layer_norm", nativePrefix+".attn_ln"),
		Attn:   b.attention(hfPrefix+".self_attn", nativePrefix+".attn"),
		MLPLN:  b.layerNorm(hfPrefix+".final_layer_norm", nativePrefix+".mlp_ln"),
		MLP1:   b.linear(true, hfPrefix+".fc1.weight", nativePrefix+".mlp.0.weight"),
		MLP2:   b.linear(true, hfPrefix+".fc2.weight", nativePrefix+".mlp.2.weight"),
	}
	if cross {
		ln := b.layerNorm(hfPrefix+".encoder_attn_layer_norm", nativePrefix+".cross_attn_ln")
		attn := b.attention(hfPrefix+".encoder_attn", nativePrefix+".cross_attn")
		blk.CrossLN = &ln
		blk.Cross = &attn
	}
	return blk
}

func (b *binder) attention(hfPrefix, nativePrefix string) Attention {
	return Attention{
		Query: b.linear(true, hfPrefix+".q_proj.weight", nativePrefix+".query.weight"),
		Key:   b.linear(false, hfPrefix+".k_proj.weight", nativePrefix+".key.weight"),
		Value: b.linear(true, hfPrefix+".v_proj.weight", nativePrefix+".value.weight"),
		Out:   b.linear(true, hfPrefix+".out_proj.weight", nativePrefix+".out.weight"),
	}
}

func (b *binder) lookup(candidates ...string) (string, *Tensor) {
	for _, name := range candidates {
		if t, ok := b.tensors[name]; ok {
			return name, t
		}
	}
	b.missing = append(b.missing, candidates[len(candidates)-1])
	return "", nil
}

// peek resolves a candidate list without recording a missing slot, for
// side tensors that are bound only if present.
func (b *binder) peek(candidates ...string) (string, *Tensor) {
	for _, name := range candidates {
		if t, ok := b.tensors[name]; ok {
			return name, t
		}
	}
	return "", nil
}

func (b *binder) fail(name string, err error) {
	b.errs = append(b.errs, fmt.Errorf("tensor %q: %w", name, err))
}

// linear binds one projection. A 32-bit integer weight with scales and
// biases side tensors becomes a lazily dequantized layer; a float weight
// binds directly. withBias marks projections that carry an additive bias
// (attention key projections do not).
func (b *binder) linear(withBias bool, candidates ...string) Linear {
	name, t := b.lookup(candidates...)
	if t == nil {
		return &DenseLinear{}
	}

	var bias []float64
	if withBias {
		biasName, bt := b.lookup(strings.TrimSuffix(name, ".weight") + ".bias")
		if bt != nil {
			var err error
			if bias, err = bt.Float64s(); err != nil {
				b.fail(biasName, err)
			}
		}
	}

	if t.Dtype == "U32" || t.Dtype == "I32" {
		return b.quantLinear(name, t, bias)
	}

	data, err := t.Float64s()
	if err != nil || len(t.Shape) != 2 {
		b.fail(name, fmt.Errorf("want 2-D float weight, got %s %v", t.Dtype, t.Shape))
		return &DenseLinear{}
	}
	return &DenseLinear{W: mat.NewDense(t.Shape[0], t.Shape[1], data), B: bias}
}

func (b *binder) quantLinear(name string, t *Tensor, bias []float64) Linear {
	q := b.cfg.Quant
	if q == nil {
		b.fail(name, fmt.Errorf("packed integer weight but config declares no quantization"))
		return &DenseLinear{}
	}
	base := strings.TrimSuffix(name, ".weight")
	scalesName, st := b.peek(base + ".scales")
	biasesName, bt := b.peek(base + ".biases")
	if st == nil || bt == nil {
		// Side tensors are bound only if present; a shard that omits them
		// leaves the layer unset rather than failing the whole bind.
		return nil
	}

	packed, err := t.Uint32s()
	if err != nil {
		b.fail(name, err)
		return &DenseLinear{}
	}
	scales, err := st.Float64s()
	if err != nil {
		b.fail(scalesName, err)
		return &DenseLinear{}
	}
	biases, err := bt.Float64s()
	if err != nil {
		b.fail(biasesName, err)
		return &DenseLinear{}
	}

	perWord := 32 / q.Bits
	out := t.Shape[0]
	in := t.Shape[1] * perWord
	l := &QuantLinear{
		Packed: packed, Scales: scales, Biases: biases,
		Out: out, In: in, GroupSize: q.GroupSize, Bits: q.Bits, B: bias,
	}
	b.weights.quantized = append(b.weights.quantized, l)
	return l
}

// embedding binds the token embedding table. A quantized table is
// reconstructed eagerly since it doubles as the output projection.
func (b *binder) embedding(rows, cols int, candidates ...string) *mat.Dense {
	name, t := b.lookup(candidates...)
	if t == nil {
		return nil
	}
	if t.Dtype == "U32" || t.Dtype == "I32" {
		if l, ok := b.quantLinear(name, t, nil).(*QuantLinear); ok {
			return l.dense().W
		}
		return nil
	}
	data, err := t.Float64s()
	if err != nil || len(t.Shape) != 2 || t.Shape[0] != rows || t.Shape[1] != cols {
		b.fail(name, fmt.Errorf("want [%d %d] float embedding, got %s %v", rows, cols, t.Dtype, t.Shape))
		return nil
	}
	return mat.NewDense(rows, cols, data)
}

func (b *binder) matrix(rows, cols int, candidates ...string) *mat.Dense {
	name, t := b.lookup(candidates...)
	if t == nil {
		return nil
	}
	data, err := t.Float64s()
	if err != nil || len(t.Shape) != 2 || t.Shape[0] != rows || t.Shape[1] != cols {
		b.fail(name, fmt.Errorf("want [%d %d] float matrix, got %s %v", rows, cols, t.Dtype, t.Shape))
		return nil
	}
	return mat.NewDense(rows, cols, data)
}

func (b *binder) vector(candidates ...string) []float64 {
	name, t := b.lookup(candidates...)
	if t == nil {
		return nil
	}
	data, err := t.Float64s()
	if err != nil {
		b.fail(name, err)
		return nil
	}
	return data
}

func (b *binder) layerNorm(hfPrefix, nativePrefix string) LayerNorm {
	return LayerNorm{
		Gain: b.vector(hfPrefix+".weight", nativePrefix+".weight"),
		Bias: b.vector(hfPrefix+".bias", nativePrefix+".bias"),
	}
}

func (b *binder) conv(idx int, hfPrefix, nativePrefix string) *Conv1D {
	name, t := b.lookup(hfPrefix+".weight", nativePrefix+".weight")
	bias := b.vector(hfPrefix+".bias", nativePrefix+".bias")
	if t == nil {
		return nil
	}
	data, err := t.Float64s()
	if err != nil || len(t.Shape) != 3 {
		b.fail(name, fmt.Errorf("want 3-D float conv weight, got %s %v", t.Dtype, t.Shape))
		return nil
	}
	out, in, k := t.Shape[0], t.Shape[1], t.Shape[2]
	stride := 1
	if idx == 2 {
		stride = 2
	}
	return &Conv1D{
		W:      mat.NewDense(out, in*k, data),
		B:      bias,
		Kernel: k,
		Stride: stride,
		Pad:    k / 2,
	}
}
