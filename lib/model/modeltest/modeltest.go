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

// Package modeltest builds tiny runnable model checkpoints for tests:
// safetensors containers, matching configurations, and byte-level
// tokenizer assets small enough for forward passes in unit tests.
package modeltest

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Tensor is a tensor staged for serialization.
type Tensor struct {
	Dtype string
	Shape []int
	F32   []float32
	U32   []uint32
}

// F32 stages a float32 tensor.
func F32(shape []int, vals []float32) Tensor {
	return Tensor{Dtype: "F32", Shape: shape, F32: vals}
}

// Encode serializes tensors into the safetensors container format with
// names laid out in sorted order.
func Encode(tb testing.TB, tensors map[string]Tensor) []byte {
	tb.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	var header strings.Builder
	var payload []byte
	header.WriteString("{")
	for i, rt := range names {
		tensor := tensors[rt]
		begin := len(payload)
		switch tensor.Dtype {
		case "F32":
			for _, v := range tensor.F32 {
				payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
			}
		case "U32":
			for _, v := range tensor.U32 {
				payload = binary.LittleEndian.AppendUint32(payload, v)
			}
		case "F16":
			for _, v := range tensor.F32 {
				payload = binary.LittleEndian.AppendUint16(payload, Float16Bits(v))
			}
		default:
			tb.Fatalf("unsupported test dtype %s", tensor.Dtype)
		}
		if i > 0 {
			header.WriteString(",")
		}
		shape := make([]string, len(tensor.Shape))
		for j, d := range tensor.Shape {
			shape[j] = fmt.Sprint(d)
		}
		fmt.Fprintf(&header, "%q:{\"dtype\":%q,\"shape\":[%s],\"data_offsets\":[%d,%d]}",
			rt, tensor.Dtype, strings.Join(shape, ","), begin, len(payload))
	}
	header.WriteString("}")

	out := binary.LittleEndian.AppendUint64(nil, uint64(header.Len()))
	out = append(out, header.String()...)
	return append(out, payload...)
}

// WriteFile serializes tensors to a safetensors file.
func WriteFile(tb testing.TB, path string, tensors map[string]Tensor) {
	tb.Helper()
	if err := os.WriteFile(path, Encode(tb, tensors), 0o644); err != nil {
		tb.Fatal(err)
	}
}

// Float16Bits converts a float32 to IEEE half precision, truncating.
func Float16Bits(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits >> 16 & 0x8000)
	exp := int32(bits>>23&0xff) - 127 + 15
	frac := bits & 0x7fffff
	switch {
	case exp <= 0:
		return sign
	case exp >= 0x1f:
		return sign | 0x7c00
	default:
		return sign | uint16(exp)<<10 | uint16(frac>>13)
	}
}

// Tiny model dimensions, shared by the config constants and TinyTensors.
// The vocabulary covers a 256-entry byte-level base plus the appended
// special tokens, so decoding tests can feed real control ids.
const (
	TinyMels     = 8
	TinyState    = 8
	TinyVocab    = 1864
	TinyAudioCtx = 4
	TinyTextCtx  = 16
)

// TinyConfigJSON is the native-schema configuration matching TinyTensors,
// with a four-position audio context for tests that craft spectrograms
// directly.
const TinyConfigJSON = `{
	"n_mels": 8, "n_vocab": 1864,
	"n_audio_ctx": 4, "n_audio_state": 8, "n_audio_head": 2, "n_audio_layer": 1,
	"n_text_ctx": 16, "n_text_state": 8, "n_text_head": 2, "n_text_layer": 1
}`

// SpeechConfigJSON pairs the same tensor set with the real 30-second audio
// context, for tests that run the whole feature-extraction pipeline.
const SpeechConfigJSON = `{
	"n_mels": 8, "n_vocab": 1864,
	"n_audio_ctx": 1500, "n_audio_state": 8, "n_audio_head": 2, "n_audio_layer": 1,
	"n_text_ctx": 16, "n_text_state": 8, "n_text_head": 2, "n_text_layer": 1
}`

func randVals(r *rand.Rand, n int, scale float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((r.Float64()*2 - 1) * scale)
	}
	return out
}

func onesPlusNoise(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(1 + (r.Float64()*2-1)*0.05)
	}
	return out
}

// TinyTensors builds a complete random parameter set under the native
// naming convention, matching TinyConfigJSON. The same seed always yields
// the same checkpoint.
func TinyTensors(seed int64) map[string]Tensor {
	r := rand.New(rand.NewSource(seed))
	const (
		state = TinyState
		mels  = TinyMels
		vocab = TinyVocab
		ctx   = TinyTextCtx
		mlp   = 4 * state
	)
	// Neither config keys tensors on the audio context: encoder positions
	// are sinusoidal, so one tensor set serves both TinyConfigJSON and
	// SpeechConfigJSON.
	ts := make(map[string]Tensor)

	addLinear := func(name string, out, in int, bias bool) {
		ts[name+".weight"] = F32([]int{out, in}, randVals(r, out*in, 0.2))
		if bias {
			ts[name+".bias"] = F32([]int{out}, randVals(r, out, 0.05))
		}
	}
	addLN := func(name string) {
		ts[name+".weight"] = F32([]int{state}, onesPlusNoise(r, state))
		ts[name+".bias"] = F32([]int{state}, randVals(r, state, 0.05))
	}
	addBlock := func(prefix string, cross bool) {
		addLN(prefix + ".attn_ln")
		addLinear(prefix+".attn.query", state, state, true)
		addLinear(prefix+".attn.key", state, state, false)
		addLinear(prefix+".attn.value", state, state, true)
		addLinear(prefix+".attn.out", state, state, true)
		if cross {
			addLN(prefix + ".cross_attn_ln")
			addLinear(prefix+".cross_attn.query", state, state, true)
			addLinear(prefix+".cross_attn.key", state, state, false)
			addLinear(prefix+".cross_attn.value", state, state, true)
			addLinear(prefix+".cross_attn.out", state, state, true)
		}
		addLN(prefix + ".mlp_ln")
		addLinear(prefix+".mlp.0", mlp, state, true)
		addLinear(prefix+".mlp.2", state, mlp, true)
	}

	ts["encoder.conv1.weight"] = F32([]int{state, mels, 3}, randVals(r, state*mels*3, 0.2))
	ts["encoder.conv1.bias"] = F32([]int{state}, randVals(r, state, 0.05))
	ts["encoder.conv2.weight"] = F32([]int{state, state, 3}, randVals(r, state*state*3, 0.2))
	ts["encoder.conv2.bias"] = F32([]int{state}, randVals(r, state, 0.05))
	addBlock("encoder.blocks.0", false)
	addLN("encoder.ln_post")

	ts["decoder.token_embedding.weight"] = F32([]int{vocab, state}, randVals(r, vocab*state, 0.2))
	ts["decoder.positional_embedding"] = F32([]int{ctx, state}, randVals(r, ctx*state, 0.05))
	addBlock("decoder.blocks.0", true)
	addLN("decoder.ln")

	return ts
}

// ToHFNames rewrites a native-named tensor set into the HuggingFace
// convention.
func ToHFNames(native map[string]Tensor) map[string]Tensor {
	replacer := strings.NewReplacer(
		".attn_ln.", ".self_attn_layer_norm.",
		".cross_attn_ln.", ".encoder_attn_layer_norm.",
		".cross_attn.query.", ".encoder_attn.q_proj.",
		".cross_attn.key.", ".encoder_attn.k_proj.",
		".cross_attn.value.", ".encoder_attn.v_proj.",
		".cross_attn.out.", ".encoder_attn.out_proj.",
		".attn.query.", ".self_attn.q_proj.",
		".attn.key.", ".self_attn.k_proj.",
		".attn.value.", ".self_attn.v_proj.",
		".attn.out.", ".self_attn.out_proj.",
		".mlp_ln.", ".final_layer_norm.",
		".mlp.0.", ".fc1.",
		".mlp.2.", ".fc2.",
		".blocks.", ".layers.",
	)
	out := make(map[string]Tensor, len(native))
	for name, rt := range native {
		switch name {
		case "encoder.ln_post.weight":
			name = "model.encoder.layer_norm.weight"
		case "encoder.ln_post.bias":
			name = "model.encoder.layer_norm.bias"
		case "decoder.ln.weight":
			name = "model.decoder.layer_norm.weight"
		case "decoder.ln.bias":
			name = "model.decoder.layer_norm.bias"
		case "decoder.token_embedding.weight":
			name = "model.decoder.embed_tokens.weight"
		case "decoder.positional_embedding":
			name = "model.decoder.embed_positions.weight"
		default:
			name = "model." + replacer.Replace(name)
		}
		out[name] = rt
	}
	return out
}

// WriteModelDir materializes a loadable model directory: configuration,
// weights, and byte-level tokenizer assets. The audio context is four
// positions; use WriteSpeechModelDir when the test feeds real audio.
func WriteModelDir(tb testing.TB, dir string, seed int64) {
	writeModelDir(tb, dir, seed, TinyConfigJSON)
}

// WriteSpeechModelDir is WriteModelDir with the 30-second audio context.
func WriteSpeechModelDir(tb testing.TB, dir string, seed int64) {
	writeModelDir(tb, dir, seed, SpeechConfigJSON)
}

func writeModelDir(tb testing.TB, dir string, seed int64, config string) {
	tb.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644); err != nil {
		tb.Fatal(err)
	}
	WriteFile(tb, filepath.Join(dir, "model.safetensors"), TinyTensors(seed))
	WriteTokenizer(tb, dir)
}

// WriteTokenizer writes minimal byte-level vocabulary and merge assets:
// all 256 byte tokens and no merges. The special tokens appended on load
// land exactly inside TinyVocab.
func WriteTokenizer(tb testing.TB, dir string) {
	tb.Helper()
	var vocab strings.Builder
	vocab.WriteString("{")
	for b := 0; b < 256; b++ {
		if b > 0 {
			vocab.WriteString(",")
		}
		fmt.Fprintf(&vocab, "%q:%d", string(byteToUnicode(byte(b))), b)
	}
	vocab.WriteString("}")
	if err := os.WriteFile(filepath.Join(dir, "vocab.json"), []byte(vocab.String()), 0o644); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "merges.txt"), []byte("#version: 0.2\n"), 0o644); err != nil {
		tb.Fatal(err)
	}
}

// byteToUnicode is the GPT-2 byte-to-rune mapping.
func byteToUnicode(b byte) rune {
	printable := (b >= '!' && b <= '~') || (b >= 0xa1 && b <= 0xac) || (b >= 0xae)
	if printable {
		return rune(b)
	}
	n := 0
	for i := 0; i < int(b); i++ {
		c := byte(i)
		if !((c >= '!' && c <= '~') || (c >= 0xa1 && c <= 0xac) || (c >= 0xae)) {
			n++
		}
	}
	return rune(256 + n)
}
