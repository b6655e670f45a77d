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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// WeightFormatError reports a weight file that is not a well-formed
// safetensors container, or one holding tensors of an unsupported dtype.
type WeightFormatError struct {
	Path   string
	Reason string
}

func (e *WeightFormatError) Error() string {
	return fmt.Sprintf("weight file %s: %s", e.Path, e.Reason)
}

const (
	weightsFile    = "model.safetensors"
	weightsFileAlt = "weights.safetensors"
	weightsIndex   = "model.safetensors.index.json"
	maxHeaderBytes = 100 << 20
)

// Tensor is a raw tensor read from a safetensors container. Element data
// stays in its on-disk encoding until one of the typed accessors is called.
type Tensor struct {
	Dtype string
	Shape []int
	data  []byte
}

// Elems returns the number of elements implied by the tensor's shape.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float64s decodes an F32 or F16 tensor into float64 elements.
func (t *Tensor) Float64s() ([]float64, error) {
	switch t.Dtype {
	case "F32":
		out := make([]float64, len(t.data)/4)
		for i := range out {
			bits := binary.LittleEndian.Uint32(t.data[i*4:])
			out[i] = float64(math.Float32frombits(bits))
		}
		return out, nil
	case "F16":
		out := make([]float64, len(t.data)/2)
		for i := range out {
			out[i] = float16ToFloat64(binary.LittleEndian.Uint16(t.data[i*2:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dtype %s is not a float tensor", t.Dtype)
	}
}

// Uint32s decodes a U32 or I32 tensor into raw 32-bit words. Packed
// quantized weights are stored this way.
func (t *Tensor) Uint32s() ([]uint32, error) {
	if t.Dtype != "U32" && t.Dtype != "I32" {
		return nil, fmt.Errorf("dtype %s is not a 32-bit integer tensor", t.Dtype)
	}
	out := make([]uint32, len(t.data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(t.data[i*4:])
	}
	return out, nil
}

func float16ToFloat64(bits uint16) float64 {
	sign := uint32(bits>>15) & 1
	exp := uint32(bits>>10) & 0x1f
	frac := uint32(bits) & 0x3ff

	var f32 uint32
	switch {
	case exp == 0 && frac == 0:
		f32 = sign << 31
	case exp == 0:
		// Subnormal: renormalize into f32 range.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		f32 = sign<<31 | e<<23 | (frac&0x3ff)<<13
	case exp == 0x1f:
		f32 = sign<<31 | 0xff<<23 | frac<<13
	default:
		f32 = sign<<31 | (exp+127-15)<<23 | frac<<13
	}
	return float64(math.Float32frombits(f32))
}

type tensorHeader struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// readSafetensors parses one safetensors file: an 8-byte little-endian
// header length, a JSON header mapping tensor names to dtype, shape and
// byte offsets, then the packed tensor data.
func readSafetensors(path string, dst map[string]*Tensor) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading weights: %w", err)
	}
	if len(data) < 8 {
		return &WeightFormatError{Path: path, Reason: "truncated: missing header length"}
	}
	headerLen := binary.LittleEndian.Uint64(data)
	if headerLen > maxHeaderBytes || 8+headerLen > uint64(len(data)) {
		return &WeightFormatError{Path: path, Reason: fmt.Sprintf("implausible header length %d", headerLen)}
	}

	header := data[8 : 8+headerLen]
	payload := data[8+headerLen:]

	var entries map[string]json.RawMessage
	if err := sonic.Unmarshal(header, &entries); err != nil {
		return &WeightFormatError{Path: path, Reason: fmt.Sprintf("invalid header JSON: %v", err)}
	}

	for name, raw := range entries {
		if name == "__metadata__" {
			continue
		}
		var th tensorHeader
		if err := sonic.Unmarshal(raw, &th); err != nil {
			return &WeightFormatError{Path: path, Reason: fmt.Sprintf("tensor %q: bad header entry: %v", name, err)}
		}
		switch th.Dtype {
		case "F32", "F16", "U32", "I32":
		default:
			return &WeightFormatError{Path: path, Reason: fmt.Sprintf("tensor %q: unsupported dtype %s", name, th.Dtype)}
		}
		begin, end := th.DataOffsets[0], th.DataOffsets[1]
		if begin < 0 || end < begin || end > len(payload) {
			return &WeightFormatError{Path: path, Reason: fmt.Sprintf("tensor %q: offsets [%d,%d) out of range", name, begin, end)}
		}
		elemSize := 4
		if th.Dtype == "F16" {
			elemSize = 2
		}
		t := &Tensor{Dtype: th.Dtype, Shape: th.Shape, data: payload[begin:end]}
		if want := t.Elems() * elemSize; want != end-begin {
			return &WeightFormatError{Path: path, Reason: fmt.Sprintf("tensor %q: shape wants %d bytes, offsets give %d", name, want, end-begin)}
		}
		dst[name] = t
	}
	return nil
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// ReadTensors loads every tensor in a model directory. A single
// model.safetensors (or weights.safetensors) is read directly; a
// model.safetensors.index.json manifest directs the read across shards.
// Shard order does not affect the result.
func ReadTensors(dir string) (map[string]*Tensor, error) {
	tensors := make(map[string]*Tensor)

	for _, name := range []string{weightsFile, weightsFileAlt} {
		single := filepath.Join(dir, name)
		if _, err := os.Stat(single); err == nil {
			if err := readSafetensors(single, tensors); err != nil {
				return nil, err
			}
			return tensors, nil
		}
	}

	indexPath := filepath.Join(dir, weightsIndex)
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, &WeightFormatError{Path: dir, Reason: "no model.safetensors, weights.safetensors, or shard index found"}
	}
	var idx shardIndex
	if err := sonic.Unmarshal(data, &idx); err != nil {
		return nil, &WeightFormatError{Path: indexPath, Reason: fmt.Sprintf("invalid index JSON: %v", err)}
	}

	shards := make(map[string]struct{})
	for _, shard := range idx.WeightMap {
		shards[shard] = struct{}{}
	}
	for shard := range shards {
		if err := readSafetensors(filepath.Join(dir, shard), tensors); err != nil {
			return nil, err
		}
	}
	return tensors, nil
}
