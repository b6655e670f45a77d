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

import "fmt"

// Model is a fully loaded encoder-decoder checkpoint. The forward passes
// are read-only over the weights, so one Model may serve concurrent
// encoder calls; decoding state lives in per-chunk Sessions.
type Model struct {
	Config  *Config
	Encoder *Encoder
	Decoder *Decoder

	weights *Weights
}

// Load reads the configuration and weights from dir and binds them into a
// runnable model.
func Load(dir string) (*Model, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	tensors, err := ReadTensors(dir)
	if err != nil {
		return nil, err
	}
	weights, err := BindWeights(tensors, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading model from %s: %w", dir, err)
	}
	return &Model{
		Config:  cfg,
		Encoder: NewEncoder(cfg, weights),
		Decoder: NewDecoder(cfg, weights),
		weights: weights,
	}, nil
}

// Release drops buffers derived from quantized weights. The model remains
// usable; callers release on unload so a swapped-out model frees its
// dequantization caches immediately.
func (m *Model) Release() {
	m.weights.Release()
}
