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

// Package model implements the transformer encoder-decoder acoustic model:
// configuration, weight loading and binding (dense and quantized
// safetensors under two naming conventions), the audio encoder, and the
// incrementally-decoded text decoder.
package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// ConfigError reports a malformed or unrecognized model configuration.
// It is fatal: the model directory cannot be loaded and retrying will not
// help.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("model config %s: %s", e.Path, e.Reason)
}

// QuantConfig describes the quantization applied to the model's linear
// layers.
type QuantConfig struct {
	GroupSize int `json:"group_size"`
	Bits      int `json:"bits"`
}

// Config holds the architecture dimensions of a loaded model. It is
// immutable once loaded.
type Config struct {
	NMels  int
	NVocab int

	NAudioCtx   int
	NAudioState int
	NAudioHead  int
	NAudioLayer int

	NTextCtx   int
	NTextState int
	NTextHead  int
	NTextLayer int

	// Quant is nil for dense models.
	Quant *QuantConfig
}

// nativeSchema is the dims layout written by the reference export tooling.
type nativeSchema struct {
	NMels        int          `json:"n_mels"`
	NVocab       int          `json:"n_vocab"`
	NAudioCtx    int          `json:"n_audio_ctx"`
	NAudioState  int          `json:"n_audio_state"`
	NAudioHead   int          `json:"n_audio_head"`
	NAudioLayer  int          `json:"n_audio_layer"`
	NTextCtx     int          `json:"n_text_ctx"`
	NTextState   int          `json:"n_text_state"`
	NTextHead    int          `json:"n_text_head"`
	NTextLayer   int          `json:"n_text_layer"`
	Quantization *QuantConfig `json:"quantization"`
}

// hfSchema is the HuggingFace config.json layout for Whisper checkpoints.
type hfSchema struct {
	ModelType             string `json:"model_type"`
	NumMelBins            int    `json:"num_mel_bins"`
	VocabSize             int    `json:"vocab_size"`
	MaxSourcePositions    int    `json:"max_source_positions"`
	MaxTargetPositions    int    `json:"max_target_positions"`
	DModel                int    `json:"d_model"`
	EncoderAttentionHeads int    `json:"encoder_attention_heads"`
	EncoderLayers         int    `json:"encoder_layers"`
	DecoderAttentionHeads int    `json:"decoder_attention_heads"`
	DecoderLayers         int    `json:"decoder_layers"`
}

// LoadConfig reads and normalizes a model configuration from dir. Two
// schemas are supported and auto-detected by key presence: the native dims
// layout (n_mels, n_audio_ctx, ...) and the HuggingFace Whisper layout
// (num_mel_bins, max_source_positions, ...). Anything else is a ConfigError.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("unreadable: %v", err)}
	}

	var keys map[string]any
	if err := sonic.Unmarshal(data, &keys); err != nil {
		return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	var cfg *Config
	switch {
	case hasKey(keys, "n_mels"):
		var raw nativeSchema
		if err := sonic.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("native schema: %v", err)}
		}
		cfg = &Config{
			NMels:       raw.NMels,
			NVocab:      raw.NVocab,
			NAudioCtx:   raw.NAudioCtx,
			NAudioState: raw.NAudioState,
			NAudioHead:  raw.NAudioHead,
			NAudioLayer: raw.NAudioLayer,
			NTextCtx:    raw.NTextCtx,
			NTextState:  raw.NTextState,
			NTextHead:   raw.NTextHead,
			NTextLayer:  raw.NTextLayer,
			Quant:       raw.Quantization,
		}

	case hasKey(keys, "num_mel_bins"):
		var raw hfSchema
		if err := sonic.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("hf schema: %v", err)}
		}
		if raw.ModelType != "" && raw.ModelType != "whisper" {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("unsupported model_type %q", raw.ModelType)}
		}
		cfg = &Config{
			NMels:       raw.NumMelBins,
			NVocab:      raw.VocabSize,
			NAudioCtx:   raw.MaxSourcePositions,
			NAudioState: raw.DModel,
			NAudioHead:  raw.EncoderAttentionHeads,
			NAudioLayer: raw.EncoderLayers,
			NTextCtx:    raw.MaxTargetPositions,
			NTextState:  raw.DModel,
			NTextHead:   raw.DecoderAttentionHeads,
			NTextLayer:  raw.DecoderLayers,
		}

	default:
		return nil, &ConfigError{Path: path, Reason: "unrecognized schema (no n_mels or num_mel_bins key)"}
	}

	if err := cfg.validate(); err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}
	return cfg, nil
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func (c *Config) validate() error {
	dims := []struct {
		name  string
		value int
	}{
		{"n_mels", c.NMels},
		{"n_vocab", c.NVocab},
		{"n_audio_ctx", c.NAudioCtx},
		{"n_audio_state", c.NAudioState},
		{"n_audio_head", c.NAudioHead},
		{"n_audio_layer", c.NAudioLayer},
		{"n_text_ctx", c.NTextCtx},
		{"n_text_state", c.NTextState},
		{"n_text_head", c.NTextHead},
		{"n_text_layer", c.NTextLayer},
	}
	for _, d := range dims {
		if d.value <= 0 {
			return fmt.Errorf("dimension %s must be positive, got %d", d.name, d.value)
		}
	}
	if c.NAudioState%c.NAudioHead != 0 {
		return fmt.Errorf("n_audio_state %d not divisible by n_audio_head %d", c.NAudioState, c.NAudioHead)
	}
	if c.NTextState%c.NTextHead != 0 {
		return fmt.Errorf("n_text_state %d not divisible by n_text_head %d", c.NTextState, c.NTextHead)
	}
	if q := c.Quant; q != nil {
		if q.GroupSize <= 0 {
			return fmt.Errorf("quantization group_size must be positive, got %d", q.GroupSize)
		}
		if q.Bits != 4 && q.Bits != 8 {
			return fmt.Errorf("unsupported quantization bits %d (want 4 or 8)", q.Bits)
		}
	}
	return nil
}
