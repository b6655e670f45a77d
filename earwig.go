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

// Package earwig is an on-device speech-to-text engine. It loads Whisper
// family checkpoints from safetensors and runs feature extraction,
// encoding and autoregressive decoding in-process, with a lifecycle
// wrapper that serializes inference and verifies every loaded model.
package earwig

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/earwig/lib/decode"
	"github.com/antflydb/earwig/lib/model"
	"github.com/antflydb/earwig/lib/tokenizer"
)

const (
	// warmupAttempts bounds how many verification passes a freshly loaded
	// model gets before the load is abandoned.
	warmupAttempts = 3

	// warmupSamples is one second of silence at the model rate.
	warmupSamples = 16000
)

// Engine owns at most one loaded model and serializes inference over it.
// All methods are safe for concurrent use.
type Engine struct {
	logger *zap.Logger
	cache  *TranscriptionCache

	// inference admits one transcription at a time; decoding saturates the
	// arithmetic units already, so queueing beats thrashing.
	inference *semaphore.Weighted

	mu          sync.RWMutex
	model       *model.Model
	transcriber *decode.Transcriber
	modelName   string
	closed      bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCacheTTL overrides how long transcription results stay cached.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.cache.Stop()
		e.cache = NewTranscriptionCache(ttl, e.logger)
	}
}

// NewEngine builds an unloaded engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:    zap.NewNop(),
		inference: semaphore.NewWeighted(1),
	}
	e.cache = NewTranscriptionCache(0, e.logger)
	for _, opt := range opts {
		opt(e)
	}
	e.cache.logger = e.logger
	return e
}

// LoadModel loads the checkpoint at dir, replacing any currently loaded
// model. The previous model is unloaded first; if the new load or its
// warm-up fails, the engine is left with no model.
func (e *Engine) LoadModel(ctx context.Context, dir string) error {
	// Loads are mutually exclusive with in-flight transcriptions: the
	// decoder is not reentrant across a model swap.
	if err := e.inference.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.inference.Release(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	name := filepath.Base(filepath.Clean(dir))
	e.unloadLocked()

	start := time.Now()
	e.logger.Info("Loading model", zap.String("model", name), zap.String("dir", dir))

	m, err := model.Load(dir)
	if err != nil {
		return err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return fmt.Errorf("loading tokenizer from %s: %w", dir, err)
	}
	tr, err := decode.NewTranscriber(m, tok, e.logger)
	if err != nil {
		m.Release()
		return err
	}

	if err := e.warmup(ctx, tr, name); err != nil {
		m.Release()
		return err
	}

	e.model = m
	e.transcriber = tr
	e.modelName = name
	SetModelLoaded(true)
	RecordModelLoadDuration(name, time.Since(start).Seconds())
	e.logger.Info("Model loaded",
		zap.String("model", name),
		zap.Duration("duration", time.Since(start)),
		zap.Int("audio_ctx", m.Config.NAudioCtx),
		zap.Int("text_ctx", m.Config.NTextCtx),
		zap.Bool("quantized", m.Config.Quant != nil))
	return nil
}

// warmup transcribes a short silent buffer to prove the whole pipeline
// runs before the model serves traffic.
func (e *Engine) warmup(ctx context.Context, tr *decode.Transcriber, name string) error {
	silence := make([]float32, warmupSamples)
	var lastErr error
	for attempt := 1; attempt <= warmupAttempts; attempt++ {
		if _, lastErr = tr.Transcribe(ctx, silence, decode.Options{Language: "en"}); lastErr == nil {
			return nil
		}
		RecordWarmupFailure(name)
		e.logger.Warn("Model warm-up attempt failed",
			zap.String("model", name),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if ctx.Err() != nil {
			break
		}
	}
	return &WarmupError{Model: name, Attempts: warmupAttempts, Err: lastErr}
}

// Transcribe runs speech recognition over samples at 16 kHz mono.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, opts decode.Options) (*decode.Result, error) {
	e.mu.RLock()
	tr, name, closed := e.transcriber, e.modelName, e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}
	if tr == nil {
		return nil, ErrModelNotLoaded
	}

	RecordTranscriptionRequest(name)
	key := e.cache.Key(name, samples, opts)
	return e.cache.Do(ctx, key, func(ctx context.Context) (*decode.Result, error) {
		if err := e.inference.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.inference.Release(1)

		start := time.Now()
		res, err := tr.Transcribe(ctx, samples, opts)
		if err != nil {
			return nil, err
		}
		RecordTranscriptionDuration(name, time.Since(start).Seconds())
		RecordTokensGenerated(name, res.Tokens)
		e.logger.Debug("Transcription complete",
			zap.String("model", name),
			zap.Int("tokens", res.Tokens),
			zap.Float64("avg_logprob", res.AvgLogProb),
			zap.Duration("duration", time.Since(start)))
		return res, nil
	})
}

// Loaded reports whether a model is ready to serve.
func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transcriber != nil
}

// ModelName returns the name of the loaded model, or "".
func (e *Engine) ModelName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modelName
}

// Unload drops the loaded model and its derived buffers. It waits for any
// in-flight transcription to finish first.
func (e *Engine) Unload() {
	_ = e.inference.Acquire(context.Background(), 1)
	defer e.inference.Release(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloadLocked()
}

func (e *Engine) unloadLocked() {
	if e.model == nil {
		return
	}
	e.logger.Info("Unloading model", zap.String("model", e.modelName))
	e.model.Release()
	e.model = nil
	e.transcriber = nil
	e.modelName = ""
	SetModelLoaded(false)
}

// Close unloads the model and stops the cache. It waits for any in-flight
// transcription to finish; the engine cannot be reused.
func (e *Engine) Close() error {
	_ = e.inference.Acquire(context.Background(), 1)
	defer e.inference.Release(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.unloadLocked()
	e.cache.Stop()
	return nil
}
