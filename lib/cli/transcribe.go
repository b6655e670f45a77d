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

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/earwig"
	"github.com/antflydb/earwig/lib/audio"
	"github.com/antflydb/earwig/lib/decode"
)

// TranscribeOptions contains options for transcribing a WAV file
type TranscribeOptions struct {
	ModelsDir string
	Language  string
	Prompt    string
	Logger    *zap.Logger
}

// TranscribeFile transcribes a WAV file and prints the text, detected
// language and average log probability. modelRef is either a model
// directory path or an owner/name reference resolved through the engine
// registry over ModelsDir, so repeated references reuse discovery and the
// loaded engine's lifecycle.
func TranscribeFile(modelRef, wavPath string, opts TranscribeOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(wavPath)
	if err != nil {
		return fmt.Errorf("reading audio file: %w", err)
	}
	samples, err := audio.DecodeWAV(data, 16000)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", wavPath, err)
	}

	start := time.Now()
	engine, release, err := acquireEngine(ctx, modelRef, opts.ModelsDir, logger)
	if err != nil {
		return err
	}
	defer release()
	fmt.Fprintf(os.Stderr, "Loaded %s in %s\n", engine.ModelName(), time.Since(start).Round(time.Millisecond))

	start = time.Now()
	result, err := engine.Transcribe(ctx, samples, decode.Options{
		Language: opts.Language,
		Prompt:   opts.Prompt,
	})
	if err != nil {
		return fmt.Errorf("transcribing: %w", err)
	}

	fmt.Println(result.Text)
	fmt.Fprintf(os.Stderr, "\nlanguage=%s avg_logprob=%.3f tokens=%d duration=%s\n",
		result.Language, result.AvgLogProb, result.Tokens,
		time.Since(start).Round(time.Millisecond))
	return nil
}

// acquireEngine loads the referenced model. Explicit directory paths load
// a standalone engine; everything else goes through a registry over the
// models directory.
func acquireEngine(ctx context.Context, modelRef, modelsDir string, logger *zap.Logger) (*earwig.Engine, func(), error) {
	if info, err := os.Stat(modelRef); err == nil && info.IsDir() {
		engine := earwig.NewEngine(earwig.WithLogger(logger))
		if err := engine.LoadModel(ctx, modelRef); err != nil {
			_ = engine.Close()
			return nil, nil, fmt.Errorf("loading model: %w", err)
		}
		return engine, func() { _ = engine.Close() }, nil
	}

	registry, err := earwig.NewEngineRegistry(earwig.RegistryConfig{ModelsDir: modelsDir}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening models directory: %w", err)
	}
	name := strings.TrimPrefix(modelRef, "hf:")
	engine, err := registry.Acquire(ctx, name)
	if err != nil {
		_ = registry.Close()
		return nil, nil, fmt.Errorf("loading model: %w", err)
	}
	return engine, func() {
		registry.Release(name)
		_ = registry.Close()
	}, nil
}
