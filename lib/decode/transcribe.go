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

package decode

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/antflydb/earwig/lib/audio"
	"github.com/antflydb/earwig/lib/tokenizer"
)

// Transcribe turns raw samples at the model rate into text. Audio longer
// than one model window is split at low-energy points near the window
// boundary; chunks decode sequentially and independently, with no state
// crossing chunk boundaries except the final merge. The language is
// detected on the first chunk when the caller left it unset.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error) {
	if opts.Language != "" && !tokenizer.IsLanguageCode(opts.Language) {
		return nil, fmt.Errorf("unsupported language %q", opts.Language)
	}
	if len(samples) == 0 {
		return &Result{}, nil
	}

	limit := t.features.Config.ChunkSamples()
	language := opts.Language
	detected := ""
	condition := t.promptTokens(opts.Prompt)

	var (
		pieces     []string
		sumLogProb float64
		tokenCount int
	)
	for offset, chunkIdx := 0, 0; offset < len(samples); chunkIdx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := samples[offset:]
		cut := audio.FindCutPoint(remaining, limit, audio.DefaultSeekWindow, audio.DefaultEnergyWindow)
		chunk := remaining[:cut]
		offset += cut

		encoded, err := t.encodeChunk(chunk)
		if err != nil {
			return nil, err
		}
		if language == "" {
			if detected, err = t.DetectLanguage(encoded); err != nil {
				return nil, err
			}
			language = detected
		}

		seg, err := t.decodeSegment(ctx, encoded, language, condition, opts)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", chunkIdx, err)
		}
		if text := strings.TrimSpace(seg.text); text != "" {
			pieces = append(pieces, text)
		}
		sumLogProb += seg.sumLogProb
		tokenCount += seg.count
		// The prompt conditions the first chunk only; later chunks decode
		// with no carried state.
		condition = nil

		t.logger.Debug("transcribed chunk",
			zap.Int("chunk", chunkIdx),
			zap.Int("samples", cut),
			zap.Int("tokens", seg.count))
	}

	res := &Result{
		Text:     strings.Join(pieces, " "),
		Language: detected,
		Tokens:   tokenCount,
	}
	if tokenCount > 0 {
		res.AvgLogProb = sumLogProb / float64(tokenCount)
	}
	return res, nil
}

// promptTokens encodes the user prompt for prior-context conditioning.
func (t *Transcriber) promptTokens(prompt string) []int {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil
	}
	return t.tok.Encode(" " + prompt)
}
