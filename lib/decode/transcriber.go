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

// Package decode drives autoregressive transcription: prefix construction,
// language detection, greedy token generation over a cached decoding
// session, and stitching chunked audio back into one result.
package decode

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/antflydb/earwig/lib/audio"
	"github.com/antflydb/earwig/lib/model"
	"github.com/antflydb/earwig/lib/tokenizer"
)

const (
	// checkpointInterval is how many generated tokens pass between session
	// cache compactions.
	checkpointInterval = 32

	// probFloor keeps log probabilities finite for tokens the softmax
	// assigns (numerically) zero mass.
	probFloor = 1e-10
)

// Options steer a transcription run.
type Options struct {
	// Language is an ISO 639-1 code. Empty means detect from the first
	// chunk of audio.
	Language string

	// Prompt conditions the first chunk, fed through the prior-context
	// token. Later chunks decode independently.
	Prompt string

	// CountEndToken includes the terminator's log probability in the
	// confidence average.
	CountEndToken bool
}

// Result is a finished transcription.
type Result struct {
	Text string

	// Language is the auto-detected language code. It stays empty when
	// the caller requested an explicit language.
	Language string

	// AvgLogProb averages the generated tokens' log probabilities across
	// all chunks, weighted by token count.
	AvgLogProb float64
	Tokens     int
}

// Transcriber runs the full pipeline over one loaded model. It holds no
// per-utterance state; concurrent calls are safe if the caller serializes
// nothing else around the model.
type Transcriber struct {
	model    *model.Model
	tok      *tokenizer.Tokenizer
	features *audio.FeatureExtractor
	logger   *zap.Logger
}

// NewTranscriber wires a loaded model to its tokenizer. The tokenizer's
// vocabulary, including appended control tokens, must fit the model's
// output dimension.
func NewTranscriber(m *model.Model, tok *tokenizer.Tokenizer, logger *zap.Logger) (*Transcriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tok.VocabSize() > m.Config.NVocab {
		return nil, fmt.Errorf("tokenizer vocabulary %d exceeds model vocabulary %d",
			tok.VocabSize(), m.Config.NVocab)
	}
	return &Transcriber{
		model:    m,
		tok:      tok,
		features: audio.NewFeatureExtractor(audio.DefaultConfig(m.Config.NMels)),
		logger:   logger,
	}, nil
}

// encodeChunk extracts log-mel features for one padded chunk and runs the
// audio encoder.
func (t *Transcriber) encodeChunk(samples []float32) (*mat.Dense, error) {
	return t.model.Encoder.Forward(t.features.LogMel(samples))
}

// DetectLanguage runs a single decoding step over encoded audio and picks
// the most probable language token.
func (t *Transcriber) DetectLanguage(encoded *mat.Dense) (string, error) {
	special := t.tok.Special()
	sess := t.model.Decoder.NewSession(encoded)
	logits, err := sess.Forward([]int{special.StartOfTranscript})
	if err != nil {
		return "", fmt.Errorf("detecting language: %w", err)
	}

	best, bestLogit := -1, math.Inf(-1)
	for id := special.LangBase; id < special.LangBase+special.LangCount; id++ {
		if logits[id] > bestLogit {
			best, bestLogit = id, logits[id]
		}
	}
	code := t.tok.LanguageCode(best)
	if code == "" {
		return "", fmt.Errorf("detecting language: id %d outside language range", best)
	}
	t.logger.Debug("detected language", zap.String("language", code))
	return code, nil
}

// segmentResult is one decoded chunk before merging.
type segmentResult struct {
	tokens     []int
	text       string
	sumLogProb float64
	count      int
}

// decodeSegment conditions a fresh session on the decoding prefix and
// greedily generates until the end token or the text context is exhausted.
func (t *Transcriber) decodeSegment(ctx context.Context, encoded *mat.Dense, language string, condition []int, opts Options) (*segmentResult, error) {
	special := t.tok.Special()
	cfg := t.model.Config

	langToken, err := t.tok.LanguageToken(language)
	if err != nil {
		return nil, err
	}
	var prefix []int
	if len(condition) > 0 {
		// Leave at least half the context to generation.
		keep := cfg.NTextCtx/2 - 1
		if len(condition) > keep {
			condition = condition[len(condition)-keep:]
		}
		prefix = append(prefix, special.StartOfPrev)
		prefix = append(prefix, condition...)
	}
	prefix = append(prefix, special.StartOfTranscript, langToken, special.Transcribe, special.NoTimestamps)

	sess := t.model.Decoder.NewSession(encoded)
	logits, err := sess.Forward(prefix)
	if err != nil {
		return nil, fmt.Errorf("conditioning decoder: %w", err)
	}

	budget := cfg.NTextCtx - len(prefix)
	res := &segmentResult{}
	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next := t.pickToken(logits)
		lp := tokenLogProb(logits, next)
		if next == special.EndOfText {
			if opts.CountEndToken {
				res.sumLogProb += lp
				res.count++
			}
			break
		}
		res.tokens = append(res.tokens, next)
		res.sumLogProb += lp
		res.count++

		if len(res.tokens) >= budget {
			break
		}
		if logits, err = sess.Forward([]int{next}); err != nil {
			return nil, fmt.Errorf("decoding step %d: %w", steps, err)
		}
		if (steps+1)%checkpointInterval == 0 {
			sess.Checkpoint()
		}
	}

	res.text = t.tok.Decode(res.tokens)
	t.logger.Debug("decoded chunk",
		zap.Int("tokens", res.count),
		zap.Float64("sum_logprob", res.sumLogProb))
	return res, nil
}

// pickToken takes the argmax over the text vocabulary. Control tokens
// other than the terminator never win: mid-transcript specials would
// derail generation, and positions past the tokenizer's vocabulary are
// padding in the output projection.
func (t *Transcriber) pickToken(logits []float64) int {
	special := t.tok.Special()
	limit := t.tok.VocabSize()
	best, bestLogit := special.EndOfText, logits[special.EndOfText]
	for id := 0; id < limit; id++ {
		if t.tok.IsSpecial(id) {
			continue
		}
		if logits[id] > bestLogit {
			best, bestLogit = id, logits[id]
		}
	}
	return best
}

// tokenLogProb computes the softmax log probability of id over the full
// logit vector, floored to keep it finite.
func tokenLogProb(logits []float64, id int) float64 {
	max := math.Inf(-1)
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(v - max)
	}
	p := math.Exp(logits[id]-max) / sum
	if p < probFloor {
		p = probFloor
	}
	return math.Log(p)
}
