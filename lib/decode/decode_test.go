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
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/mat"

	"github.com/antflydb/earwig/lib/audio"
	"github.com/antflydb/earwig/lib/model"
	"github.com/antflydb/earwig/lib/model/modeltest"
	"github.com/antflydb/earwig/lib/tokenizer"
)

// newTinyTranscriber loads the four-position test checkpoint for tests
// that craft encoder input directly.
func newTinyTranscriber(t *testing.T) (*Transcriber, *model.Model) {
	t.Helper()
	dir := t.TempDir()
	modeltest.WriteModelDir(t, dir, 7)
	m, err := model.Load(dir)
	require.NoError(t, err)
	tok, err := tokenizer.Load(dir)
	require.NoError(t, err)
	tr, err := NewTranscriber(m, tok, zap.NewNop())
	require.NoError(t, err)
	return tr, m
}

// tinyEncoded runs a fixed random spectrogram through the encoder.
func tinyEncoded(t *testing.T, m *model.Model) *mat.Dense {
	t.Helper()
	mel := mat.NewDense(m.Config.NMels, 2*m.Config.NAudioCtx, nil)
	r := rand.New(rand.NewSource(5))
	rows, cols := mel.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			mel.Set(i, j, r.Float64()-0.5)
		}
	}
	encoded, err := m.Encoder.Forward(mel)
	require.NoError(t, err)
	return encoded
}

func TestNewTranscriberRejectsVocabularyMismatch(t *testing.T) {
	dir := t.TempDir()
	modeltest.WriteModelDir(t, dir, 7)
	m, err := model.Load(dir)
	require.NoError(t, err)
	tok, err := tokenizer.Load(dir)
	require.NoError(t, err)

	m.Config.NVocab = 100
	_, err = NewTranscriber(m, tok, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vocabulary")
}

func TestDetectLanguageIsDeterministic(t *testing.T) {
	tr, m := newTinyTranscriber(t)
	encoded := tinyEncoded(t, m)

	first, err := tr.DetectLanguage(encoded)
	require.NoError(t, err)
	assert.True(t, tokenizer.IsLanguageCode(first))

	second, err := tr.DetectLanguage(encoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeSegmentTerminatesWithinBudget(t *testing.T) {
	tr, m := newTinyTranscriber(t)
	encoded := tinyEncoded(t, m)

	seg, err := tr.decodeSegment(context.Background(), encoded, "en", nil, Options{})
	require.NoError(t, err)

	// The decoding prefix takes four positions.
	budget := m.Config.NTextCtx - 4
	assert.LessOrEqual(t, len(seg.tokens), budget)
	assert.Equal(t, len(seg.tokens), seg.count)
	assert.LessOrEqual(t, seg.sumLogProb, 0.0)

	for _, tok := range seg.tokens {
		assert.False(t, tr.tok.IsSpecial(tok), "control token %d in output", tok)
	}
}

func TestDecodeSegmentDeterministic(t *testing.T) {
	tr, m := newTinyTranscriber(t)
	encoded := tinyEncoded(t, m)

	a, err := tr.decodeSegment(context.Background(), encoded, "en", nil, Options{})
	require.NoError(t, err)
	b, err := tr.decodeSegment(context.Background(), encoded, "en", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, a.tokens, b.tokens)
	assert.Equal(t, a.text, b.text)
	assert.Equal(t, a.sumLogProb, b.sumLogProb)
}

func TestDecodeSegmentTruncatesPriorContext(t *testing.T) {
	tr, m := newTinyTranscriber(t)
	encoded := tinyEncoded(t, m)

	condition := make([]int, 3*m.Config.NTextCtx)
	for i := range condition {
		condition[i] = 65 + i%26
	}
	seg, err := tr.decodeSegment(context.Background(), encoded, "en", condition, Options{})
	require.NoError(t, err)
	assert.NotNil(t, seg)
}

func TestDecodeSegmentCountEndToken(t *testing.T) {
	tr, m := newTinyTranscriber(t)
	encoded := tinyEncoded(t, m)

	without, err := tr.decodeSegment(context.Background(), encoded, "en", nil, Options{})
	require.NoError(t, err)
	with, err := tr.decodeSegment(context.Background(), encoded, "en", nil, Options{CountEndToken: true})
	require.NoError(t, err)

	// Same generation path; only the confidence accounting differs, and
	// only when the terminator actually ended the segment.
	assert.Equal(t, without.tokens, with.tokens)
	if with.count == without.count+1 {
		assert.Less(t, with.sumLogProb, without.sumLogProb+1e-12)
	}
}

func TestDecodeSegmentHonorsCancellation(t *testing.T) {
	tr, m := newTinyTranscriber(t)
	encoded := tinyEncoded(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.decodeSegment(ctx, encoded, "en", nil, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTokenLogProb(t *testing.T) {
	logits := []float64{100, 0, 0, 0}
	assert.InDelta(t, 0, tokenLogProb(logits, 0), 1e-9)

	// A hopeless candidate is floored, not -Inf.
	lp := tokenLogProb(logits, 1)
	assert.False(t, math.IsInf(lp, -1))
	assert.InDelta(t, math.Log(1e-10), lp, 1e-9)
}

func TestTranscribeEmptyInput(t *testing.T) {
	tr, _ := newTinyTranscriber(t)
	res, err := tr.Transcribe(context.Background(), nil, Options{Language: "de"})
	require.NoError(t, err)
	assert.Equal(t, "", res.Text)
	assert.Equal(t, "", res.Language)
	assert.Equal(t, 0, res.Tokens)
}

func TestTranscribeRejectsUnknownLanguage(t *testing.T) {
	tr, _ := newTinyTranscriber(t)
	_, err := tr.Transcribe(context.Background(), make([]float32, 10), Options{Language: "xx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xx")
}

// newSpeechTranscriber loads the checkpoint with the real 30-second audio
// context, driving the full feature-extraction path.
func newSpeechTranscriber(t *testing.T, logger *zap.Logger) *Transcriber {
	t.Helper()
	dir := t.TempDir()
	modeltest.WriteSpeechModelDir(t, dir, 7)
	m, err := model.Load(dir)
	require.NoError(t, err)
	tok, err := tokenizer.Load(dir)
	require.NoError(t, err)
	tr, err := NewTranscriber(m, tok, logger)
	require.NoError(t, err)
	return tr
}

func TestTranscribeShortAudioEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline forward pass")
	}
	tr := newSpeechTranscriber(t, zap.NewNop())

	samples := make([]float32, 16000)
	res, err := tr.Transcribe(context.Background(), samples, Options{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "", res.Language)
	assert.GreaterOrEqual(t, res.Tokens, 0)
	if res.Tokens > 0 {
		assert.Less(t, res.AvgLogProb, 0.0)
	}

	again, err := tr.Transcribe(context.Background(), samples, Options{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, res.Text, again.Text)
	assert.Equal(t, res.AvgLogProb, again.AvgLogProb)
}

func TestTranscribeDetectsLanguageWhenUnset(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline forward pass")
	}
	tr := newSpeechTranscriber(t, zap.NewNop())

	res, err := tr.Transcribe(context.Background(), make([]float32, 8000), Options{})
	require.NoError(t, err)
	assert.True(t, tokenizer.IsLanguageCode(res.Language))
}

func TestTranscribeSplitsLongAudio(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline forward pass")
	}
	core, logs := observer.New(zap.DebugLevel)
	tr := newSpeechTranscriber(t, zap.New(core))

	// 31 seconds forces a cut inside the seek window before the boundary.
	samples := make([]float32, 31*16000)
	res, err := tr.Transcribe(context.Background(), samples, Options{Language: "en"})
	require.NoError(t, err)
	require.NotNil(t, res)

	chunks := logs.FilterMessage("transcribed chunk").Len()
	assert.Equal(t, 2, chunks)
}

func TestTranscribeChunksDecodeIndependently(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline forward pass")
	}
	tr := newSpeechTranscriber(t, zap.NewNop())

	samples := make([]float32, 31*16000)
	opts := Options{Language: "en", Prompt: "meeting notes"}
	full, err := tr.Transcribe(context.Background(), samples, opts)
	require.NoError(t, err)

	// Decoding each chunk on its own must reproduce the merged result: the
	// prompt conditions the first chunk only, and nothing else crosses a
	// chunk boundary.
	limit := tr.features.Config.ChunkSamples()
	cut := audio.FindCutPoint(samples, limit, audio.DefaultSeekWindow, audio.DefaultEnergyWindow)

	first, err := tr.Transcribe(context.Background(), samples[:cut], opts)
	require.NoError(t, err)
	second, err := tr.Transcribe(context.Background(), samples[cut:], Options{Language: "en"})
	require.NoError(t, err)

	var pieces []string
	for _, text := range []string{first.Text, second.Text} {
		if text != "" {
			pieces = append(pieces, text)
		}
	}
	assert.Equal(t, full.Text, strings.Join(pieces, " "))
	assert.Equal(t, full.Tokens, first.Tokens+second.Tokens)
}
