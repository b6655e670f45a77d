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

package earwig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/earwig/lib/decode"
	"github.com/antflydb/earwig/lib/model/modeltest"
)

// speechModelDir writes a loadable checkpoint with the real 30-second
// audio context under a stable directory name.
func speechModelDir(t *testing.T, name string, seed int64) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	modeltest.WriteSpeechModelDir(t, dir, seed)
	return dir
}

func TestTranscribeBeforeLoad(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	_, err := e.Transcribe(context.Background(), make([]float32, 100), decode.Options{})
	require.ErrorIs(t, err, ErrModelNotLoaded)
	assert.False(t, e.Loaded())
	assert.Equal(t, "", e.ModelName())
}

func TestLoadModelBadDirectory(t *testing.T) {
	e := NewEngine()
	defer e.Close()

	err := e.LoadModel(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.False(t, e.Loaded())
}

func TestLoadModelAndTranscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline forward pass")
	}
	e := NewEngine()
	defer e.Close()

	dir := speechModelDir(t, "tiny-en", 7)
	require.NoError(t, e.LoadModel(context.Background(), dir))
	assert.True(t, e.Loaded())
	assert.Equal(t, "tiny-en", e.ModelName())

	samples := make([]float32, 8000)
	res, err := e.Transcribe(context.Background(), samples, decode.Options{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "", res.Language)

	// The identical request is served from cache.
	again, err := e.Transcribe(context.Background(), samples, decode.Options{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, res, again)
	// Warm-up bypasses the cache, so only the first request missed.
	hits, misses, _ := e.cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)

	e.Unload()
	assert.False(t, e.Loaded())
	_, err = e.Transcribe(context.Background(), samples, decode.Options{Language: "en"})
	require.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestLoadModelReplacesPrevious(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline forward pass")
	}
	e := NewEngine()
	defer e.Close()

	require.NoError(t, e.LoadModel(context.Background(), speechModelDir(t, "first", 7)))
	assert.Equal(t, "first", e.ModelName())

	require.NoError(t, e.LoadModel(context.Background(), speechModelDir(t, "second", 9)))
	assert.Equal(t, "second", e.ModelName())
	assert.True(t, e.Loaded())
}

func TestWarmupFailureLeavesEngineUnloaded(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline forward pass")
	}
	e := NewEngine()
	defer e.Close()

	// A four-position audio context cannot take a real 30-second window,
	// so the verification pass must fail.
	dir := filepath.Join(t.TempDir(), "broken")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	modeltest.WriteModelDir(t, dir, 7)

	err := e.LoadModel(context.Background(), dir)
	require.Error(t, err)
	var werr *WarmupError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "broken", werr.Model)
	assert.Equal(t, warmupAttempts, werr.Attempts)
	assert.False(t, e.Loaded())
}

func TestLoadAndUnloadWaitForInference(t *testing.T) {
	e := NewEngine()

	// Holding the inference slot stands in for an in-flight transcription;
	// lifecycle operations must queue behind it.
	require.NoError(t, e.inference.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.LoadModel(ctx, t.TempDir())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan struct{})
	go func() {
		e.Unload()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("unload finished during inference")
	case <-time.After(50 * time.Millisecond):
	}

	e.inference.Release(1)
	<-done
	require.NoError(t, e.Close())
}

func TestEngineClosed(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Transcribe(context.Background(), nil, decode.Options{})
	require.ErrorIs(t, err, ErrEngineClosed)
	require.ErrorIs(t, e.LoadModel(context.Background(), "nowhere"), ErrEngineClosed)
}

func TestTranscriptionCacheKey(t *testing.T) {
	c := NewTranscriptionCache(0, nil)
	defer c.Stop()

	samples := []float32{0.1, 0.2, 0.3}
	base := c.Key("m", samples, decode.Options{Language: "en"})
	assert.Equal(t, base, c.Key("m", samples, decode.Options{Language: "en"}))

	assert.NotEqual(t, base, c.Key("other", samples, decode.Options{Language: "en"}))
	assert.NotEqual(t, base, c.Key("m", samples, decode.Options{Language: "de"}))
	assert.NotEqual(t, base, c.Key("m", samples, decode.Options{Language: "en", CountEndToken: true}))
	assert.NotEqual(t, base, c.Key("m", samples, decode.Options{Language: "en", Prompt: "x"}))
	assert.NotEqual(t, base, c.Key("m", []float32{0.1, 0.2}, decode.Options{Language: "en"}))
}

func TestTranscriptionCacheDo(t *testing.T) {
	c := NewTranscriptionCache(0, nil)
	defer c.Stop()

	calls := 0
	compute := func(context.Context) (*decode.Result, error) {
		calls++
		return &decode.Result{Text: "hi"}, nil
	}

	res, err := c.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)

	res, err = c.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
	assert.Equal(t, 1, calls)

	hits, misses, _ := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}
