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

package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestAssets writes a byte-level vocabulary covering all 256 byte
// tokens plus a few merges, in the vocab.json + merges.txt layout.
func writeTestAssets(t *testing.T, dir string) {
	t.Helper()

	var enc [256]rune
	dec := make(map[rune]byte)
	buildByteTables(&enc, dec)

	vocab := make(map[string]int, 260)
	for b := 0; b < 256; b++ {
		vocab[string(enc[b])] = b
	}
	vocab["he"] = 256
	vocab["ll"] = 257
	vocab["hell"] = 258

	data, err := sonic.Marshal(vocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), data, 0644))

	merges := "#version: 0.2\nh e\nl l\nhe ll\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(merges), 0644))
}

func TestLoadMissingAssets(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestRoundTripASCII(t *testing.T) {
	dir := t.TempDir()
	writeTestAssets(t, dir)

	tk, err := Load(dir)
	require.NoError(t, err)

	tests := []string{
		"hello world",
		"hello, world!",
		" leading space",
		"numbers 123 mixed99",
		"",
		"punctuation... (lots)!?",
	}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			ids := tk.Encode(text)
			assert.Equal(t, text, tk.Decode(ids))
		})
	}
}

func TestMergesApply(t *testing.T) {
	dir := t.TempDir()
	writeTestAssets(t, dir)

	tk, err := Load(dir)
	require.NoError(t, err)

	// "hell" should merge h+e, l+l, then he+ll into a single token.
	ids := tk.Encode("hell")
	require.Len(t, ids, 1)
	assert.Equal(t, 258, ids[0])
}

func TestSpecialTokenLayout(t *testing.T) {
	dir := t.TempDir()
	writeTestAssets(t, dir)

	tk, err := Load(dir)
	require.NoError(t, err)

	sp := tk.Special()
	assert.Equal(t, 256+3, sp.EndOfText, "appended after base vocab")
	assert.Equal(t, sp.EndOfText+1, sp.StartOfTranscript)
	assert.Equal(t, sp.StartOfTranscript+1, sp.LangBase)
	assert.Equal(t, NumLanguages(), sp.LangCount)
	assert.Equal(t, sp.LangBase+sp.LangCount, sp.Translate)
	assert.Equal(t, sp.Translate+1, sp.Transcribe)
	assert.Equal(t, sp.Transcribe+4, sp.NoTimestamps)

	lo, hi := tk.LanguageRange()
	assert.Equal(t, sp.LangBase, lo)
	assert.Equal(t, hi-lo, sp.LangCount)
}

func TestLanguageTokens(t *testing.T) {
	dir := t.TempDir()
	writeTestAssets(t, dir)

	tk, err := Load(dir)
	require.NoError(t, err)

	en, err := tk.LanguageToken("en")
	require.NoError(t, err)
	assert.Equal(t, tk.Special().LangBase, en)
	assert.Equal(t, "en", tk.LanguageCode(en))

	de, err := tk.LanguageToken("de")
	require.NoError(t, err)
	assert.Equal(t, "de", tk.LanguageCode(de))
	assert.Equal(t, "", tk.LanguageCode(tk.Special().Translate))

	_, err = tk.LanguageToken("xx")
	assert.Error(t, err)
}

func TestDecodeSkipsSpecials(t *testing.T) {
	dir := t.TempDir()
	writeTestAssets(t, dir)

	tk, err := Load(dir)
	require.NoError(t, err)

	sp := tk.Special()
	ids := []int{sp.StartOfTranscript, sp.LangBase, sp.Transcribe, sp.NoTimestamps}
	ids = append(ids, tk.Encode("ok")...)
	ids = append(ids, sp.EndOfText)

	assert.Equal(t, "ok", tk.Decode(ids))
}

func TestSingleFileVocabulary(t *testing.T) {
	dir := t.TempDir()

	var enc [256]rune
	dec := make(map[rune]byte)
	buildByteTables(&enc, dec)

	vocab := make(map[string]int, 256)
	for b := 0; b < 256; b++ {
		vocab[string(enc[b])] = b
	}

	doc := map[string]any{
		"model": map[string]any{
			"vocab":  vocab,
			"merges": []any{"h e", []any{"l", "l"}},
		},
	}
	data, err := sonic.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), data, 0644))

	tk, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "abc 123", tk.Decode(tk.Encode("abc 123")))
	assert.Len(t, tk.ranks, 2)
}
