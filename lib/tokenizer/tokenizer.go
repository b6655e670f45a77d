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

// Package tokenizer implements the byte-level BPE tokenizer used by the
// text decoder, including the Whisper special-token layout with its
// contiguous language-token range.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
)

// Special holds the ids of the model's control tokens. Everything after
// EndOfText is appended programmatically in a fixed order, so the language
// tokens always occupy a single contiguous id range
// [LangBase, LangBase+LangCount).
type Special struct {
	EndOfText         int
	StartOfTranscript int
	LangBase          int
	LangCount         int
	Translate         int
	Transcribe        int
	StartOfLM         int
	StartOfPrev       int
	NoSpeech          int
	NoTimestamps      int
	TimestampBegin    int
}

// Tokenizer encodes text to token ids and back.
type Tokenizer struct {
	vocab   map[string]int
	inverse map[int]string
	ranks   map[string]int

	byteEncoder [256]rune
	byteDecoder map[rune]byte

	special Special
}

// Load reads tokenizer assets from a model directory. A single-file
// tokenizer.json is tried first, falling back to the vocab.json +
// merges.txt pair.
func Load(dir string) (*Tokenizer, error) {
	if path := filepath.Join(dir, "tokenizer.json"); fileExists(path) {
		return loadSingleFile(path)
	}
	vocabPath := filepath.Join(dir, "vocab.json")
	mergesPath := filepath.Join(dir, "merges.txt")
	if fileExists(vocabPath) && fileExists(mergesPath) {
		return loadPair(vocabPath, mergesPath)
	}
	return nil, fmt.Errorf("no tokenizer assets in %s (need tokenizer.json or vocab.json+merges.txt)", dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// singleFileSchema covers the parts of the HuggingFace tokenizer.json layout
// we consume.
type singleFileSchema struct {
	Model struct {
		Vocab  map[string]int `json:"vocab"`
		Merges []any          `json:"merges"`
	} `json:"model"`
}

func loadSingleFile(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var schema singleFileSchema
	if err := sonic.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(schema.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer file %s has no vocabulary", path)
	}

	merges := make([]string, 0, len(schema.Model.Merges))
	for _, m := range schema.Model.Merges {
		switch v := m.(type) {
		case string:
			merges = append(merges, v)
		case []any:
			// Newer HF files store merges as ["a", "b"] pairs.
			if len(v) == 2 {
				a, okA := v[0].(string)
				b, okB := v[1].(string)
				if okA && okB {
					merges = append(merges, a+" "+b)
				}
			}
		}
	}

	return build(schema.Model.Vocab, merges)
}

func loadPair(vocabPath, mergesPath string) (*Tokenizer, error) {
	vocabData, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}
	var vocab map[string]int
	if err := sonic.Unmarshal(vocabData, &vocab); err != nil {
		return nil, fmt.Errorf("parsing vocab: %w", err)
	}

	mergesData, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("reading merges: %w", err)
	}
	var merges []string
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		merges = append(merges, line)
	}

	return build(vocab, merges)
}

func build(vocab map[string]int, merges []string) (*Tokenizer, error) {
	t := &Tokenizer{
		vocab:       make(map[string]int, len(vocab)),
		inverse:     make(map[int]string, len(vocab)),
		ranks:       make(map[string]int, len(merges)),
		byteDecoder: make(map[rune]byte, 256),
	}

	next := 0
	for tok, id := range vocab {
		t.vocab[tok] = id
		t.inverse[id] = tok
		if id >= next {
			next = id + 1
		}
	}
	for rank, merge := range merges {
		t.ranks[merge] = rank
	}

	buildByteTables(&t.byteEncoder, t.byteDecoder)

	// Control tokens follow the base vocabulary in a fixed order. EndOfText
	// may already be present in the base vocabulary; everything after it is
	// appended.
	if id, ok := vocab["<|endoftext|>"]; ok {
		t.special.EndOfText = id
	} else {
		t.special.EndOfText = next
		next++
	}
	t.special.StartOfTranscript = next
	next++
	t.special.LangBase = next
	t.special.LangCount = len(languageCodes)
	next += len(languageCodes)
	t.special.Translate = next
	t.special.Transcribe = next + 1
	t.special.StartOfLM = next + 2
	t.special.StartOfPrev = next + 3
	t.special.NoSpeech = next + 4
	t.special.NoTimestamps = next + 5
	t.special.TimestampBegin = next + 6

	return t, nil
}

// Special returns the control-token ids.
func (t *Tokenizer) Special() Special {
	return t.special
}

// VocabSize returns the total vocabulary size including control and
// timestamp tokens.
func (t *Tokenizer) VocabSize() int {
	return t.special.TimestampBegin + 1501
}

// LanguageToken returns the token id for a language code.
func (t *Tokenizer) LanguageToken(code string) (int, error) {
	for i, c := range languageCodes {
		if c == code {
			return t.special.LangBase + i, nil
		}
	}
	return 0, fmt.Errorf("unknown language code %q", code)
}

// LanguageCode returns the language code for a token id inside the language
// range, or "" if the id is not a language token.
func (t *Tokenizer) LanguageCode(id int) string {
	idx := id - t.special.LangBase
	if idx < 0 || idx >= t.special.LangCount {
		return ""
	}
	return languageCodes[idx]
}

// LanguageRange returns the half-open id range of the language tokens.
func (t *Tokenizer) LanguageRange() (lo, hi int) {
	return t.special.LangBase, t.special.LangBase + t.special.LangCount
}

// IsSpecial reports whether id is a control or timestamp token.
func (t *Tokenizer) IsSpecial(id int) bool {
	return id == t.special.EndOfText || id >= t.special.StartOfTranscript
}

// Encode converts text to token ids using byte-level BPE.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, piece := range splitPieces(text) {
		// Map raw bytes onto the printable alphabet used by the vocabulary.
		var sb strings.Builder
		for _, b := range []byte(piece) {
			sb.WriteRune(t.byteEncoder[b])
		}
		for _, tok := range t.bpe(sb.String()) {
			if id, ok := t.vocab[tok]; ok {
				ids = append(ids, id)
				continue
			}
			// Fall back to single-character tokens for unmergeable input.
			for _, r := range tok {
				if id, ok := t.vocab[string(r)]; ok {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

// Decode converts token ids back to text. Control and timestamp tokens are
// skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if t.IsSpecial(id) {
			continue
		}
		tok, ok := t.inverse[id]
		if !ok {
			continue
		}
		for _, r := range tok {
			if b, ok := t.byteDecoder[r]; ok {
				sb.WriteByte(b)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}

// bpe greedily applies the lowest-ranked merge until none apply.
func (t *Tokenizer) bpe(piece string) []string {
	if piece == "" {
		return nil
	}
	parts := make([]string, 0, len(piece))
	for _, r := range piece {
		parts = append(parts, string(r))
	}

	for len(parts) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := t.ranks[parts[i]+" "+parts[i+1]]; ok {
				if bestRank == -1 || rank < bestRank {
					bestRank = rank
					bestIdx = i
				}
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := parts[bestIdx] + parts[bestIdx+1]
		parts = append(parts[:bestIdx+1], parts[bestIdx+2:]...)
		parts[bestIdx] = merged
	}
	return parts
}

// splitPieces chunks text into BPE pre-tokenization units: runs of letters
// (with their leading space), runs of digits, and runs of other characters.
func splitPieces(text string) []string {
	var pieces []string
	var cur strings.Builder
	curClass := -1

	flush := func() {
		if cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
	}

	for _, r := range text {
		class := charClass(r)
		if r == ' ' {
			// A space belongs to the following piece.
			flush()
			cur.WriteRune(r)
			curClass = -1
			continue
		}
		if curClass != -1 && class != curClass {
			flush()
		}
		cur.WriteRune(r)
		curClass = class
	}
	flush()
	return pieces
}

func charClass(r rune) int {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return 0
	case r >= '0' && r <= '9':
		return 1
	default:
		return 2
	}
}

// buildByteTables fills the GPT-2 byte-to-unicode mapping: printable bytes
// map to themselves, the rest to code points starting at 256.
func buildByteTables(enc *[256]rune, dec map[rune]byte) {
	isPrintable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		var r rune
		if isPrintable(b) {
			r = rune(b)
		} else {
			r = rune(256 + n)
			n++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
}
