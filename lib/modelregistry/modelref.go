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

// Package modelregistry pulls speech model checkpoints from HuggingFace
// Hub into a local models directory and tracks them with a digest
// manifest.
package modelregistry

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ModelRef is a parsed model reference.
type ModelRef struct {
	// Owner is the namespace/organization (e.g., "openai").
	Owner string
	// Name is the model name (e.g., "whisper-tiny").
	Name string
	// IsHuggingFace indicates an hf: prefixed reference.
	IsHuggingFace bool
}

// FullName returns "owner/name" format.
func (r ModelRef) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// DirPath returns the directory path relative to the models directory.
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

// String returns a human-readable representation.
func (r ModelRef) String() string {
	s := r.FullName()
	if r.IsHuggingFace {
		s = "hf:" + s
	}
	return s
}

// ParseModelRef parses model reference formats:
//
//	"openai/whisper-tiny"     -> Owner: openai, Name: whisper-tiny
//	"hf:openai/whisper-tiny"  -> same, but IsHuggingFace: true
//	"whisper-tiny"            -> Owner: "", Name: whisper-tiny
func ParseModelRef(ref string) (ModelRef, error) {
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	result := ModelRef{}
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		result.IsHuggingFace = true
		ref = after
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 {
		result.Owner = parts[0]
		result.Name = parts[1]
	} else {
		result.Name = ref
	}

	if result.Name == "" || strings.Contains(result.Name, "/") {
		return ModelRef{}, fmt.Errorf("invalid model reference %q", ref)
	}
	if !SafeFileName(result.Name) || (result.Owner != "" && !SafeFileName(result.Owner)) {
		return ModelRef{}, fmt.Errorf("model reference %q contains unsafe characters", ref)
	}
	return result, nil
}

// SafeFileName reports whether name is safe to create under the models
// directory: each path segment may hold only alphanumerics plus '.', '_'
// and '-', must not begin with a dot, and must not be a traversal segment.
func SafeFileName(name string) bool {
	if name == "" {
		return false
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == "" || segment == "." || segment == ".." || segment[0] == '.' {
			return false
		}
		for _, r := range segment {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '.', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}
