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

package modelregistry

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
)

// ManifestFilename is the manifest file stored beside model files.
const ManifestFilename = "model_manifest.json"

// CurrentSchemaVersion is the current manifest schema version.
const CurrentSchemaVersion = 1

// ModelFile is a single file in the model manifest.
type ModelFile struct {
	// Name is the filename (e.g., "model.safetensors").
	Name string `json:"name"`
	// Digest is the SHA256 hash of the file, "sha256:..." form.
	Digest string `json:"digest"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
}

// ModelProvenance tracks model origin and download metadata.
type ModelProvenance struct {
	DownloadedFrom string    `json:"downloadedFrom"`
	DownloadedAt   time.Time `json:"downloadedAt"`
}

// ModelManifest describes a downloaded checkpoint and its files.
type ModelManifest struct {
	SchemaVersion int              `json:"schemaVersion"`
	Name          string           `json:"name"`
	Source        string           `json:"source,omitempty"`
	Owner         string           `json:"owner,omitempty"`
	Files         []ModelFile      `json:"files"`
	Provenance    *ModelProvenance `json:"provenance,omitempty"`
}

// SaveTo writes the manifest as JSON.
func (m *ModelManifest) SaveTo(path string) error {
	data, err := sonic.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadManifest reads a manifest from a model directory.
func LoadManifest(modelDir string) (*ModelManifest, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m ModelManifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// FileDigest computes the sha256 digest of a file in manifest form.
func FileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), n, nil
}

// ScanModelFiles hashes every regular file in modelDir except the manifest
// itself, sorted by name.
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, err
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFilename {
			continue
		}
		digest, size, err := FileDigest(filepath.Join(modelDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", entry.Name(), err)
		}
		files = append(files, ModelFile{Name: entry.Name(), Digest: digest, Size: size})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Verify re-hashes the files listed in the manifest and reports the first
// mismatch or missing file.
func (m *ModelManifest) Verify(modelDir string) error {
	for _, f := range m.Files {
		digest, size, err := FileDigest(filepath.Join(modelDir, f.Name))
		if err != nil {
			return fmt.Errorf("verifying %s: %w", f.Name, err)
		}
		if size != f.Size {
			return fmt.Errorf("verifying %s: size %d, manifest says %d", f.Name, size, f.Size)
		}
		if digest != f.Digest {
			return fmt.Errorf("verifying %s: digest mismatch", f.Name)
		}
	}
	return nil
}
