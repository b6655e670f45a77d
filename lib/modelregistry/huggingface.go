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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

const (
	downloadAttempts = 3
	downloadBackoff  = 500 * time.Millisecond
)

// ProgressHandler is called to report download progress
type ProgressHandler func(downloaded, total int64, filename string)

// HuggingFaceClient pulls speech model checkpoints from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
	logger          *zap.Logger
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// WithHFLogger sets the logger
func WithHFLogger(logger *zap.Logger) HFClientOption {
	return func(c *HuggingFaceClient) { c.logger = logger }
}

// Pull downloads a speech checkpoint from a HuggingFace repo.
//
// The model is stored in the owner/model directory structure:
//
//	destDir/owner/model-name/
//
// A model_manifest.json is generated and saved with the model files.
// Returns the local model directory.
func (c *HuggingFaceClient) Pull(ctx context.Context, repoID string, destDir string) (string, error) {
	ref, err := ParseModelRef(repoID)
	if err != nil {
		return "", fmt.Errorf("parsing repo ID: %w", err)
	}

	repo := hub.New(ref.FullName())
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	// List all files in repo
	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}

	toDownload := selectCheckpointFiles(files)
	if len(toDownload) == 0 {
		return "", fmt.Errorf("no safetensors checkpoint found in %s", ref.FullName())
	}

	modelDir := filepath.Join(destDir, ref.DirPath())
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	for _, fileName := range toDownload {
		if !SafeFileName(fileName) {
			return "", fmt.Errorf("unsafe remote file name %q in %s", fileName, ref.FullName())
		}
		if err := c.downloadFile(ctx, repo, fileName, modelDir); err != nil {
			return "", err
		}
	}

	if err := c.generateAndSaveManifest(modelDir, ref); err != nil {
		c.logger.Warn("failed to generate manifest", zap.Error(err))
	}

	return modelDir, nil
}

// downloadFile fetches one file with bounded retry and copies it from the
// hub cache into modelDir, flattening any subdirectory.
func (c *HuggingFaceClient) downloadFile(ctx context.Context, repo *hub.Repo, fileName, modelDir string) error {
	var localPath string
	var err error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		localPath, err = repo.DownloadFile(fileName)
		if err == nil {
			break
		}
		if attempt < downloadAttempts {
			backoff := downloadBackoff * time.Duration(1<<(attempt-1))
			c.logger.Warn("download failed, retrying",
				zap.String("file", fileName),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		return fmt.Errorf("downloading %s after %d attempts: %w", fileName, downloadAttempts, err)
	}

	destName := filepath.Base(fileName)
	destPath := filepath.Join(modelDir, destName)

	if c.progressHandler != nil {
		c.progressHandler(0, 0, destName)
	}

	if err := copyFile(localPath, destPath); err != nil {
		return fmt.Errorf("copying %s: %w", fileName, err)
	}

	if c.progressHandler != nil {
		if info, err := os.Stat(destPath); err == nil {
			c.progressHandler(info.Size(), info.Size(), destName)
		}
	}
	return nil
}

// generateAndSaveManifest creates a manifest for downloaded model files
func (c *HuggingFaceClient) generateAndSaveManifest(modelDir string, ref ModelRef) error {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return fmt.Errorf("scanning files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found in %s", modelDir)
	}

	manifest := &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          ref.Name,
		Source:        ref.FullName(),
		Owner:         ref.Owner,
		Files:         files,
		Provenance: &ModelProvenance{
			DownloadedFrom: "huggingface",
			DownloadedAt:   time.Now(),
		},
	}

	return manifest.SaveTo(filepath.Join(modelDir, ManifestFilename))
}

// selectCheckpointFiles picks the files a speech checkpoint needs: the
// config, the safetensors weights (single file or index plus shards), and
// the tokenizer assets.
func selectCheckpointFiles(files []string) []string {
	includeExact := map[string]bool{
		"config.json":              true,
		"model.safetensors":        true,
		"tokenizer.json":           true,
		"tokenizer_config.json":    true,
		"vocab.json":               true,
		"merges.txt":               true,
		"special_tokens_map.json":  true,
		"added_tokens.json":        true,
		"generation_config.json":   true,
		"preprocessor_config.json": true,
	}

	var result []string
	hasWeights := false
	for _, f := range files {
		base := filepath.Base(f)
		switch {
		case includeExact[base]:
			result = append(result, f)
			if base == "model.safetensors" {
				hasWeights = true
			}
		case base == "model.safetensors.index.json",
			strings.HasPrefix(base, "model-") && strings.HasSuffix(base, ".safetensors"):
			result = append(result, f)
			hasWeights = true
		}
	}
	if !hasWeights {
		return nil
	}
	return result
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = dstFile.Close() }()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Sync()
}
