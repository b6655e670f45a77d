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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/antflydb/earwig/lib/model"
	"github.com/antflydb/earwig/lib/modelregistry"
)

// PrintModelInfo prints a summary of a local model directory: the parsed
// config and, when a manifest is present, its file inventory.
func PrintModelInfo(modelDir string) error {
	cfg, err := model.LoadConfig(modelDir)
	if err != nil {
		return fmt.Errorf("reading model config: %w", err)
	}

	fmt.Printf("Model directory: %s\n\n", modelDir)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Mel bins:\t%d\n", cfg.NMels)
	_, _ = fmt.Fprintf(w, "Vocabulary:\t%d\n", cfg.NVocab)
	_, _ = fmt.Fprintf(w, "Audio context:\t%d\n", cfg.NAudioCtx)
	_, _ = fmt.Fprintf(w, "Audio state:\t%d (%d heads, %d layers)\n",
		cfg.NAudioState, cfg.NAudioHead, cfg.NAudioLayer)
	_, _ = fmt.Fprintf(w, "Text context:\t%d\n", cfg.NTextCtx)
	_, _ = fmt.Fprintf(w, "Text state:\t%d (%d heads, %d layers)\n",
		cfg.NTextState, cfg.NTextHead, cfg.NTextLayer)
	if cfg.Quant != nil {
		_, _ = fmt.Fprintf(w, "Quantization:\t%d-bit, group size %d\n",
			cfg.Quant.Bits, cfg.Quant.GroupSize)
	} else {
		_, _ = fmt.Fprintf(w, "Quantization:\tnone\n")
	}
	if err := w.Flush(); err != nil {
		return err
	}

	manifest, err := modelregistry.LoadManifest(modelDir)
	if err != nil {
		// Locally assembled model directories have no manifest.
		return nil
	}

	fmt.Printf("\nSource: %s\n", manifest.Source)
	if manifest.Provenance != nil {
		fmt.Printf("Downloaded: %s from %s\n",
			manifest.Provenance.DownloadedAt.Format("2006-01-02 15:04"),
			manifest.Provenance.DownloadedFrom)
	}

	fmt.Println("\nFiles:")
	fw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	var total int64
	for _, f := range manifest.Files {
		_, _ = fmt.Fprintf(fw, "  %s\t%s\n", f.Name, FormatBytes(f.Size))
		total += f.Size
	}
	_, _ = fmt.Fprintf(fw, "  total\t%s\n", FormatBytes(total))
	return fw.Flush()
}
