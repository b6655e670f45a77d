// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"

	"github.com/antflydb/earwig/lib/cli"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <repo-id> [repo-id...]",
	Short: "Pull speech model(s) from HuggingFace",
	Long: `Download one or more speech checkpoints from HuggingFace Hub.

Models are stored under the models directory in owner/name layout:
  ~/.earwig/models/openai/whisper-tiny/

Examples:
  # Pull the tiny English Whisper checkpoint
  earwig pull openai/whisper-tiny.en

  # Pull several models at once
  earwig pull openai/whisper-tiny openai/whisper-base

  # Pull a gated model with a token
  earwig pull some-org/private-whisper --hf-token hf_...

  # Pull to a custom directory
  earwig pull --models-dir /opt/models openai/whisper-tiny`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
}

func runPull(cmd *cobra.Command, args []string) error {
	hfToken, _ := cmd.Flags().GetString("hf-token")

	for _, repoID := range args {
		fmt.Printf("\n=== Pulling %s ===\n", repoID)
		if err := cli.PullFromHuggingFace(repoID, cli.HuggingFaceOptions{
			ModelsDir: modelsDir,
			HFToken:   hfToken,
		}); err != nil {
			return fmt.Errorf("failed to pull %s: %w", repoID, err)
		}
	}
	return nil
}
