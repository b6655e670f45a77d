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
	"github.com/antflydb/earwig/lib/cli"
	"github.com/spf13/cobra"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <model> <audio.wav>",
	Short: "Transcribe a WAV file",
	Long: `Transcribe a 16-bit PCM WAV file with a local speech model.

The model argument is either a path to a model directory or an owner/name
reference resolved under the models directory.

Examples:
  # Transcribe with a pulled model
  earwig transcribe openai/whisper-tiny recording.wav

  # Force the language and bias the output with a prompt
  earwig transcribe openai/whisper-tiny recording.wav --language de --prompt "Projekt Bericht"`,
	Args: cobra.ExactArgs(2),
	RunE: runTranscribe,
}

func init() {
	rootCmd.AddCommand(transcribeCmd)

	transcribeCmd.Flags().String("language", "", "ISO 639-1 language code (auto-detected when empty)")
	transcribeCmd.Flags().String("prompt", "", "text to condition the first window on")
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	language, _ := cmd.Flags().GetString("language")
	prompt, _ := cmd.Flags().GetString("prompt")

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return cli.TranscribeFile(args[0], args[1], cli.TranscribeOptions{
		ModelsDir: modelsDir,
		Language:  language,
		Prompt:    prompt,
		Logger:    logger,
	})
}
