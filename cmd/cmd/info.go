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
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/earwig/lib/cli"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <model>",
	Short: "Show a local model's configuration",
	Long: `Print the architecture summary of a local model directory and,
when present, its download manifest.

Examples:
  earwig info openai/whisper-tiny
  earwig info ./models/whisper-base`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	return cli.PrintModelInfo(resolveModelDir(args[0]))
}

// resolveModelDir maps an owner/name reference onto the models directory,
// leaving paths that exist on disk untouched.
func resolveModelDir(ref string) string {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return ref
	}
	return filepath.Join(modelsDir, filepath.FromSlash(strings.TrimPrefix(ref, "hf:")))
}
