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

package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/earwig/lib/model/modeltest"
	"github.com/stretchr/testify/require"
)

type rawTensor = modeltest.Tensor

func floats(shape []int, vals []float32) rawTensor {
	return modeltest.F32(shape, vals)
}

func writeSafetensorsFile(t *testing.T, path string, tensors map[string]rawTensor) {
	t.Helper()
	modeltest.WriteFile(t, path, tensors)
}

// writeTinyModel materializes a loadable model directory and returns it.
func writeTinyModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(modeltest.TinyConfigJSON), 0o644))
	writeSafetensorsFile(t, filepath.Join(dir, weightsFile), modeltest.TinyTensors(7))
	return dir
}
