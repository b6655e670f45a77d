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

package earwig

import (
	"errors"
	"fmt"
)

// ErrModelNotLoaded is returned by inference calls before a successful
// LoadModel.
var ErrModelNotLoaded = errors.New("no model loaded")

// ErrEngineClosed is returned by calls after Close.
var ErrEngineClosed = errors.New("engine closed")

// WarmupError reports that a model loaded and bound but failed its
// verification pass. The engine stays unloaded: a model that cannot
// transcribe silence must not serve traffic.
type WarmupError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *WarmupError) Error() string {
	return fmt.Sprintf("model %s failed warm-up after %d attempts: %v", e.Model, e.Attempts, e.Err)
}

func (e *WarmupError) Unwrap() error { return e.Err }
