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

package audio

import "math"

const (
	// DefaultSeekWindow is how far back from the chunk boundary the cut-point
	// search extends, in samples (3s at 16kHz).
	DefaultSeekWindow = 3 * 16000

	// DefaultEnergyWindow is the RMS window slid over the seek region, in
	// samples (100ms at 16kHz).
	DefaultEnergyWindow = 1600
)

// FindCutPoint returns the sample index at which audio exceeding limit
// should be split. It slides a fixed RMS-energy window over the seek region
// ending at the limit boundary and picks the center of the quietest window,
// so cuts land in near-silence rather than mid-word.
//
// The returned index is always in (0, limit]. If samples fit within limit,
// len(samples) is returned unchanged.
func FindCutPoint(samples []float32, limit, seekWindow, energyWindow int) int {
	if len(samples) <= limit {
		return len(samples)
	}
	if seekWindow <= 0 {
		seekWindow = DefaultSeekWindow
	}
	if energyWindow <= 0 || energyWindow > seekWindow {
		energyWindow = DefaultEnergyWindow
	}

	searchStart := limit - seekWindow
	if searchStart < 0 {
		searchStart = 0
	}
	searchEnd := limit - energyWindow
	if searchEnd <= searchStart {
		return limit
	}

	// Prefix sums of squared samples make each window RMS O(1).
	prefix := make([]float64, limit+1)
	for i := searchStart; i < limit; i++ {
		s := float64(samples[i])
		prefix[i+1] = prefix[i] + s*s
	}

	bestStart := searchStart
	bestEnergy := math.Inf(1)
	for start := searchStart; start <= searchEnd; start += energyWindow / 4 {
		energy := prefix[start+energyWindow] - prefix[start]
		if energy < bestEnergy {
			bestEnergy = energy
			bestStart = start
		}
	}

	cut := bestStart + energyWindow/2
	if cut <= 0 || cut > limit {
		cut = limit
	}
	return cut
}

// RMS returns the root-mean-square energy of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
