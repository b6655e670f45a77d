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

// Package audio converts raw PCM samples into the normalized log-mel
// spectrogram frames consumed by the audio encoder, and locates low-energy
// cut points for splitting long recordings.
package audio

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Config holds the framing parameters for feature extraction.
// These are fixed by the model architecture, not tunable at runtime.
type Config struct {
	// SampleRate is the expected input sample rate (16000 for speech models).
	SampleRate int
	// NFFT is the analysis window length in samples (400 = 25ms at 16kHz).
	NFFT int
	// HopLength is the stride between frames (160 = 10ms at 16kHz).
	HopLength int
	// NMels is the number of mel filter banks.
	NMels int
	// ChunkSeconds is the fixed context window in seconds (30 for Whisper).
	ChunkSeconds int
}

// DefaultConfig returns the framing parameters used by Whisper-family models.
func DefaultConfig(nMels int) Config {
	if nMels <= 0 {
		nMels = 80
	}
	return Config{
		SampleRate:   16000,
		NFFT:         400,
		HopLength:    160,
		NMels:        nMels,
		ChunkSeconds: 30,
	}
}

// ChunkSamples returns the fixed per-chunk sample budget.
func (c Config) ChunkSamples() int {
	return c.ChunkSeconds * c.SampleRate
}

// NumFrames returns the number of spectrogram frames per chunk.
func (c Config) NumFrames() int {
	return c.ChunkSamples() / c.HopLength
}

// FeatureExtractor converts mono PCM samples to normalized log-mel
// spectrograms. The Hann window, the DFT cosine/sine basis matrices and the
// Slaney mel filterbank are precomputed at construction; extraction itself
// is a pair of dense matrix products.
type FeatureExtractor struct {
	Config Config

	window   []float64
	cosBasis *mat.Dense // [nFreq, NFFT]
	sinBasis *mat.Dense // [nFreq, NFFT]
	melBank  *mat.Dense // [NMels, nFreq]
}

// NewFeatureExtractor precomputes the transform bases for the given config.
func NewFeatureExtractor(cfg Config) *FeatureExtractor {
	fe := &FeatureExtractor{Config: cfg}
	fe.window = hannWindow(cfg.NFFT)
	fe.cosBasis, fe.sinBasis = dftBasis(cfg.NFFT)
	fe.melBank = slaneyMelBank(cfg.NMels, cfg.NFFT, cfg.SampleRate)
	return fe
}

// LogMel computes the normalized log-mel spectrogram of samples.
// Input shorter than the fixed chunk window is zero-padded; input longer
// than the window is truncated (long audio is split upstream, see
// FindCutPoint). The result has shape [NMels, NumFrames].
func (fe *FeatureExtractor) LogMel(samples []float32) *mat.Dense {
	cfg := fe.Config
	target := cfg.ChunkSamples()

	fixed := make([]float64, target)
	for i := 0; i < len(samples) && i < target; i++ {
		fixed[i] = float64(samples[i])
	}

	// Center-aligned framing: reflect-pad by NFFT/2 on both sides.
	padded := reflectPad(fixed, cfg.NFFT/2)

	numFrames := cfg.NumFrames()
	frames := mat.NewDense(numFrames, cfg.NFFT, nil)
	for t := 0; t < numFrames; t++ {
		start := t * cfg.HopLength
		row := frames.RawRowView(t)
		for i := 0; i < cfg.NFFT; i++ {
			row[i] = padded[start+i] * fe.window[i]
		}
	}

	// Power spectrum via the direct transform: (C·x)^2 + (S·x)^2.
	nFreq, _ := fe.cosBasis.Dims()
	var re, im mat.Dense
	re.Mul(frames, fe.cosBasis.T())
	im.Mul(frames, fe.sinBasis.T())

	power := mat.NewDense(numFrames, nFreq, nil)
	for t := 0; t < numFrames; t++ {
		for f := 0; f < nFreq; f++ {
			r := re.At(t, f)
			i := im.At(t, f)
			power.Set(t, f, r*r+i*i)
		}
	}

	// Mel projection, shape [NMels, numFrames].
	var melSpec mat.Dense
	melSpec.Mul(fe.melBank, power.T())

	// log10 with floor, clip to global max - 8, rescale (x+4)/4.
	// These constants are part of the model contract: changing them degrades
	// recognition without any error being raised.
	globalMax := math.Inf(-1)
	for m := 0; m < cfg.NMels; m++ {
		row := melSpec.RawRowView(m)
		for t := range row {
			v := row[t]
			if v < 1e-10 {
				v = 1e-10
			}
			v = math.Log10(v)
			row[t] = v
			if v > globalMax {
				globalMax = v
			}
		}
	}
	floor := globalMax - 8.0
	for m := 0; m < cfg.NMels; m++ {
		row := melSpec.RawRowView(m)
		for t := range row {
			v := row[t]
			if v < floor {
				v = floor
			}
			row[t] = (v + 4.0) / 4.0
		}
	}

	return &melSpec
}

// reflectPad mirrors pad samples on each side of x, excluding the edge
// sample itself (numpy "reflect" mode).
func reflectPad(x []float64, pad int) []float64 {
	out := make([]float64, len(x)+2*pad)
	copy(out[pad:], x)
	for i := 0; i < pad; i++ {
		out[pad-1-i] = x[(i+1)%len(x)]
		out[pad+len(x)+i] = x[len(x)-2-(i%len(x))]
	}
	return out
}

// hannWindow returns a periodic Hann window of size n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// dftBasis precomputes cosine and sine basis matrices for a direct discrete
// transform of (non-power-of-two) size n. Only the non-negative frequencies
// are kept: both matrices have shape [n/2+1, n].
func dftBasis(n int) (cos, sin *mat.Dense) {
	nFreq := n/2 + 1
	cos = mat.NewDense(nFreq, n, nil)
	sin = mat.NewDense(nFreq, n, nil)
	for f := 0; f < nFreq; f++ {
		for i := 0; i < n; i++ {
			angle := 2 * math.Pi * float64(f) * float64(i) / float64(n)
			cos.Set(f, i, math.Cos(angle))
			sin.Set(f, i, -math.Sin(angle))
		}
	}
	return cos, sin
}

// Slaney mel scale: linear below the 1000 Hz break frequency, logarithmic
// above it.
const (
	melBreakHz   = 1000.0
	melLinearHz  = 200.0 / 3.0
	melBreak     = melBreakHz / melLinearHz
	melLogFactor = 27.0 // steps between 1000 Hz and 6400 Hz
)

func hzToMel(hz float64) float64 {
	if hz < melBreakHz {
		return hz / melLinearHz
	}
	return melBreak + math.Log(hz/melBreakHz)*melLogFactor/math.Log(6.4)
}

func melToHz(mel float64) float64 {
	if mel < melBreak {
		return mel * melLinearHz
	}
	return melBreakHz * math.Exp(math.Log(6.4)*(mel-melBreak)/melLogFactor)
}

// slaneyMelBank builds the triangular, Slaney-normalized mel filterbank
// matrix of shape [nMels, nFFT/2+1].
func slaneyMelBank(nMels, nFFT, sampleRate int) *mat.Dense {
	nFreq := nFFT/2 + 1

	fftFreqs := make([]float64, nFreq)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nFFT)
	}

	// nMels+2 band edges, evenly spaced on the mel scale.
	minMel := hzToMel(0)
	maxMel := hzToMel(float64(sampleRate) / 2)
	edges := make([]float64, nMels+2)
	for i := range edges {
		edges[i] = melToHz(minMel + float64(i)*(maxMel-minMel)/float64(nMels+1))
	}

	bank := mat.NewDense(nMels, nFreq, nil)
	for m := 0; m < nMels; m++ {
		lower := edges[m]
		center := edges[m+1]
		upper := edges[m+2]
		// Slaney normalization: constant energy per band.
		enorm := 2.0 / (upper - lower)
		for k := 0; k < nFreq; k++ {
			f := fftFreqs[k]
			rising := (f - lower) / (center - lower)
			falling := (upper - f) / (upper - center)
			w := math.Min(rising, falling)
			if w < 0 {
				w = 0
			}
			bank.Set(m, k, w*enorm)
		}
	}
	return bank
}
