// Package mel converts raw waveforms into the log-compressed, normalized
// mel-spectrogram features consumed by the style encoder and the diffusion
// conditioning path.
package mel

import (
	"errors"
	"fmt"
	"math"
)

// melFloor clamps spectrogram magnitudes before the logarithm so silent
// frames do not produce -Inf.
const melFloor = 1e-5

// Params describes one spectrogram analysis configuration.
type Params struct {
	SampleRate int
	NFFT       int
	HopLength  int
	WinLength  int
	NMels      int
	Power      float64
	FMin       float64
	FMax       float64
}

// CloningParams is the lower-resolution analysis preset used for style
// conditioning when the model's style encoder operates on coarse frames.
func CloningParams() Params {
	return Params{
		SampleRate: 22050,
		NFFT:       4096,
		HopLength:  1024,
		WinLength:  4096,
		NMels:      80,
		Power:      2,
		FMin:       0,
		FMax:       8000,
	}
}

// CloningParamsHighRes is the higher-resolution preset selected when the
// model config enables the perceiver-resampler style encoder.
func CloningParamsHighRes() Params {
	return Params{
		SampleRate: 22050,
		NFFT:       2048,
		HopLength:  256,
		WinLength:  1024,
		NMels:      80,
		Power:      2,
		FMin:       0,
		FMax:       8000,
	}
}

// UnivnetParams is the 24 kHz preset feeding the diffusion decoder's
// conditioning encoder. No normalization stats are applied on this path.
func UnivnetParams() Params {
	return Params{
		SampleRate: 24000,
		NFFT:       1024,
		HopLength:  256,
		WinLength:  1024,
		NMels:      100,
		Power:      2,
		FMin:       0,
		FMax:       12000,
	}
}

// Extractor computes mel spectrograms for a fixed Params set. Construction
// precomputes the analysis window and filterbank; Spectrogram calls are
// deterministic and safe for repeated use on one goroutine.
type Extractor struct {
	params  Params
	window  []float64
	filters [][]float64 // [NMels][NFFT/2+1]
	norms   []float32   // optional per-bin divisors, len == NMels
}

// NewExtractor builds an extractor. norms may be nil, in which case the
// log-mel output is returned undivided; otherwise len(norms) must equal
// p.NMels.
func NewExtractor(p Params, norms []float32) (*Extractor, error) {
	if !isPowerOfTwo(p.NFFT) {
		return nil, fmt.Errorf("mel: NFFT must be a power of two, got %d", p.NFFT)
	}
	if p.WinLength > p.NFFT {
		return nil, fmt.Errorf("mel: window length %d exceeds NFFT %d", p.WinLength, p.NFFT)
	}
	if p.HopLength < 1 {
		return nil, fmt.Errorf("mel: hop length must be >= 1, got %d", p.HopLength)
	}
	if p.NMels < 1 {
		return nil, fmt.Errorf("mel: NMels must be >= 1, got %d", p.NMels)
	}
	if norms != nil && len(norms) != p.NMels {
		return nil, fmt.Errorf("mel: %d normalization stats do not match %d mel bins", len(norms), p.NMels)
	}

	return &Extractor{
		params:  p,
		window:  hannWindow(p.WinLength),
		filters: melFilterbank(p),
		norms:   norms,
	}, nil
}

// Params returns the analysis configuration.
func (e *Extractor) Params() Params { return e.params }

// Spectrogram computes the log-compressed mel spectrogram of mono samples at
// the extractor's sample rate. The result is [NMels][frames]; when
// normalization stats are present each mel row is divided by its stat.
func (e *Extractor) Spectrogram(samples []float32) ([][]float32, error) {
	if len(samples) == 0 {
		return nil, errors.New("mel: empty input waveform")
	}

	p := e.params
	padded := reflectPad(samples, p.NFFT/2)
	nFrames := 1 + (len(padded)-p.NFFT)/p.HopLength
	if nFrames < 1 {
		nFrames = 1
	}

	nBins := p.NFFT/2 + 1
	power := make([]float64, nBins)
	re := make([]float64, p.NFFT)
	im := make([]float64, p.NFFT)

	out := make([][]float32, p.NMels)
	for m := range out {
		out[m] = make([]float32, nFrames)
	}

	// Center the window inside the FFT frame, as torch-style STFTs do when
	// win_length < n_fft.
	winOffset := (p.NFFT - p.WinLength) / 2

	for f := range nFrames {
		start := f * p.HopLength

		for i := range re {
			re[i] = 0
			im[i] = 0
		}
		for i := range p.WinLength {
			idx := start + i
			if idx >= len(padded) {
				break
			}
			re[winOffset+i] = float64(padded[idx]) * e.window[i]
		}

		fft(re, im)

		for b := range nBins {
			mag := math.Hypot(re[b], im[b])
			if p.Power == 2 {
				power[b] = mag * mag
			} else {
				power[b] = math.Pow(mag, p.Power)
			}
		}

		for m := range p.NMels {
			var acc float64
			row := e.filters[m]
			for b := range nBins {
				acc += row[b] * power[b]
			}
			if acc < melFloor {
				acc = melFloor
			}
			v := math.Log(acc)
			if e.norms != nil {
				v /= float64(e.norms[m])
			}
			out[m][f] = float32(v)
		}
	}

	return out, nil
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// reflectPad mirrors pad samples on both ends so the first analysis frame is
// centered on sample zero.
func reflectPad(samples []float32, pad int) []float32 {
	n := len(samples)
	if pad >= n {
		pad = n - 1
	}
	if pad < 0 {
		pad = 0
	}

	out := make([]float32, 0, n+2*pad)
	for i := pad; i > 0; i-- {
		out = append(out, samples[i])
	}
	out = append(out, samples...)
	for i := n - 2; i >= n-1-pad && i >= 0; i-- {
		out = append(out, samples[i])
	}
	return out
}

// hzToMel and melToHz use the HTK mel scale.
func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds triangular mel filters with slaney-style area
// normalization (each filter scaled by 2 / bandwidth).
func melFilterbank(p Params) [][]float64 {
	nBins := p.NFFT/2 + 1
	fMax := p.FMax
	if fMax <= 0 {
		fMax = float64(p.SampleRate) / 2
	}

	melMin := hzToMel(p.FMin)
	melMax := hzToMel(fMax)

	// NMels+2 edge points, linearly spaced on the mel scale.
	edges := make([]float64, p.NMels+2)
	for i := range edges {
		m := melMin + (melMax-melMin)*float64(i)/float64(p.NMels+1)
		edges[i] = melToHz(m)
	}

	binHz := float64(p.SampleRate) / float64(p.NFFT)
	filters := make([][]float64, p.NMels)

	for m := range p.NMels {
		lower, center, upper := edges[m], edges[m+1], edges[m+2]
		row := make([]float64, nBins)

		enorm := 2.0 / (upper - lower)
		for b := range nBins {
			hz := float64(b) * binHz
			switch {
			case hz <= lower || hz >= upper:
				// outside the triangle
			case hz <= center:
				row[b] = enorm * (hz - lower) / (center - lower)
			default:
				row[b] = enorm * (upper - hz) / (upper - center)
			}
		}
		filters[m] = row
	}

	return filters
}
