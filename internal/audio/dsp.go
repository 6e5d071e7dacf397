package audio

import (
	"math"
)

// DownmixMono averages interleaved channels into a single channel. Mono
// input is returned as a copy so callers can mutate the result freely.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), samples...)
	}

	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}

	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal rates return a copy.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) * float64(dstRate) / float64(srcRate))
	if outLen < 1 {
		outLen = 1
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	return out
}

// PeakNormalize scales samples in place so the peak magnitude equals target.
// Silent input is left untouched.
func PeakNormalize(samples []float32, target float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return samples
	}

	scale := target / peak
	for i := range samples {
		samples[i] *= scale
	}

	return samples
}

// Silence-trim analysis frame geometry, matching the usual librosa defaults.
const (
	trimFrameLength = 2048
	trimHopLength   = 512
)

// TrimSilenceDB removes leading and trailing regions whose frame RMS falls
// more than topDB below the loudest frame. The returned slice aliases the
// input.
func TrimSilenceDB(samples []float32, topDB float64) []float32 {
	if len(samples) == 0 {
		return samples
	}

	rms := frameRMS(samples, trimFrameLength, trimHopLength)
	if len(rms) == 0 {
		return samples
	}

	maxRMS := 0.0
	for _, r := range rms {
		if r > maxRMS {
			maxRMS = r
		}
	}
	if maxRMS == 0 {
		return samples[:0]
	}

	threshold := maxRMS * math.Pow(10, -topDB/20)

	first := -1
	last := -1
	for i, r := range rms {
		if r > threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return samples[:0]
	}

	start := first * trimHopLength
	end := last*trimHopLength + trimFrameLength
	if end > len(samples) {
		end = len(samples)
	}

	return samples[start:end]
}

func frameRMS(samples []float32, frameLength, hopLength int) []float64 {
	if len(samples) < 1 {
		return nil
	}

	nFrames := 1 + (len(samples)-1)/hopLength
	out := make([]float64, 0, nFrames)

	for start := 0; start < len(samples); start += hopLength {
		end := start + frameLength
		if end > len(samples) {
			end = len(samples)
		}

		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s) * float64(s)
		}
		out = append(out, math.Sqrt(sum/float64(end-start)))
	}

	return out
}

// PadOrTruncate returns exactly length samples: zero-padded at the end when
// the input is shorter, left-sliced when longer.
func PadOrTruncate(samples []float32, length int) []float32 {
	if len(samples) == length {
		return append([]float32(nil), samples...)
	}
	if len(samples) > length {
		return append([]float32(nil), samples[:length]...)
	}

	out := make([]float32, length)
	copy(out, samples)

	return out
}
