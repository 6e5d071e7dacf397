package engine

import (
	"math"
	"math/rand"
	"sort"
)

// samplerConfig is the slice of Settings the per-step logit pipeline needs.
type samplerConfig struct {
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
}

// processLogits applies the standard constrained-decoding transforms in
// order — repetition penalty, temperature, top-k, top-p — and returns the
// resulting probability distribution. No bounds checking is performed on the
// knobs; callers own their values.
func processLogits(logits []float32, generated []int64, cfg samplerConfig) []float64 {
	work := make([]float64, len(logits))
	for i, v := range logits {
		work[i] = float64(v)
	}

	// Repetition penalty (CTRL-style): seen codes have positive logits
	// divided and negative logits multiplied by the penalty.
	if cfg.RepetitionPenalty != 0 && cfg.RepetitionPenalty != 1 {
		seen := make(map[int64]struct{}, len(generated))
		for _, c := range generated {
			seen[c] = struct{}{}
		}
		for c := range seen {
			if c < 0 || int(c) >= len(work) {
				continue
			}
			if work[c] > 0 {
				work[c] /= cfg.RepetitionPenalty
			} else {
				work[c] *= cfg.RepetitionPenalty
			}
		}
	}

	if cfg.Temperature > 0 && cfg.Temperature != 1 {
		for i := range work {
			work[i] /= cfg.Temperature
		}
	}

	if cfg.TopK > 0 && cfg.TopK < len(work) {
		threshold := kthLargest(work, cfg.TopK)
		for i := range work {
			if work[i] < threshold {
				work[i] = math.Inf(-1)
			}
		}
	}

	probs := softmaxF64(work)

	if cfg.TopP > 0 && cfg.TopP < 1 {
		probs = nucleusFilter(probs, cfg.TopP)
	}

	return probs
}

// kthLargest returns the k-th largest value of xs (1-based).
func kthLargest(xs []float64, k int) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	return sorted[k-1]
}

func softmaxF64(logits []float64) []float64 {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if v > maxVal {
			maxVal = v
		}
	}

	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(v - maxVal)
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}

	return out
}

// nucleusFilter keeps the smallest probability-descending prefix whose
// cumulative mass reaches p (the first index crossing p is retained), zeroes
// the rest, and renormalizes.
func nucleusFilter(probs []float64, p float64) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	keep := make(map[int]struct{}, len(probs))
	var cum float64
	for _, i := range idx {
		keep[i] = struct{}{}
		cum += probs[i]
		if cum >= p {
			break
		}
	}

	out := make([]float64, len(probs))
	var sum float64
	for i := range probs {
		if _, ok := keep[i]; ok {
			out[i] = probs[i]
			sum += probs[i]
		}
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}

	return out
}

// sampleIndex draws one index from the distribution.
func sampleIndex(probs []float64, rng *rand.Rand) int64 {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return int64(i)
		}
	}

	// Rounding left r above the final cumulative sum; fall back to the last
	// index with non-zero mass.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return int64(i)
		}
	}

	return 0
}

// argmaxIndex returns the index of the largest logit.
func argmaxIndex(logits []float32) int64 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}

	return int64(best)
}
