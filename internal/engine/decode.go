package engine

import (
	"fmt"

	"github.com/example/go-xtts/internal/tensor"
)

// silenceRunLimit is the longest tolerated run of consecutive silence codes;
// one more truncates the latent sequence.
const silenceRunLimit = 8

// DecodeLatents re-runs the transformer teacher-forced over the generated
// codes and returns the continuous latents with trailing model-generated
// silence removed.
func (g *generator) DecodeLatents(tokens []int64, codes []int64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	expectedOutputLen := len(codes) * g.cfg.CodeStrideLen

	latents, err := g.tf.Latents(tokens, codes, cond, expectedOutputLen)
	if err != nil {
		return nil, fmt.Errorf("teacher-forced latent pass: %w", err)
	}

	return truncateTrailingSilence(latents, codes, g.cfg.SilenceToken)
}

// truncateTrailingSilence scans codes left to right counting consecutive
// occurrences of the silence code; at the first position where the run
// exceeds silenceRunLimit the latents are cut to that position. A run of
// exactly silenceRunLimit is left alone.
func truncateTrailingSilence(latents *tensor.Tensor, codes []int64, silenceCode int64) (*tensor.Tensor, error) {
	run := 0
	for k, c := range codes {
		if c == silenceCode {
			run++
		} else {
			run = 0
		}
		if run > silenceRunLimit {
			return latents.Narrow(1, 0, int64(k))
		}
	}

	return latents, nil
}
