package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-xtts/internal/model"
	"github.com/example/go-xtts/internal/tensor"
)

// Diffusion decoder constants. The denoiser was trained on a 4000-step
// linear schedule over 100-bin mels normalized to [-1, 1].
const (
	trainedDiffusionSteps = 4000
	diffusionMelChannels  = 100

	tacotronMelMax = 2.3026
	tacotronMelMin = -11.512925
)

// diffusionSchedule is a reduced-step respacing of the training schedule.
type diffusionSchedule struct {
	timesteps         []int // kept training timesteps, ascending
	betas             []float64
	alphas            []float64
	alphasCumprod     []float64
	alphasCumprodPrev []float64
}

// spaceTimesteps selects desired evenly strided timesteps out of the
// trained-step range.
func spaceTimesteps(trained, desired int) []int {
	if desired >= trained {
		out := make([]int, trained)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if desired < 1 {
		desired = 1
	}

	fracStride := 1.0
	if desired > 1 {
		fracStride = float64(trained-1) / float64(desired-1)
	}

	out := make([]int, 0, desired)
	cur := 0.0
	last := -1
	for range desired {
		t := int(math.Round(cur))
		if t != last {
			out = append(out, t)
			last = t
		}
		cur += fracStride
	}

	return out
}

// linearBetas reproduces the training beta schedule: a linspace scaled for
// the trained step count.
func linearBetas(trained int) []float64 {
	scale := 1000.0 / float64(trained)
	start := scale * 0.0001
	end := scale * 0.02

	out := make([]float64, trained)
	for i := range out {
		out[i] = start + (end-start)*float64(i)/float64(trained-1)
	}

	return out
}

// newDiffusionSchedule builds the respaced schedule used at inference.
func newDiffusionSchedule(trained, desired int) *diffusionSchedule {
	fullBetas := linearBetas(trained)

	acp := make([]float64, trained)
	run := 1.0
	for i, b := range fullBetas {
		run *= 1 - b
		acp[i] = run
	}

	kept := spaceTimesteps(trained, desired)

	s := &diffusionSchedule{timesteps: kept}
	lastACP := 1.0
	for _, t := range kept {
		beta := 1 - acp[t]/lastACP
		lastACP = acp[t]

		s.betas = append(s.betas, beta)
		s.alphas = append(s.alphas, 1-beta)
		s.alphasCumprod = append(s.alphasCumprod, lastACP)
	}

	s.alphasCumprodPrev = make([]float64, len(s.alphasCumprod))
	s.alphasCumprodPrev[0] = 1.0
	copy(s.alphasCumprodPrev[1:], s.alphasCumprod)

	return s
}

// sampleLoop iteratively denoises x (modified in place and returned) from
// the last kept timestep down to zero.
func (s *diffusionSchedule) sampleLoop(
	net model.DiffusionNet,
	x []float32,
	shape []int64,
	aligned *tensor.Tensor,
	set Settings,
	rng *rand.Rand,
) ([]float32, error) {
	switch set.Sampler {
	case SamplerDDIM, SamplerDDPM:
	default:
		return nil, fmt.Errorf("unknown diffusion sampler %q", set.Sampler)
	}

	n := len(x)

	for i := len(s.timesteps) - 1; i >= 0; i-- {
		eps, variance, err := s.guidedEpsilon(net, x, shape, aligned, i, set)
		if err != nil {
			return nil, err
		}

		acp := s.alphasCumprod[i]
		acpPrev := s.alphasCumprodPrev[i]
		sqrtACP := math.Sqrt(acp)
		sqrtOneMinusACP := math.Sqrt(1 - acp)

		switch set.Sampler {
		case SamplerDDIM:
			// Deterministic (eta = 0) update.
			sqrtACPPrev := math.Sqrt(acpPrev)
			sqrtOneMinusACPPrev := math.Sqrt(1 - acpPrev)
			for j := range n {
				x0 := (float64(x[j]) - sqrtOneMinusACP*float64(eps[j])) / sqrtACP
				x0 = clampUnit(x0)
				x[j] = float32(sqrtACPPrev*x0 + sqrtOneMinusACPPrev*float64(eps[j]))
			}

		case SamplerDDPM:
			beta := s.betas[i]
			alpha := s.alphas[i]
			posteriorVar := beta * (1 - acpPrev) / (1 - acp)
			posteriorLogVar := math.Log(math.Max(posteriorVar, 1e-20))
			maxLogVar := math.Log(math.Max(beta, 1e-20))

			meanCoefX0 := math.Sqrt(acpPrev) * beta / (1 - acp)
			meanCoefXt := math.Sqrt(alpha) * (1 - acpPrev) / (1 - acp)

			for j := range n {
				x0 := (float64(x[j]) - sqrtOneMinusACP*float64(eps[j])) / sqrtACP
				x0 = clampUnit(x0)
				mean := meanCoefX0*x0 + meanCoefXt*float64(x[j])

				if i == 0 {
					x[j] = float32(mean)
					continue
				}

				// Learned-range variance: the net's variance channel
				// interpolates between the posterior and beta log-variances.
				frac := (clampUnit(float64(variance[j])) + 1) / 2
				logVar := frac*maxLogVar + (1-frac)*posteriorLogVar
				x[j] = float32(mean + math.Exp(0.5*logVar)*rng.NormFloat64())
			}
		}
	}

	return x, nil
}

// guidedEpsilon runs the denoiser (twice under conditioning-free guidance)
// and returns the blended epsilon plus the conditioned variance channels.
func (s *diffusionSchedule) guidedEpsilon(
	net model.DiffusionNet,
	x []float32,
	shape []int64,
	aligned *tensor.Tensor,
	step int,
	set Settings,
) (eps, variance []float32, err error) {
	xT, err := tensor.New(x, shape)
	if err != nil {
		return nil, nil, err
	}

	t := s.timesteps[step]

	out, err := net.Denoise(xT, t, aligned, false)
	if err != nil {
		return nil, nil, fmt.Errorf("denoise step %d (t=%d): %w", step, t, err)
	}
	eps, variance, err = splitModelOutput(out, len(x))
	if err != nil {
		return nil, nil, err
	}

	if set.CondFree != nil && *set.CondFree {
		outU, err := net.Denoise(xT, t, aligned, true)
		if err != nil {
			return nil, nil, fmt.Errorf("unconditioned denoise step %d (t=%d): %w", step, t, err)
		}
		epsU, _, err := splitModelOutput(outU, len(x))
		if err != nil {
			return nil, nil, err
		}

		k := set.CondFreeK
		for j := range eps {
			eps[j] = epsU[j] + float32(k)*(eps[j]-epsU[j])
		}
	}

	return eps, variance, nil
}

// splitModelOutput separates the [1, 2C, L] network output into its epsilon
// and variance halves of n elements each.
func splitModelOutput(out *tensor.Tensor, n int) (eps, variance []float32, err error) {
	data := out.Data()
	if len(data) != 2*n {
		return nil, nil, fmt.Errorf("denoiser output has %d values, want %d (epsilon + variance)", len(data), 2*n)
	}

	return data[:n], data[n:], nil
}

// spectrogramDiffusion synthesizes a mel spectrogram from noise conditioned
// on the aligned latents. The output length is derived analytically from the
// latent length and the 22.05 kHz -> 24 kHz resampling ratio.
func (e *Engine) spectrogramDiffusion(latents *tensor.Tensor, diffCond *tensor.Tensor, s Settings, rng *rand.Rand) (*tensor.Tensor, error) {
	latentLen := int(latents.Shape()[1])
	outLen := latentLen * 4 * diffusionCondRate / styleLatentRate

	aligned, err := e.diff.AlignedEmbeddings(latents, diffCond, outLen)
	if err != nil {
		return nil, fmt.Errorf("aligned diffusion embeddings: %w", err)
	}

	shape := []int64{1, diffusionMelChannels, int64(outLen)}
	x := make([]float32, diffusionMelChannels*outLen)
	for j := range x {
		x[j] = float32(rng.NormFloat64() * s.DiffusionTemperature)
	}

	sched := newDiffusionSchedule(trainedDiffusionSteps, s.DecoderIterations)

	out, err := sched.sampleLoop(e.diff, x, shape, aligned, s, rng)
	if err != nil {
		return nil, err
	}

	// De-normalize from [-1, 1] back to the log-mel range.
	for j := range out {
		out[j] = float32((float64(out[j])+1)/2*(tacotronMelMax-tacotronMelMin) + tacotronMelMin)
	}

	return tensor.New(out, shape)
}

func clampUnit(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
