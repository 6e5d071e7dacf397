package engine

import (
	"fmt"
	"math/rand"

	"github.com/example/go-xtts/internal/tensor"
)

// synthesize turns decoded latents into a waveform through the selected
// decoder backend.
func (e *Engine) synthesize(latents *tensor.Tensor, cond *Conditioning, s Settings, rng *rand.Rand) ([]float32, error) {
	switch s.Decoder {
	case DecoderVocoder:
		if e.voc == nil {
			return nil, fmt.Errorf("decoder %q requested but no vocoder is loaded", s.Decoder)
		}

		wav, err := e.voc.Synthesize(latents, cond.Speaker)
		if err != nil {
			return nil, fmt.Errorf("vocoder synthesis: %w", err)
		}
		return wav, nil

	case DecoderDiffusion:
		if e.diff == nil || e.melVoc == nil {
			return nil, fmt.Errorf("decoder %q requested but the diffusion stack is not loaded", s.Decoder)
		}
		if cond.Diffusion == nil {
			return nil, fmt.Errorf("decoder %q requires diffusion conditioning latents", s.Decoder)
		}

		mel, err := e.spectrogramDiffusion(latents, cond.Diffusion, s, rng)
		if err != nil {
			return nil, fmt.Errorf("spectrogram diffusion: %w", err)
		}

		wav, err := e.melVoc.SynthesizeMel(mel)
		if err != nil {
			return nil, fmt.Errorf("mel vocoder synthesis: %w", err)
		}
		return wav, nil

	default:
		return nil, fmt.Errorf("unknown decoder %q", s.Decoder)
	}
}
