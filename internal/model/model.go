// Package model defines the contracts of the heavy network collaborators:
// the autoregressive transformer, the speaker encoder, the vocoders, and the
// diffusion denoiser. Implementations live in internal/onnx; tests use
// in-package fakes.
package model

import (
	"github.com/example/go-xtts/internal/tensor"
)

// Config fixes the dimensions and token constants of one model release.
// These never vary per inference call.
type Config struct {
	MaxTextTokens         int   // generation fails at or beyond this token count
	MaxAudioTokens        int   // hard cap on generated audio codes
	NumAudioTokens        int   // audio-code alphabet size (incl. start/stop)
	StartAudioToken       int64 // BOS for the audio-code stream
	StopAudioToken        int64 // transformer's internal stop condition
	SilenceToken          int64 // filler code used for trailing-silence truncation
	CodeStrideLen         int   // output samples implied per audio code
	LatentDim             int   // conditioning/hidden latent width
	SpeakerEmbedDim       int   // fixed speaker-embedding width
	InputSampleRate       int   // rate the transformer's analysis operates at
	OutputSampleRate      int   // rate of synthesized waveforms
	DiffusionChunkSamples int   // fixed chunk size for diffusion conditioning
	UsePerceiverResampler bool  // selects the high-resolution cloning mel preset
}

// DefaultConfig returns the released model's dimensions.
func DefaultConfig() Config {
	return Config{
		MaxTextTokens:         402,
		MaxAudioTokens:        605,
		NumAudioTokens:        8194,
		StartAudioToken:       8192,
		StopAudioToken:        8193,
		SilenceToken:          83,
		CodeStrideLen:         1024,
		LatentDim:             1024,
		SpeakerEmbedDim:       512,
		InputSampleRate:       22050,
		OutputSampleRate:      24000,
		DiffusionChunkSamples: 102400,
		UsePerceiverResampler: false,
	}
}

// DecodeState is opaque per-sequence incremental decoding state owned by a
// Transformer implementation (typically a KV cache).
type DecodeState interface{}

// Transformer is the autoregressive text-and-style-conditioned code model.
type Transformer interface {
	// StyleEmbedding maps a cloning mel spectrogram [1, NMels, T] to the
	// conditioning latent sequence [1, T', LatentDim].
	StyleEmbedding(mel *tensor.Tensor) (*tensor.Tensor, error)

	// Prime builds incremental decoding state from text tokens and the
	// conditioning latent. The returned state is single-sequence and not
	// safe for concurrent use.
	Prime(textTokens []int64, cond *tensor.Tensor) (DecodeState, error)

	// Step feeds the previously emitted code and returns raw logits over
	// the audio-code alphabet together with the hidden latent
	// [1, 1, LatentDim] for the new position.
	Step(state DecodeState, prevCode int64) (logits []float32, latent *tensor.Tensor, err error)

	// Latents re-runs the model teacher-forced over a complete code
	// sequence and returns the aligned latents [1, len(codes), LatentDim].
	Latents(textTokens []int64, codes []int64, cond *tensor.Tensor, expectedOutputLen int) (*tensor.Tensor, error)
}

// SpeakerEncoder embeds 16 kHz mono reference audio into a fixed-size
// speaker vector [1, SpeakerEmbedDim]. Output normalization is handled by
// the conditioning builder.
type SpeakerEncoder interface {
	Embed(samples []float32) (*tensor.Tensor, error)
}

// Vocoder converts latents [1, T, LatentDim] plus a speaker embedding into a
// waveform at OutputSampleRate. Deterministic for identical inputs.
type Vocoder interface {
	Synthesize(latents, speaker *tensor.Tensor) ([]float32, error)
}

// DiffusionNet is the iterative mel denoiser used by the diffusion decoder
// branch.
type DiffusionNet interface {
	// Conditioning reduces stacked reference mel chunks
	// [1, nChunks, NMels, T] to the diffusion conditioning latent.
	Conditioning(melChunks *tensor.Tensor) (*tensor.Tensor, error)

	// AlignedEmbeddings precomputes the timestep-independent embeddings for
	// a latent sequence at the given output length.
	AlignedEmbeddings(latents, cond *tensor.Tensor, outputLen int) (*tensor.Tensor, error)

	// Denoise runs the network at training-schedule timestep t on
	// x [1, C, L]. When unconditional is true the aligned conditioning is
	// dropped (the guidance pass). The output is [1, 2C, L]: the epsilon
	// prediction stacked with the learned-range variance channels.
	Denoise(x *tensor.Tensor, t int, aligned *tensor.Tensor, unconditional bool) (*tensor.Tensor, error)
}

// MelVocoder converts a de-normalized mel spectrogram [1, NMels, T] into a
// waveform at OutputSampleRate (the diffusion branch's final stage).
type MelVocoder interface {
	SynthesizeMel(mel *tensor.Tensor) ([]float32, error)
}
