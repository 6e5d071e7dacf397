package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/go-xtts/internal/audio"
	"github.com/example/go-xtts/internal/tensor"
)

// ErrNoReferenceAudio is returned when conditioning extraction is attempted
// with an empty source list.
var ErrNoReferenceAudio = errors.New("no reference audio sources given")

// Sample rates of the three conditioning paths.
const (
	speakerEncoderRate = 16000
	styleLatentRate    = 22050
	diffusionCondRate  = 24000
)

// refPeakTarget is the peak level reference clips are normalized to when
// peak normalization is requested.
const refPeakTarget = 0.75

// ConditioningOptions controls reference-audio preprocessing.
type ConditioningOptions struct {
	CloneSeconds  float64 // leading window fed to the style encoder, default 6
	MaxRefSeconds float64 // per-clip cap applied before anything else, default 10
	TrimDB        float64 // silence-trim threshold in dB, 0 disables
	PeakNormalize bool    // normalize each clip to 0.75 full scale
}

// DefaultConditioningOptions returns the documented defaults.
func DefaultConditioningOptions() ConditioningOptions {
	return ConditioningOptions{
		CloneSeconds:  6,
		MaxRefSeconds: 10,
	}
}

func (o ConditioningOptions) withDefaults() ConditioningOptions {
	def := DefaultConditioningOptions()
	if o.CloneSeconds == 0 {
		o.CloneSeconds = def.CloneSeconds
	}
	if o.MaxRefSeconds == 0 {
		o.MaxRefSeconds = def.MaxRefSeconds
	}

	return o
}

// Conditioning carries the signals derived from reference audio. Style and
// Speaker are always present; Diffusion is filled only when the engine has a
// diffusion decoder attached.
type Conditioning struct {
	Style     *tensor.Tensor // [1, T, LatentDim]
	Speaker   *tensor.Tensor // [1, SpeakerEmbedDim]
	Diffusion *tensor.Tensor // diffusion decoder conditioning, optional
}

// GetConditioningLatents derives the conditioning latent and speaker
// embedding from one or more reference audio files.
//
// Per clip: cap at MaxRefSeconds, downmix to mono, optional peak
// normalization, optional silence trim, then a 16 kHz speaker embedding.
// The style latent is computed once over the concatenation of all processed
// clips, truncated to the leading CloneSeconds window at 22.05 kHz. Multiple
// clips yield the unweighted mean of the per-clip speaker embeddings.
func (e *Engine) GetConditioningLatents(sources []string, opts ConditioningOptions) (*Conditioning, error) {
	if len(sources) == 0 {
		return nil, ErrNoReferenceAudio
	}

	opts = opts.withDefaults()

	var (
		embeddings []*tensor.Tensor
		clips      [][]float32 // mono, 22.05 kHz, post-cap
	)

	for _, src := range sources {
		clip, err := audio.DecodeWAVFile(src)
		if err != nil {
			return nil, err
		}

		mono := prepareReferenceClip(clip, opts)
		if len(mono) == 0 {
			return nil, fmt.Errorf("reference clip %s is empty after preprocessing", src)
		}

		emb, err := e.speakerEmbedding(mono, clip.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("speaker embedding for %s: %w", src, err)
		}
		embeddings = append(embeddings, emb)

		clips = append(clips, audio.Resample(mono, clip.SampleRate, styleLatentRate))
	}

	style, err := e.styleLatent(clips, opts.CloneSeconds)
	if err != nil {
		return nil, err
	}

	speaker, err := tensor.MeanStack(embeddings)
	if err != nil {
		return nil, fmt.Errorf("pool speaker embeddings: %w", err)
	}

	cond := &Conditioning{Style: style, Speaker: speaker}

	if e.diff != nil {
		diffCond, err := e.diffusionConditioning(clips)
		if err != nil {
			return nil, err
		}
		cond.Diffusion = diffCond
	}

	slog.Debug("conditioning extracted",
		"clips", len(sources),
		"style_frames", style.Shape()[1],
		"has_diffusion", cond.Diffusion != nil,
	)

	return cond, nil
}

// prepareReferenceClip applies the per-clip preprocessing chain at the
// clip's native rate: max-length cap, mono downmix, optional peak
// normalization, optional dB silence trim.
func prepareReferenceClip(clip audio.Clip, opts ConditioningOptions) []float32 {
	maxSamples := int(opts.MaxRefSeconds * float64(clip.SampleRate) * float64(clip.Channels))
	samples := clip.Samples
	if len(samples) > maxSamples {
		samples = samples[:maxSamples]
	}

	mono := audio.DownmixMono(samples, clip.Channels)

	if opts.PeakNormalize {
		mono = audio.PeakNormalize(mono, refPeakTarget)
	}
	if opts.TrimDB > 0 {
		mono = audio.TrimSilenceDB(mono, opts.TrimDB)
	}

	return mono
}

// speakerEmbedding resamples a mono clip to 16 kHz, runs the speaker
// encoder, and L2-normalizes the result.
func (e *Engine) speakerEmbedding(mono []float32, srcRate int) (*tensor.Tensor, error) {
	resampled := audio.Resample(mono, srcRate, speakerEncoderRate)

	emb, err := e.spkEnc.Embed(resampled)
	if err != nil {
		return nil, err
	}

	return l2Normalize(emb)
}

// styleLatent concatenates the processed clips, keeps the leading
// clone-window, extracts the cloning mel, and runs the transformer's style
// embedding.
func (e *Engine) styleLatent(clips [][]float32, cloneSeconds float64) (*tensor.Tensor, error) {
	var full []float32
	for _, c := range clips {
		full = append(full, c...)
	}

	limit := int(cloneSeconds * styleLatentRate)
	if len(full) > limit {
		full = full[:limit]
	}

	spec, err := e.cloningMel.Spectrogram(full)
	if err != nil {
		return nil, fmt.Errorf("cloning mel: %w", err)
	}

	melT, err := tensor.FromRows(spec)
	if err != nil {
		return nil, err
	}

	latent, err := e.tf.StyleEmbedding(melT)
	if err != nil {
		return nil, fmt.Errorf("style embedding: %w", err)
	}

	return latent, nil
}

// diffusionConditioning builds the chunk-stacked 24 kHz mel representation
// for the diffusion decoder. Chunking happens per clip, matching the
// reference conditioning path; the final partial chunk of each clip is
// zero-padded to the full chunk size, never truncated below it.
func (e *Engine) diffusionConditioning(clips [][]float32) (*tensor.Tensor, error) {
	chunkSize := e.cfg.DiffusionChunkSamples

	var chunkMels []*tensor.Tensor
	for _, clip := range clips {
		resampled := audio.Resample(clip, styleLatentRate, diffusionCondRate)

		nChunks := int(math.Ceil(float64(len(resampled)) / float64(chunkSize)))
		for i := range nChunks {
			start := i * chunkSize
			end := start + chunkSize
			if end > len(resampled) {
				end = len(resampled)
			}

			chunk := audio.PadOrTruncate(resampled[start:end], chunkSize)

			spec, err := e.univnetMel.Spectrogram(chunk)
			if err != nil {
				return nil, fmt.Errorf("diffusion conditioning mel: %w", err)
			}

			melT, err := tensor.FromRows(spec)
			if err != nil {
				return nil, err
			}
			chunkMels = append(chunkMels, melT)
		}
	}

	if len(chunkMels) == 0 {
		return nil, ErrNoReferenceAudio
	}

	// [1, NMels, T] per chunk -> [1, nChunks, NMels, T].
	shape := chunkMels[0].Shape()
	stacked := make([]*tensor.Tensor, 0, len(chunkMels))
	for _, m := range chunkMels {
		r, err := m.Reshape([]int64{1, 1, shape[1], shape[2]})
		if err != nil {
			return nil, err
		}
		stacked = append(stacked, r)
	}

	melStack, err := tensor.Concat(stacked, 1)
	if err != nil {
		return nil, err
	}

	return e.diff.Conditioning(melStack)
}

// l2Normalize scales the tensor to unit Euclidean norm.
func l2Normalize(t *tensor.Tensor) (*tensor.Tensor, error) {
	data := t.Data()

	var sum float64
	for _, v := range data {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return tensor.New(data, t.Shape())
	}

	for i := range data {
		data[i] = float32(float64(data[i]) / norm)
	}

	return tensor.New(data, t.Shape())
}
