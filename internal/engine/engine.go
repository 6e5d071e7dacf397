// Package engine orchestrates voice-cloning inference: conditioning-latent
// extraction from reference audio, autoregressive audio-code generation,
// latent decoding, and waveform synthesis in both batch and streaming form.
// The heavy networks are injected through the interfaces in internal/model.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"github.com/example/go-xtts/internal/mel"
	"github.com/example/go-xtts/internal/model"
	"github.com/example/go-xtts/internal/tensor"
	"github.com/example/go-xtts/internal/tokenizer"
)

var (
	ErrMissingComponent = errors.New("engine: required model component missing")
	ErrNoDecoder        = errors.New("engine: no decoder backend loaded")
)

// Components bundles the injected model collaborators. Transformer,
// SpeakerEncoder, and Tokenizer are mandatory; at least one decoder backend
// (Vocoder, or Diffusion together with MelVocoder) must be present.
type Components struct {
	Tokenizer      tokenizer.Tokenizer
	Transformer    model.Transformer
	SpeakerEncoder model.SpeakerEncoder
	Vocoder        model.Vocoder
	Diffusion      model.DiffusionNet
	MelVocoder     model.MelVocoder

	// MelNorms are the per-bin divisors for the cloning mel extractor,
	// loaded from the checkpoint's mel statistics. Optional.
	MelNorms []float32
}

// Engine runs inference for one loaded model. It is not safe for concurrent
// use; callers needing parallelism run one Engine per goroutine or serialize
// externally.
type Engine struct {
	cfg    model.Config
	tok    tokenizer.Tokenizer
	tf     model.Transformer
	spkEnc model.SpeakerEncoder
	voc    model.Vocoder
	diff   model.DiffusionNet
	melVoc model.MelVocoder

	cloningMel *mel.Extractor
	univnetMel *mel.Extractor

	log  *slog.Logger
	seed int64
}

// Option adjusts Engine construction.
type Option func(*Engine)

// WithLogger replaces the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSeed fixes the sampling RNG seed. Zero (the default) seeds from the
// wall clock per call.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.seed = seed }
}

// New wires an Engine from loaded model components.
func New(cfg model.Config, c Components, opts ...Option) (*Engine, error) {
	if c.Transformer == nil {
		return nil, fmt.Errorf("%w: transformer", ErrMissingComponent)
	}
	if c.SpeakerEncoder == nil {
		return nil, fmt.Errorf("%w: speaker encoder", ErrMissingComponent)
	}
	if c.Tokenizer == nil {
		return nil, fmt.Errorf("%w: tokenizer", ErrMissingComponent)
	}
	if c.Vocoder == nil && (c.Diffusion == nil || c.MelVocoder == nil) {
		return nil, ErrNoDecoder
	}
	if c.Diffusion != nil && c.MelVocoder == nil {
		return nil, fmt.Errorf("%w: diffusion denoiser loaded without a mel vocoder", ErrMissingComponent)
	}

	e := &Engine{
		cfg:    cfg,
		tok:    c.Tokenizer,
		tf:     c.Transformer,
		spkEnc: c.SpeakerEncoder,
		voc:    c.Vocoder,
		diff:   c.Diffusion,
		melVoc: c.MelVocoder,
		log:    slog.Default(),
	}

	cloningParams := mel.CloningParams()
	if cfg.UsePerceiverResampler {
		cloningParams = mel.CloningParamsHighRes()
	}

	var err error
	e.cloningMel, err = mel.NewExtractor(cloningParams, c.MelNorms)
	if err != nil {
		return nil, fmt.Errorf("cloning mel extractor: %w", err)
	}

	if c.Diffusion != nil {
		e.univnetMel, err = mel.NewExtractor(mel.UnivnetParams(), nil)
		if err != nil {
			return nil, fmt.Errorf("univnet mel extractor: %w", err)
		}
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Config returns the model dimensions the engine was built with.
func (e *Engine) Config() model.Config { return e.cfg }

// Languages lists the language tags the tokenizer accepts.
func (e *Engine) Languages() []string { return e.tok.Languages() }

// Result is the output of one batch inference call.
type Result struct {
	// Wav is the synthesized waveform at OutputSampleRate, mono.
	Wav []float32

	// Latents are the decoded transformer latents [1, T, LatentDim],
	// truncated at trailing silence.
	Latents *tensor.Tensor

	// SpeakerEmbedding is the conditioning speaker vector used.
	SpeakerEmbedding *tensor.Tensor
}

// Infer synthesizes speech for text in the given language using previously
// extracted conditioning.
func (e *Engine) Infer(text, language string, cond *Conditioning, s Settings) (*Result, error) {
	s = s.withDefaults()
	if err := e.checkDecoder(s.Decoder); err != nil {
		return nil, err
	}
	if cond == nil || cond.Style == nil || cond.Speaker == nil {
		return nil, errors.New("engine: conditioning latents are required")
	}

	tokens, err := e.encodeText(text, language)
	if err != nil {
		return nil, err
	}

	rng := e.newRNG()
	gen := &generator{tf: e.tf, cfg: e.cfg}

	start := time.Now()
	sequences, err := gen.Generate(tokens, cond.Style, s, rng)
	if err != nil {
		return nil, fmt.Errorf("code generation: %w", err)
	}
	e.log.Debug("codes generated",
		"sequences", len(sequences),
		"codes", len(sequences[0]),
		"took", time.Since(start))

	// With several independent sequences the first is kept; ranking
	// heuristics live above this layer.
	codes := sequences[0]

	start = time.Now()
	latents, err := gen.DecodeLatents(tokens, codes, cond.Style)
	if err != nil {
		return nil, fmt.Errorf("latent decode: %w", err)
	}
	e.log.Debug("latents decoded",
		"frames", latents.Shape()[1],
		"took", time.Since(start))

	start = time.Now()
	wav, err := e.synthesize(latents, cond, s, rng)
	if err != nil {
		return nil, err
	}
	e.log.Debug("waveform synthesized",
		"samples", len(wav),
		"decoder", s.Decoder,
		"took", time.Since(start))

	return &Result{
		Wav:              wav,
		Latents:          latents,
		SpeakerEmbedding: cond.Speaker,
	}, nil
}

// InferStream starts chunked synthesis for low-latency playback. Only the
// direct vocoder backend supports streaming.
func (e *Engine) InferStream(text, language string, cond *Conditioning, s Settings) (*Stream, error) {
	s = s.withDefaults()
	if e.voc == nil {
		return nil, fmt.Errorf("%w: streaming requires the direct vocoder", ErrNoDecoder)
	}
	if s.Decoder != DecoderVocoder {
		return nil, fmt.Errorf("engine: decoder %q does not support streaming", s.Decoder)
	}
	if cond == nil || cond.Style == nil || cond.Speaker == nil {
		return nil, errors.New("engine: conditioning latents are required")
	}

	tokens, err := e.encodeText(text, language)
	if err != nil {
		return nil, err
	}

	gen := &generator{tf: e.tf, cfg: e.cfg}
	cg, err := gen.Incremental(tokens, cond.Style, s, e.newRNG())
	if err != nil {
		return nil, fmt.Errorf("incremental generation: %w", err)
	}

	return &Stream{
		e:    e,
		gen:  cg,
		cond: cond,
		s:    s,
	}, nil
}

// encodeText tokenizes and validates the input against the model's token
// budget.
func (e *Engine) encodeText(text, language string) ([]int64, error) {
	if !slices.Contains(e.tok.Languages(), language) {
		return nil, fmt.Errorf("%w: %q", tokenizer.ErrUnsupportedLanguage, language)
	}

	tokens, err := e.tok.Encode(text, language)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if len(tokens) >= e.cfg.MaxTextTokens {
		return nil, fmt.Errorf("%w: %d tokens, limit %d", ErrTextTooLong, len(tokens), e.cfg.MaxTextTokens)
	}

	return tokens, nil
}

func (e *Engine) checkDecoder(decoder string) error {
	switch decoder {
	case DecoderVocoder:
		if e.voc == nil {
			return fmt.Errorf("%w: vocoder", ErrNoDecoder)
		}
	case DecoderDiffusion:
		if e.diff == nil || e.melVoc == nil {
			return fmt.Errorf("%w: diffusion", ErrNoDecoder)
		}
	default:
		return fmt.Errorf("engine: unknown decoder %q", decoder)
	}
	return nil
}

func (e *Engine) newRNG() *rand.Rand {
	seed := e.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
