// Package tts wires the loaded model bundle, tokenizer, and voice manifest
// into the synthesis API consumed by the CLI and the HTTP server.
package tts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/example/go-xtts/internal/checkpoint"
	"github.com/example/go-xtts/internal/config"
	"github.com/example/go-xtts/internal/engine"
	"github.com/example/go-xtts/internal/mel"
	"github.com/example/go-xtts/internal/model"
	"github.com/example/go-xtts/internal/onnx"
	"github.com/example/go-xtts/internal/tokenizer"
)

type Service struct {
	cfg    config.Config
	bundle *onnx.Bundle
	eng    *engine.Engine
	voices *VoiceManager

	mu        sync.Mutex
	condCache map[string]*engine.Conditioning
}

// NewService loads the tokenizer, mel statistics, and ONNX bundle, and
// assembles the inference engine.
func NewService(cfg config.Config) (*Service, error) {
	info, err := onnx.Bootstrap(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("bootstrap onnx runtime: %w", err)
	}

	bundle, err := onnx.OpenBundle(cfg.Paths.Manifest, onnx.RunnerConfig{
		LibraryPath: info.LibraryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open model bundle: %w", err)
	}

	paths, pathsErr := checkpoint.Resolve(cfg.Paths.ModelDir)

	vocabPath := cfg.Paths.VocabPath
	if vocabPath == "" {
		if pathsErr != nil {
			bundle.Close()
			return nil, fmt.Errorf("resolve model dir: %w", pathsErr)
		}
		vocabPath = paths.Vocab
	}

	tok, err := tokenizer.NewBPETokenizer(vocabPath)
	if err != nil {
		bundle.Close()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	melNorms, err := loadMelNorms(cfg.Paths.MelStats)
	if err != nil {
		bundle.Close()
		return nil, err
	}
	if melNorms == nil {
		// No dedicated stats file deployed; the checkpoint is the canonical
		// source for the normalization tensor.
		if pathsErr != nil {
			slog.Warn("no checkpoint for mel statistics, cloning mels will be unnormalized",
				"model_dir", cfg.Paths.ModelDir)
		} else {
			w := &inferenceWeights{expectBins: mel.CloningParams().NMels}
			if err := checkpoint.LoadInto(w, paths.Weights, true); err != nil {
				bundle.Close()
				return nil, fmt.Errorf("restore checkpoint state: %w", err)
			}
			melNorms = w.melStats
		}
	}

	eng, err := engine.New(model.DefaultConfig(), engine.Components{
		Tokenizer:      tok,
		Transformer:    bundle.Transformer(),
		SpeakerEncoder: bundle.SpeakerEncoder(),
		Vocoder:        bundle.Vocoder(),
		Diffusion:      bundle.DiffusionNet(),
		MelVocoder:     bundle.MelVocoder(),
		MelNorms:       melNorms,
	}, engine.WithSeed(cfg.TTS.Seed))
	if err != nil {
		bundle.Close()
		return nil, fmt.Errorf("assemble engine: %w", err)
	}

	var voices *VoiceManager
	if cfg.Paths.VoiceDir != "" {
		manifestPath := filepath.Join(cfg.Paths.VoiceDir, "voices.json")
		if _, statErr := os.Stat(manifestPath); statErr == nil {
			voices, err = NewVoiceManager(manifestPath)
			if err != nil {
				bundle.Close()
				return nil, err
			}
		} else {
			slog.Debug("no voice manifest found", "path", manifestPath)
		}
	}

	return &Service{
		cfg:       cfg,
		bundle:    bundle,
		eng:       eng,
		voices:    voices,
		condCache: make(map[string]*engine.Conditioning),
	}, nil
}

// NewServiceWithEngine builds a Service around an already-assembled engine.
// Used by tests and alternate runtimes.
func NewServiceWithEngine(cfg config.Config, eng *engine.Engine, voices *VoiceManager) *Service {
	return &Service{
		cfg:       cfg,
		eng:       eng,
		voices:    voices,
		condCache: make(map[string]*engine.Conditioning),
	}
}

// Engine exposes the underlying engine for callers needing direct access.
func (s *Service) Engine() *engine.Engine { return s.eng }

// Voices lists manifest voices, or nil when no manifest is loaded.
func (s *Service) Voices() []Voice {
	if s.voices == nil {
		return nil
	}
	return s.voices.ListVoices()
}

// Languages lists the language tags the loaded tokenizer accepts.
func (s *Service) Languages() []string { return s.eng.Languages() }

// Conditioning resolves a voice name or WAV path and returns its cloning
// latents, computing and caching them on first use.
func (s *Service) Conditioning(voice string) (*engine.Conditioning, error) {
	s.mu.Lock()
	if cond, ok := s.condCache[voice]; ok {
		s.mu.Unlock()
		return cond, nil
	}
	s.mu.Unlock()

	refs, err := ResolveVoice(s.voices, voice)
	if err != nil {
		return nil, err
	}

	cond, err := s.eng.GetConditioningLatents(refs, engine.ConditioningOptions{})
	if err != nil {
		return nil, fmt.Errorf("conditioning for voice %q: %w", voice, err)
	}

	s.mu.Lock()
	s.condCache[voice] = cond
	s.mu.Unlock()

	return cond, nil
}

// Synthesize runs batch inference for text spoken by the given voice.
func (s *Service) Synthesize(text, language, voice string, set engine.Settings) (*engine.Result, error) {
	cond, err := s.Conditioning(voice)
	if err != nil {
		return nil, err
	}

	return s.eng.Infer(text, language, cond, set)
}

// SynthesizeStream starts chunked inference for low-latency playback.
func (s *Service) SynthesizeStream(text, language, voice string, set engine.Settings) (*engine.Stream, error) {
	cond, err := s.Conditioning(voice)
	if err != nil {
		return nil, err
	}

	return s.eng.InferStream(text, language, cond, set)
}

// Settings derives per-call generation settings from the service config.
func (s *Service) Settings() engine.Settings {
	set := engine.DefaultSettings()
	set.Temperature = s.cfg.TTS.Temperature
	set.DecoderIterations = s.cfg.TTS.DecoderIterations
	set.StreamChunkSize = s.cfg.TTS.StreamChunkSize
	if s.cfg.TTS.Decoder != "" {
		set.Decoder = s.cfg.TTS.Decoder
	}
	return set
}

func (s *Service) Close() {
	if s.bundle != nil {
		s.bundle.Close()
	}
}

// loadMelNorms reads the per-bin mel statistics tensor. A missing file is
// tolerated: the extractor then skips the normalization division.
func loadMelNorms(path string) ([]float32, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		slog.Warn("mel statistics file not found, skipping normalization", "path", path)
		return nil, nil
	}

	w, err := checkpoint.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mel statistics: %w", err)
	}

	t, err := w.Tensor("mel_stats")
	if err != nil {
		return nil, fmt.Errorf("mel statistics: %w", err)
	}

	return t.Data(), nil
}
