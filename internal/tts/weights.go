package tts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-xtts/internal/checkpoint"
)

// inferenceCachePrefix marks weight duplicates written by trainers that saved
// the model with inference-mode KV caches already materialized. A strict load
// rejects them until the cache namespace has been initialized.
const inferenceCachePrefix = "gpt.gpt_inference."

// inferenceWeights is the slice of checkpoint state the Go side consumes
// directly. The exported graphs carry the network weights; what remains in
// the checkpoint for this process is the per-bin mel normalization tensor.
type inferenceWeights struct {
	expectBins  int
	melStats    []float32
	cachesReady bool
}

func (w *inferenceWeights) LoadStateDict(sd checkpoint.StateDict, strict bool) error {
	if strict && !w.cachesReady {
		for name := range sd {
			if strings.HasPrefix(name, inferenceCachePrefix) {
				return fmt.Errorf("unexpected inference-cache tensor %q", name)
			}
		}
	}

	stats, ok := sd["mel_stats"]
	if !ok {
		if strict {
			return errors.New("checkpoint is missing mel_stats")
		}
		return nil
	}

	data := stats.Data()
	if w.expectBins > 0 && len(data) != w.expectBins {
		return fmt.Errorf("mel_stats has %d bins, want %d", len(data), w.expectBins)
	}
	w.melStats = data

	return nil
}

func (w *inferenceWeights) InitInferenceCaches() error {
	w.cachesReady = true
	return nil
}
