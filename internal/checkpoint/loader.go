package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Restorable is a runtime model that can accept a state dict. Models whose
// strict load depends on inference-mode caches (KV caches and the like)
// expose InitInferenceCaches so the loader can retry after re-initializing
// them.
type Restorable interface {
	LoadStateDict(sd StateDict, strict bool) error
	InitInferenceCaches() error
}

// Paths holds the resolved file locations inside a checkpoint directory.
type Paths struct {
	Weights string
	Vocab   string
}

// Resolve locates the weights and vocabulary files in dir. Both files must
// exist; a missing file is fatal to the load attempt.
func Resolve(dir string) (Paths, error) {
	p := Paths{
		Weights: filepath.Join(dir, WeightsFileName),
		Vocab:   filepath.Join(dir, VocabFileName),
	}

	if _, err := os.Stat(p.Weights); err != nil {
		return Paths{}, fmt.Errorf("checkpoint: weights file: %w", err)
	}
	if _, err := os.Stat(p.Vocab); err != nil {
		return Paths{}, fmt.Errorf("checkpoint: vocab file: %w", err)
	}

	return p, nil
}

// LoadInto opens the weights file, remaps legacy keys, and restores m.
//
// Checkpoint generations differ in whether inference-mode cache weights are
// present. If the strict load fails, the model re-initializes its inference
// caches and the load is retried exactly once; a second failure surfaces to
// the caller.
func LoadInto(m Restorable, weightsPath string, strict bool) error {
	w, err := Open(weightsPath)
	if err != nil {
		return err
	}

	sd, err := w.StateDict()
	if err != nil {
		return err
	}
	sd = RemapStateDict(sd)

	if err := m.LoadStateDict(sd, strict); err == nil {
		return nil
	} else {
		slog.Warn("strict checkpoint load failed, re-initializing inference caches and retrying", "error", err)
	}

	if err := m.InitInferenceCaches(); err != nil {
		return fmt.Errorf("checkpoint: init inference caches: %w", err)
	}

	if err := m.LoadStateDict(sd, strict); err != nil {
		return fmt.Errorf("checkpoint: load after cache re-init: %w", err)
	}

	return nil
}
