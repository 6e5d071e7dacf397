package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/example/go-xtts/internal/checkpoint"
	"github.com/example/go-xtts/internal/onnx"
	"github.com/example/go-xtts/internal/tokenizer"
	"github.com/spf13/cobra"
)

func newModelVerifyCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate checkpoint, vocabulary, and exported ONNX graphs",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if manifestPath == "" {
				manifestPath = cfg.Paths.Manifest
			}

			if err := verifyCheckpoint(cfg.Paths.ModelDir, cfg.Paths.VocabPath); err != nil {
				return err
			}

			if err := verifyGraphs(manifestPath); err != nil {
				return err
			}

			if cfg.Paths.MelStats != "" {
				if _, err := os.Stat(cfg.Paths.MelStats); err != nil {
					slog.Warn("mel statistics file not found", "path", cfg.Paths.MelStats)
					status("⚠ mel stats missing: %s (cloning mels will be unnormalized)", cfg.Paths.MelStats)
				} else {
					status("✓ mel stats: %s", cfg.Paths.MelStats)
				}
			}

			_, err = fmt.Fprintln(os.Stdout, "model verification passed")
			return err
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to ONNX graph manifest (default: configured paths.manifest)")

	return cmd
}

func status(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, "  "+format+"\n", args...)
}

// verifyCheckpoint opens the weights container and reports how many tensor
// entries survive legacy key remapping, then smoke-loads the vocabulary.
func verifyCheckpoint(modelDir, vocabOverride string) error {
	paths, err := checkpoint.Resolve(modelDir)
	if err != nil {
		return err
	}
	status("✓ checkpoint files: %s", modelDir)

	w, err := checkpoint.Open(paths.Weights)
	if err != nil {
		return fmt.Errorf("open weights: %w", err)
	}

	names := w.Names()
	kept := 0
	for _, name := range names {
		if _, keep := checkpoint.RemapKey(name); keep {
			kept++
		}
	}
	if kept == 0 {
		return fmt.Errorf("weights file %s holds no inference tensors", paths.Weights)
	}
	status("✓ weights: %d tensors (%d inference, %d training-only)", len(names), kept, len(names)-kept)

	vocabPath := paths.Vocab
	if vocabOverride != "" {
		vocabPath = vocabOverride
	}
	tok, err := tokenizer.NewBPETokenizer(vocabPath)
	if err != nil {
		return fmt.Errorf("load vocabulary: %w", err)
	}
	status("✓ vocabulary: %s (%d languages)", vocabPath, len(tok.Languages()))

	return nil
}

// verifyGraphs parses the ONNX manifest and reports which decoder paths the
// exported bundle supports. Graph files are stat-checked by the session
// manager during parse.
func verifyGraphs(manifestPath string) error {
	mgr, err := onnx.NewSessionManager(manifestPath)
	if err != nil {
		return fmt.Errorf("load ONNX manifest: %w", err)
	}

	sessions := mgr.Sessions()
	status("✓ ONNX manifest: %s (%d graphs)", manifestPath, len(sessions))

	required := []string{
		onnx.GraphSpeakerEncoder,
		onnx.GraphStyleEncoder,
		onnx.GraphGPTPrime,
		onnx.GraphGPTStep,
		onnx.GraphGPTLatents,
	}
	for _, name := range required {
		if _, ok := mgr.Session(name); !ok {
			return fmt.Errorf("manifest %s is missing required graph %q", manifestPath, name)
		}
	}

	_, hasVocoder := mgr.Session(onnx.GraphVocoder)
	_, hasDiffCond := mgr.Session(onnx.GraphDiffusionCond)
	_, hasDiffAlign := mgr.Session(onnx.GraphDiffusionAlign)
	_, hasDiffStep := mgr.Session(onnx.GraphDiffusionStep)
	_, hasMelVoc := mgr.Session(onnx.GraphMelVocoder)

	hasDiffusion := hasDiffCond && hasDiffAlign && hasDiffStep && hasMelVoc
	if !hasVocoder && !hasDiffusion {
		return fmt.Errorf("manifest %s provides no decoder: need %q or the diffusion graph set", manifestPath, onnx.GraphVocoder)
	}

	if hasVocoder {
		status("✓ vocoder decoder available")
	}
	if hasDiffusion {
		status("✓ diffusion decoder available")
	} else if hasDiffCond || hasDiffAlign || hasDiffStep || hasMelVoc {
		status("⚠ partial diffusion graph set; diffusion decoder disabled")
	}

	return nil
}
