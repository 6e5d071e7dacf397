package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/example/go-xtts/internal/tts"
	"github.com/spf13/cobra"
)

func newVoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List voices declared in the voice manifest",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			manifestPath := filepath.Join(cfg.Paths.VoiceDir, "voices.json")
			mgr, err := tts.NewVoiceManager(manifestPath)
			if err != nil {
				return fmt.Errorf("load voice manifest %s: %w", manifestPath, err)
			}

			voices := mgr.ListVoices()
			if len(voices) == 0 {
				_, err := fmt.Fprintln(os.Stdout, "no voices declared")
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tLANGUAGE\tREFS\tLICENSE")
			for _, v := range voices {
				lang := v.Language
				if lang == "" {
					lang = "-"
				}
				license := v.License
				if license == "" {
					license = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", v.ID, lang, len(v.Refs), license)
			}
			return tw.Flush()
		},
	}

	return cmd
}
