package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/example/go-xtts/internal/audio"
	"github.com/example/go-xtts/internal/config"
	"github.com/example/go-xtts/internal/tts"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	var text string
	var out string
	var voice string
	var stream bool

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to WAV with a cloned voice",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			decoder, err := config.NormalizeDecoder(cfg.TTS.Decoder)
			if err != nil {
				return err
			}
			cfg.TTS.Decoder = decoder

			inputText, err := readSynthText(text, os.Stdin)
			if err != nil {
				return err
			}

			selectedVoice := cfg.TTS.Voice
			if voice != "" {
				selectedVoice = voice
			}
			if strings.TrimSpace(selectedVoice) == "" {
				return fmt.Errorf("no voice selected: provide --voice or set tts.voice")
			}

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			if stream {
				return synthesizeStreaming(svc, inputText, cfg.TTS.Language, selectedVoice, out)
			}

			result, err := svc.Synthesize(inputText, cfg.TTS.Language, selectedVoice, svc.Settings())
			if err != nil {
				return err
			}

			wavData, err := audio.EncodeWAV(result.Wav)
			if err != nil {
				return fmt.Errorf("encode WAV: %w", err)
			}

			return writeSynthOutput(out, wavData, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice ID from voices.json or reference WAV path (overrides config)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Synthesize in chunks as codes are generated")

	return cmd
}

// synthesizeStreaming writes audio chunk by chunk. Streaming to stdout emits
// an unknown-length WAV header followed by PCM as chunks arrive; streaming to
// a file buffers the samples so the finished file carries exact chunk sizes.
func synthesizeStreaming(svc *tts.Service, text, language, voice, out string) error {
	st, err := svc.SynthesizeStream(text, language, voice, svc.Settings())
	if err != nil {
		return err
	}

	if out == "-" {
		if _, err := audio.WriteWAVHeaderStreaming(os.Stdout); err != nil {
			return fmt.Errorf("write WAV header: %w", err)
		}
		for {
			chunk, err := st.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := audio.WritePCM16Samples(os.Stdout, chunk); err != nil {
				return fmt.Errorf("write PCM chunk: %w", err)
			}
		}
	}

	var samples []float32
	for {
		chunk, err := st.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		samples = append(samples, chunk...)
	}

	wavData, err := audio.EncodeWAV(samples)
	if err != nil {
		return fmt.Errorf("encode WAV: %w", err)
	}
	return writeSynthOutput(out, wavData, os.Stdout)
}

func writeSynthOutput(outPath string, wavData []byte, stdout io.Writer) error {
	if outPath == "-" {
		if stdout == nil {
			return fmt.Errorf("stdout writer is nil")
		}
		_, err := stdout.Write(wavData)
		return err
	}
	return os.WriteFile(outPath, wavData, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return input, nil
}
