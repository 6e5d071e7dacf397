package config

import (
	"fmt"
	"strings"
)

const (
	DecoderVocoder   = "vocoder"
	DecoderDiffusion = "diffusion"
)

func NormalizeDecoder(raw string) (string, error) {
	decoder := strings.ToLower(strings.TrimSpace(raw))
	if decoder == "" {
		decoder = DecoderVocoder
	}
	switch decoder {
	case DecoderVocoder, DecoderDiffusion:
		return decoder, nil
	case "hifigan":
		return DecoderVocoder, nil
	default:
		return "", fmt.Errorf(
			"invalid decoder %q (expected %s|%s|hifigan)",
			raw,
			DecoderVocoder,
			DecoderDiffusion,
		)
	}
}
