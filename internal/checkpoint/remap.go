package checkpoint

import "strings"

// legacyPrefix is the key namespace the legacy trainer wrapper prepends to
// every weight when it saves the full training graph.
const legacyPrefix = "xtts."

// trainingOnlyFamilies are top-level submodules present in training
// checkpoints but absent from the inference model: the style-encoder and
// dvae mel transforms, and the dvae itself.
var trainingOnlyFamilies = map[string]struct{}{
	"torch_mel_spectrogram_style_encoder": {},
	"torch_mel_spectrogram_dvae":          {},
	"dvae":                                {},
}

// RemapKey maps a checkpoint weight name to its runtime name. It strips the
// legacy trainer prefix and drops keys belonging to training-only
// submodules. Pure function; independent of any loading mechanism.
func RemapKey(name string) (mapped string, keep bool) {
	mapped = strings.TrimPrefix(name, legacyPrefix)

	family, _, _ := strings.Cut(mapped, ".")
	if _, drop := trainingOnlyFamilies[family]; drop {
		return "", false
	}

	return mapped, true
}

// RemapStateDict applies RemapKey to every entry of a state dict. Later
// duplicates (a prefixed and an unprefixed form of the same key) keep the
// first mapping encountered.
func RemapStateDict(sd StateDict) StateDict {
	out := make(StateDict, len(sd))
	for name, t := range sd {
		mapped, keep := RemapKey(name)
		if !keep {
			continue
		}
		if _, exists := out[mapped]; exists {
			continue
		}
		out[mapped] = t
	}

	return out
}
