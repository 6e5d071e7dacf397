// Package tokenizer adapts the on-disk BPE vocabulary into the token-id
// sequences the autoregressive transformer consumes.
package tokenizer

import "errors"

// ErrUnsupportedLanguage is returned when the requested language tag has no
// corresponding token in the vocabulary.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Tokenizer converts normalized text plus a language tag into token IDs.
type Tokenizer interface {
	Encode(text, lang string) ([]int64, error)
	Languages() []string
}
