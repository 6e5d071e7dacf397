package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// langTagPattern matches vocabulary entries that act as language markers,
// e.g. [en], [de], [zh-cn].
var langTagPattern = regexp.MustCompile(`^\[([a-z]{2}(?:-[a-z]{2})?)\]$`)

// BPETokenizer encodes text against a vocab.json vocabulary using greedy
// longest-match. The vocabulary file is either a flat token→id object or a
// HuggingFace tokenizers file with the vocabulary under model.vocab.
type BPETokenizer struct {
	vocab    map[string]int64
	langs    map[string]int64
	langList []string
	maxPiece int
	unkID    int64
	hasUnk   bool
}

type hfTokenizerFile struct {
	Model struct {
		Vocab map[string]int64 `json:"vocab"`
	} `json:"model"`
}

// NewBPETokenizer loads a vocabulary from vocab.json at path.
func NewBPETokenizer(path string) (*BPETokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read vocab: %w", err)
	}

	return NewBPETokenizerFromBytes(data)
}

// NewBPETokenizerFromBytes loads a vocabulary from raw vocab.json bytes.
func NewBPETokenizerFromBytes(data []byte) (*BPETokenizer, error) {
	vocab, err := parseVocab(data)
	if err != nil {
		return nil, err
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: vocabulary is empty")
	}

	t := &BPETokenizer{
		vocab: vocab,
		langs: make(map[string]int64),
	}

	for piece, id := range vocab {
		if len(piece) > t.maxPiece {
			t.maxPiece = len(piece)
		}
		if m := langTagPattern.FindStringSubmatch(piece); m != nil {
			t.langs[m[1]] = id
		}
	}

	if id, ok := vocab["[UNK]"]; ok {
		t.unkID = id
		t.hasUnk = true
	}

	t.langList = make([]string, 0, len(t.langs))
	for lang := range t.langs {
		t.langList = append(t.langList, lang)
	}
	sort.Strings(t.langList)

	return t, nil
}

func parseVocab(data []byte) (map[string]int64, error) {
	var hf hfTokenizerFile
	if err := json.Unmarshal(data, &hf); err == nil && len(hf.Model.Vocab) > 0 {
		return hf.Model.Vocab, nil
	}

	var flat map[string]int64
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("tokenizer: parse vocab: %w", err)
	}

	return flat, nil
}

// Languages returns the supported language tags in sorted order.
func (t *BPETokenizer) Languages() []string {
	return append([]string(nil), t.langList...)
}

// Encode normalizes text (lowercase, collapsed whitespace), prefixes the
// language marker token, and greedily matches the longest vocabulary piece
// at each position. Characters with no vocabulary entry map to [UNK] when
// present and are skipped otherwise.
func (t *BPETokenizer) Encode(text, lang string) ([]int64, error) {
	langID, ok := t.langs[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, lang, strings.Join(t.langList, ","))
	}

	normalized := normalizeText(text)
	ids := []int64{langID}

	runes := []rune(normalized)
	for i := 0; i < len(runes); {
		matched := false
		// Longest match first, bounded by the longest vocabulary piece.
		maxEnd := i + t.maxPiece
		if maxEnd > len(runes) {
			maxEnd = len(runes)
		}
		for end := maxEnd; end > i; end-- {
			if id, ok := t.vocab[string(runes[i:end])]; ok {
				ids = append(ids, id)
				i = end
				matched = true
				break
			}
		}
		if !matched {
			if t.hasUnk {
				ids = append(ids, t.unkID)
			}
			i++
		}
	}

	return ids, nil
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(text))), " ")
}
