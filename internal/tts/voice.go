package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Voice names a speaker and the reference recordings it is cloned from.
type Voice struct {
	ID       string   `json:"id"`
	Refs     []string `json:"refs"`
	Language string   `json:"language"`
	License  string   `json:"license"`
}

type voiceManifest struct {
	Voices []Voice `json:"voices"`
}

type VoiceManager struct {
	manifestPath string
	baseDir      string
	voices       []Voice
	byID         map[string]Voice
}

func NewVoiceManager(manifestPath string) (*VoiceManager, error) {
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read voice manifest: %w", err)
	}

	var manifest voiceManifest

	err = json.Unmarshal(data, &manifest)
	if err != nil {
		return nil, fmt.Errorf("decode voice manifest: %w", err)
	}

	mgr := &VoiceManager{
		manifestPath: manifestPath,
		baseDir:      filepath.Dir(manifestPath),
		voices:       append([]Voice(nil), manifest.Voices...),
		byID:         make(map[string]Voice, len(manifest.Voices)),
	}

	for _, v := range manifest.Voices {
		if v.ID == "" {
			return nil, errors.New("voice manifest contains empty id")
		}

		if len(v.Refs) == 0 {
			return nil, fmt.Errorf("voice %q has no reference recordings", v.ID)
		}

		if _, exists := mgr.byID[v.ID]; exists {
			return nil, fmt.Errorf("duplicate voice id %q", v.ID)
		}

		mgr.byID[v.ID] = v
	}

	return mgr, nil
}

func (m *VoiceManager) ListVoices() []Voice {
	return append([]Voice(nil), m.voices...)
}

// ResolveRefs returns the absolute reference recording paths for a voice,
// verifying each file exists.
func (m *VoiceManager) ResolveRefs(id string) ([]string, error) {
	v, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown voice id %q", id)
	}

	out := make([]string, 0, len(v.Refs))
	for _, ref := range v.Refs {
		resolved := ref
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(m.baseDir, ref)
		}

		resolved = filepath.Clean(resolved)

		_, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("reference file for %q: %w", id, err)
		}

		out = append(out, resolved)
	}

	return out, nil
}

// ResolveVoice turns a voice name or a direct WAV path into reference paths.
// A value ending in .wav bypasses the manifest.
func ResolveVoice(mgr *VoiceManager, nameOrPath string) ([]string, error) {
	if nameOrPath == "" {
		return nil, errors.New("voice name or reference path is required")
	}

	if strings.HasSuffix(strings.ToLower(nameOrPath), ".wav") {
		_, err := os.Stat(nameOrPath)
		if err != nil {
			return nil, fmt.Errorf("reference file: %w", err)
		}
		return []string{nameOrPath}, nil
	}

	if mgr == nil {
		return nil, fmt.Errorf("no voice manifest loaded, cannot resolve voice %q", nameOrPath)
	}

	return mgr.ResolveRefs(nameOrPath)
}
