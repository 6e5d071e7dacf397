package onnx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeManifest writes manifest.json plus an empty file per referenced graph.
func writeManifest(t *testing.T, dir, content string, graphFiles ...string) string {
	t.Helper()

	for _, name := range graphFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte{}, 0o644); err != nil {
			t.Fatalf("write graph stub %s: %v", name, err)
		}
	}

	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestNewSessionManager(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir, `{
		"graphs": [
			{
				"name": "speaker_encoder",
				"filename": "speaker.onnx",
				"inputs": [{"name": "audio", "dtype": "float32", "shape": [1, null]}],
				"outputs": [{"name": "embedding", "dtype": "float32", "shape": [1, 512]}]
			},
			{
				"name": "vocoder",
				"filename": "vocoder.onnx",
				"inputs": [{"name": "latents"}, {"name": "speaker"}],
				"outputs": [{"name": "wav"}]
			}
		]
	}`, "speaker.onnx", "vocoder.onnx")

	sm, err := NewSessionManager(manifest)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	s, ok := sm.Session("speaker_encoder")
	if !ok {
		t.Fatal("speaker_encoder session missing")
	}
	if s.Path != filepath.Join(dir, "speaker.onnx") {
		t.Errorf("path = %s, want joined against manifest dir", s.Path)
	}
	if len(s.Inputs) != 1 || s.Inputs[0].Name != "audio" {
		t.Errorf("inputs = %+v", s.Inputs)
	}

	if _, ok := sm.Session("gpt_prime"); ok {
		t.Error("undeclared session reported present")
	}

	all := sm.Sessions()
	if len(all) != 2 || all[0].Name != "speaker_encoder" || all[1].Name != "vocoder" {
		t.Errorf("Sessions() order = %v", all)
	}
}

func TestNewSessionManager_errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		manifest string
		files    []string
		wantSub  string
	}{
		{
			name:     "bad json",
			manifest: `{"graphs": [`,
			wantSub:  "decode ONNX manifest",
		},
		{
			name:     "no graphs",
			manifest: `{"graphs": []}`,
			wantSub:  "no graphs",
		},
		{
			name:     "empty graph name",
			manifest: `{"graphs": [{"name": "", "filename": "a.onnx"}]}`,
			files:    []string{"a.onnx"},
			wantSub:  "empty name",
		},
		{
			name:     "empty filename",
			manifest: `{"graphs": [{"name": "vocoder", "filename": ""}]}`,
			wantSub:  "empty filename",
		},
		{
			name: "duplicate name",
			manifest: `{"graphs": [
				{"name": "vocoder", "filename": "a.onnx"},
				{"name": "vocoder", "filename": "b.onnx"}
			]}`,
			files:   []string{"a.onnx", "b.onnx"},
			wantSub: "duplicate session name",
		},
		{
			name:     "missing graph file",
			manifest: `{"graphs": [{"name": "vocoder", "filename": "gone.onnx"}]}`,
			wantSub:  `session file for "vocoder"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := t.TempDir()
			path := writeManifest(t, sub, tt.manifest, tt.files...)

			_, err := NewSessionManager(path)
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want substring %q", err, tt.wantSub)
			}
		})
	}

	t.Run("empty path", func(t *testing.T) {
		if _, err := NewSessionManager(""); err == nil {
			t.Fatal("want error for empty manifest path")
		}
	})

	t.Run("missing manifest", func(t *testing.T) {
		if _, err := NewSessionManager(filepath.Join(dir, "nope.json")); err == nil {
			t.Fatal("want error for missing manifest file")
		}
	})
}

func TestNewSessionManager_absoluteFilename(t *testing.T) {
	graphDir := t.TempDir()
	graphPath := filepath.Join(graphDir, "speaker.onnx")
	if err := os.WriteFile(graphPath, []byte{}, 0o644); err != nil {
		t.Fatalf("write graph stub: %v", err)
	}

	manifestDir := t.TempDir()
	manifest := writeManifest(t, manifestDir, `{"graphs": [
		{"name": "speaker_encoder", "filename": `+jsonString(graphPath)+`}
	]}`)

	sm, err := NewSessionManager(manifest)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	s, _ := sm.Session("speaker_encoder")
	if s.Path != graphPath {
		t.Errorf("path = %s, want %s untouched", s.Path, graphPath)
	}
}

func jsonString(s string) string {
	return `"` + strings.ReplaceAll(s, `\`, `\\`) + `"`
}
