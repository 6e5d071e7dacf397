package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

type fakeCmd struct {
	fs *pflag.FlagSet
}

func (f fakeCmd) Flags() *pflag.FlagSet { return f.fs }

func newFlagCmd(t *testing.T) fakeCmd {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())
	return fakeCmd{fs: fs}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xtts.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.Paths.ModelDir != "models" || cfg.Paths.Manifest != "models/onnx/manifest.json" {
		t.Errorf("paths = %+v", cfg.Paths)
	}
	if cfg.Runtime.Threads != 4 || cfg.Runtime.InterOpThreads != 1 {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.TTS.Language != "en" || cfg.TTS.Decoder != "vocoder" || cfg.TTS.Temperature != 0.65 {
		t.Errorf("tts = %+v", cfg.TTS)
	}
	if cfg.TTS.StreamChunkSize != 20 || cfg.TTS.Concurrency != 1 {
		t.Errorf("tts = %+v", cfg.TTS)
	}
}

func TestLoad_defaultsOnly(t *testing.T) {
	// An explicit config file sidesteps the working-directory search.
	path := writeConfigFile(t, "")

	cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want pure defaults", cfg)
	}
}

func TestLoad_configFile(t *testing.T) {
	path := writeConfigFile(t, `
log_level: debug
paths:
  model_dir: /opt/models
tts:
  language: de
  temperature: 0.9
`)

	cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.Paths.ModelDir != "/opt/models" {
		t.Errorf("ModelDir = %s", cfg.Paths.ModelDir)
	}
	if cfg.TTS.Language != "de" || cfg.TTS.Temperature != 0.9 {
		t.Errorf("tts = %+v", cfg.TTS)
	}

	// Keys the file does not mention keep their defaults.
	if cfg.Server.ListenAddr != ":8080" || cfg.TTS.Decoder != "vocoder" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoad_missingConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: filepath.Join(t.TempDir(), "absent.yaml"),
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Fatal("want error for explicitly named missing config file")
	}
}

func TestLoad_flagOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "tts:\n  language: de\n")

	cmd := newFlagCmd(t)
	if err := cmd.fs.Set("tts-language", "fr"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := cmd.fs.Set("runtime-threads", "8"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: cmd, ConfigFile: path, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TTS.Language != "fr" {
		t.Errorf("Language = %s, want flag value fr", cfg.TTS.Language)
	}
	if cfg.Runtime.Threads != 8 {
		t.Errorf("Threads = %d, want 8", cfg.Runtime.Threads)
	}
}

func TestLoad_envVars(t *testing.T) {
	path := writeConfigFile(t, "")

	t.Setenv("XTTS_TTS_LANGUAGE", "pt-br")
	t.Setenv("XTTS_SERVER_LISTEN_ADDR", ":9999")

	cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TTS.Language != "pt-br" {
		t.Errorf("Language = %s, want pt-br from env", cfg.TTS.Language)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %s, want :9999 from env", cfg.Server.ListenAddr)
	}
}

func TestLoad_ortLibraryEnvAliases(t *testing.T) {
	path := writeConfigFile(t, "")

	t.Run("XTTS_ORT_LIB", func(t *testing.T) {
		t.Setenv("XTTS_ORT_LIB", "/usr/lib/libonnxruntime.so")

		cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Runtime.ORTLibraryPath != "/usr/lib/libonnxruntime.so" {
			t.Errorf("ORTLibraryPath = %s", cfg.Runtime.ORTLibraryPath)
		}
	})

	t.Run("ORT_LIBRARY_PATH", func(t *testing.T) {
		t.Setenv("ORT_LIBRARY_PATH", "/opt/ort/libonnxruntime.so")

		cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
			t.Errorf("ORTLibraryPath = %s", cfg.Runtime.ORTLibraryPath)
		}
	})
}

func TestLoad_ortLibraryFlags(t *testing.T) {
	path := writeConfigFile(t, "")

	t.Run("long flag", func(t *testing.T) {
		cmd := newFlagCmd(t)
		if err := cmd.fs.Set("runtime-ort-library-path", "/lib/ort.so"); err != nil {
			t.Fatalf("set flag: %v", err)
		}

		cfg, err := Load(LoadOptions{Cmd: cmd, ConfigFile: path, Defaults: DefaultConfig()})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Runtime.ORTLibraryPath != "/lib/ort.so" {
			t.Errorf("ORTLibraryPath = %s, want /lib/ort.so", cfg.Runtime.ORTLibraryPath)
		}
	})

	t.Run("ort-lib alias flag", func(t *testing.T) {
		cmd := newFlagCmd(t)
		if err := cmd.fs.Set("ort-lib", "/lib/alias-ort.so"); err != nil {
			t.Fatalf("set flag: %v", err)
		}

		cfg, err := Load(LoadOptions{Cmd: cmd, ConfigFile: path, Defaults: DefaultConfig()})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Runtime.ORTLibraryPath != "/lib/alias-ort.so" {
			t.Errorf("ORTLibraryPath = %s, want /lib/alias-ort.so", cfg.Runtime.ORTLibraryPath)
		}
	})

	t.Run("alias flag wins over env", func(t *testing.T) {
		t.Setenv("XTTS_ORT_LIB", "/env/ort.so")

		cmd := newFlagCmd(t)
		if err := cmd.fs.Set("ort-lib", "/flag/ort.so"); err != nil {
			t.Fatalf("set flag: %v", err)
		}

		cfg, err := Load(LoadOptions{Cmd: cmd, ConfigFile: path, Defaults: DefaultConfig()})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Runtime.ORTLibraryPath != "/flag/ort.so" {
			t.Errorf("ORTLibraryPath = %s, want flag value", cfg.Runtime.ORTLibraryPath)
		}
	})
}

func TestNormalizeDecoder(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "vocoder", want: "vocoder"},
		{in: "diffusion", want: "diffusion"},
		{in: "hifigan", want: "vocoder"},
		{in: "HiFiGAN", want: "vocoder"},
		{in: "  Diffusion ", want: "diffusion"},
		{in: "", want: "vocoder"},
		{in: "wavenet", wantErr: true},
		{in: "ddim", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("input "+tt.in, func(t *testing.T) {
			got, err := NormalizeDecoder(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeDecoder(%q): want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeDecoder(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeDecoder(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
