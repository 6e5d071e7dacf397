package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Server   ServerConfig  `mapstructure:"server"`
	TTS      TTSConfig     `mapstructure:"tts"`
}

type PathsConfig struct {
	ModelDir  string `mapstructure:"model_dir"`
	VoiceDir  string `mapstructure:"voice_dir"`
	Manifest  string `mapstructure:"manifest"`
	MelStats  string `mapstructure:"mel_stats"`
	VocabPath string `mapstructure:"vocab_path"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type TTSConfig struct {
	Voice             string  `mapstructure:"voice"`
	Language          string  `mapstructure:"language"`
	Decoder           string  `mapstructure:"decoder"`
	Temperature       float64 `mapstructure:"temperature"`
	DecoderIterations int     `mapstructure:"decoder_iterations"`
	StreamChunkSize   int     `mapstructure:"stream_chunk_size"`
	Concurrency       int     `mapstructure:"concurrency"`
	Seed              int64   `mapstructure:"seed"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			ModelDir:  "models",
			VoiceDir:  "voices",
			Manifest:  "models/onnx/manifest.json",
			MelStats:  "models/mel_stats.pth",
			VocabPath: "",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		TTS: TTSConfig{
			Voice:             "",
			Language:          "en",
			Decoder:           "vocoder",
			Temperature:       0.65,
			DecoderIterations: 100,
			StreamChunkSize:   20,
			Concurrency:       1,
			Seed:              0,
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("paths-model-dir", defaults.Paths.ModelDir, "Directory containing model.pth and vocab.json")
	fs.String("paths-voice-dir", defaults.Paths.VoiceDir, "Directory containing named voice manifests")
	fs.String("paths-manifest", defaults.Paths.Manifest, "Path to ONNX graph manifest")
	fs.String("paths-mel-stats", defaults.Paths.MelStats, "Path to mel normalization statistics")
	fs.String("paths-vocab-path", defaults.Paths.VocabPath, "Override path to vocab.json")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.String("tts-voice", defaults.TTS.Voice, "Voice name or reference WAV path")
	fs.String("tts-language", defaults.TTS.Language, "Language tag, e.g. en, de, pt-br")
	fs.String("tts-decoder", defaults.TTS.Decoder, "Decoder backend (vocoder|diffusion)")
	fs.Float64("tts-temperature", defaults.TTS.Temperature, "Autoregressive sampling temperature")
	fs.Int("tts-decoder-iterations", defaults.TTS.DecoderIterations, "Diffusion denoising steps")
	fs.Int("tts-stream-chunk-size", defaults.TTS.StreamChunkSize, "Codes buffered per streamed chunk")
	fs.Int("tts-concurrency", defaults.TTS.Concurrency, "Max concurrent synthesis requests")
	fs.Int64("tts-seed", defaults.TTS.Seed, "Sampling RNG seed (0 = time-based)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("XTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "XTTS_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("xtts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.model_dir", c.Paths.ModelDir)
	v.SetDefault("paths.voice_dir", c.Paths.VoiceDir)
	v.SetDefault("paths.manifest", c.Paths.Manifest)
	v.SetDefault("paths.mel_stats", c.Paths.MelStats)
	v.SetDefault("paths.vocab_path", c.Paths.VocabPath)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("tts.voice", c.TTS.Voice)
	v.SetDefault("tts.language", c.TTS.Language)
	v.SetDefault("tts.decoder", c.TTS.Decoder)
	v.SetDefault("tts.temperature", c.TTS.Temperature)
	v.SetDefault("tts.decoder_iterations", c.TTS.DecoderIterations)
	v.SetDefault("tts.stream_chunk_size", c.TTS.StreamChunkSize)
	v.SetDefault("tts.concurrency", c.TTS.Concurrency)
	v.SetDefault("tts.seed", c.TTS.Seed)
}

// flagKeys maps each structured config key to the CLI flag that sets it.
// Every key is bound straight to its flag: Viper's RegisterAlias redirects
// lookups of an aliased key to a flat one, which hides nested config-file
// values and defaults, so aliases are unusable here.
var flagKeys = map[string]string{
	"log_level":                "log-level",
	"paths.model_dir":          "paths-model-dir",
	"paths.voice_dir":          "paths-voice-dir",
	"paths.manifest":           "paths-manifest",
	"paths.mel_stats":          "paths-mel-stats",
	"paths.vocab_path":         "paths-vocab-path",
	"runtime.threads":          "runtime-threads",
	"runtime.inter_op_threads": "runtime-inter-op-threads",
	"runtime.ort_library_path": "runtime-ort-library-path",
	"runtime.ort_version":      "runtime-ort-version",
	"server.listen_addr":       "server-listen-addr",
	"tts.voice":                "tts-voice",
	"tts.language":             "tts-language",
	"tts.decoder":              "tts-decoder",
	"tts.temperature":          "tts-temperature",
	"tts.decoder_iterations":   "tts-decoder-iterations",
	"tts.stream_chunk_size":    "tts-stream-chunk-size",
	"tts.concurrency":          "tts-concurrency",
	"tts.seed":                 "tts-seed",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key, name := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("flag --%s is not registered", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	// --ort-lib mirrors --runtime-ort-library-path. Rebinding it onto the
	// same key when the user actually set it lets the short form win.
	if f := fs.Lookup("ort-lib"); f != nil && f.Changed {
		if err := v.BindPFlag("runtime.ort_library_path", f); err != nil {
			return fmt.Errorf("bind flag --ort-lib: %w", err)
		}
	}
	return nil
}
