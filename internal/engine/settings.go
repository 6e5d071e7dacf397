package engine

// Decoder backend selectors.
const (
	DecoderVocoder   = "vocoder"
	DecoderDiffusion = "diffusion"
)

// Diffusion sampler selectors.
const (
	SamplerDDIM = "ddim"
	SamplerDDPM = "ddpm"
)

// Settings bundles all per-call generation knobs. Zero values are replaced
// by DefaultSettings in Engine entry points, so any subset may be overridden.
// The boolean knobs are pointers so an unset field is distinguishable from an
// explicit false; use Bool to set them. Out-of-range values are passed
// straight through to the sampling code.
type Settings struct {
	// Autoregressive sampling.
	Temperature       float64 // softmax temperature, default 0.65
	TopK              int     // top-k filter, default 50 (0 disables)
	TopP              float64 // nucleus filter, default 0.85 (1 disables)
	RepetitionPenalty float64 // CTRL-style penalty on seen codes, default 2.0
	LengthPenalty     float64 // beam-score length exponent, default 1.0
	NumBeams          int     // beam count, default 1 (sampling)
	DoSample          *bool   // nil = default true; false = greedy argmax per step
	GPTBatchSize      int     // independent sequences per call, default 1

	// Diffusion decoder.
	DecoderIterations    int     // inference denoising steps, default 100
	CondFree             *bool   // conditioning-free guidance, nil = default true
	CondFreeK            float64 // guidance strength, default 2.0
	DiffusionTemperature float64 // initial noise scale, default 1.0
	Sampler              string  // ddim|ddpm, default ddim

	// Backend selection.
	Decoder string // vocoder|diffusion, default vocoder

	// Streaming.
	StreamChunkSize int // codes buffered per decoded chunk, default 20
	OverlapLen      int // crossfade overlap in samples, default 1024
}

// Bool returns a pointer to v for the optional boolean Settings fields.
func Bool(v bool) *bool { return &v }

// DefaultSettings returns the tuned defaults for the released model.
func DefaultSettings() Settings {
	return Settings{
		Temperature:          0.65,
		TopK:                 50,
		TopP:                 0.85,
		RepetitionPenalty:    2.0,
		LengthPenalty:        1.0,
		NumBeams:             1,
		DoSample:             Bool(true),
		GPTBatchSize:         1,
		DecoderIterations:    100,
		CondFree:             Bool(true),
		CondFreeK:            2.0,
		DiffusionTemperature: 1.0,
		Sampler:              SamplerDDIM,
		Decoder:              DecoderVocoder,
		StreamChunkSize:      20,
		OverlapLen:           1024,
	}
}

// withDefaults fills zero-valued fields from DefaultSettings. The boolean
// pointers are filled only when nil; an explicit false survives.
func (s Settings) withDefaults() Settings {
	def := DefaultSettings()

	if s.DoSample == nil {
		s.DoSample = def.DoSample
	}
	if s.CondFree == nil {
		s.CondFree = def.CondFree
	}
	if s.Temperature == 0 {
		s.Temperature = def.Temperature
	}
	if s.TopK == 0 {
		s.TopK = def.TopK
	}
	if s.TopP == 0 {
		s.TopP = def.TopP
	}
	if s.RepetitionPenalty == 0 {
		s.RepetitionPenalty = def.RepetitionPenalty
	}
	if s.LengthPenalty == 0 {
		s.LengthPenalty = def.LengthPenalty
	}
	if s.NumBeams == 0 {
		s.NumBeams = def.NumBeams
	}
	if s.GPTBatchSize == 0 {
		s.GPTBatchSize = def.GPTBatchSize
	}
	if s.DecoderIterations == 0 {
		s.DecoderIterations = def.DecoderIterations
	}
	if s.CondFreeK == 0 {
		s.CondFreeK = def.CondFreeK
	}
	if s.DiffusionTemperature == 0 {
		s.DiffusionTemperature = def.DiffusionTemperature
	}
	if s.Sampler == "" {
		s.Sampler = def.Sampler
	}
	if s.Decoder == "" {
		s.Decoder = def.Decoder
	}
	if s.StreamChunkSize == 0 {
		s.StreamChunkSize = def.StreamChunkSize
	}
	if s.OverlapLen == 0 {
		s.OverlapLen = def.OverlapLen
	}

	return s
}
