package engine

import (
	"errors"
	"fmt"

	"github.com/example/go-xtts/internal/model"
	"github.com/example/go-xtts/internal/tensor"
)

// testModelConfig keeps the fakes small: two-dim latents and a four-sample
// code stride make every expected length computable by hand.
func testModelConfig() model.Config {
	return model.Config{
		MaxTextTokens:         10,
		MaxAudioTokens:        40,
		NumAudioTokens:        16,
		StartAudioToken:       14,
		StopAudioToken:        15,
		SilenceToken:          3,
		CodeStrideLen:         4,
		LatentDim:             2,
		SpeakerEmbedDim:       3,
		InputSampleRate:       22050,
		OutputSampleRate:      24000,
		DiffusionChunkSamples: 102400,
		UsePerceiverResampler: false,
	}
}

// fakeTokenizer maps each rune to its position and prepends a language id.
type fakeTokenizer struct{}

func (fakeTokenizer) Languages() []string { return []string{"de", "en"} }

func (fakeTokenizer) Encode(text, lang string) ([]int64, error) {
	ids := []int64{1}
	for range text {
		ids = append(ids, 2)
	}
	return ids, nil
}

// fakeState is the decode state of fakeTransformer: a position into the
// scripted code sequence.
type fakeState struct {
	pos int
}

// fakeTransformer emits a fixed script of codes: Step returns one-hot logits
// selecting script[pos], or the stop token once the script is exhausted.
// Hidden latents carry the frame index so downstream slicing is observable.
type fakeTransformer struct {
	cfg    model.Config
	script []int64

	styleFrames int64 // style latent length to report

	gotStyleShape []int64 // last StyleEmbedding input shape
	gotOutputLen  int     // last Latents expectedOutputLen
	primeCalls    int
	stepErr       error
}

func (f *fakeTransformer) StyleEmbedding(mel *tensor.Tensor) (*tensor.Tensor, error) {
	f.gotStyleShape = mel.Shape()
	frames := f.styleFrames
	if frames == 0 {
		frames = 3
	}
	return tensor.Zeros([]int64{1, frames, int64(f.cfg.LatentDim)})
}

func (f *fakeTransformer) Prime(textTokens []int64, cond *tensor.Tensor) (model.DecodeState, error) {
	if cond == nil {
		return nil, errors.New("fake: nil conditioning")
	}
	f.primeCalls++
	return &fakeState{}, nil
}

func (f *fakeTransformer) Step(state model.DecodeState, prevCode int64) ([]float32, *tensor.Tensor, error) {
	if f.stepErr != nil {
		return nil, nil, f.stepErr
	}

	st := state.(*fakeState)
	code := f.cfg.StopAudioToken
	if st.pos < len(f.script) {
		code = f.script[st.pos]
	}

	logits := make([]float32, f.cfg.NumAudioTokens)
	for i := range logits {
		logits[i] = -20
	}
	logits[code] = 20

	latent, err := tensor.New(frameValues(st.pos, f.cfg.LatentDim), []int64{1, 1, int64(f.cfg.LatentDim)})
	if err != nil {
		return nil, nil, err
	}

	st.pos++
	return logits, latent, nil
}

func (f *fakeTransformer) Latents(textTokens, codes []int64, cond *tensor.Tensor, expectedOutputLen int) (*tensor.Tensor, error) {
	f.gotOutputLen = expectedOutputLen

	data := make([]float32, 0, len(codes)*f.cfg.LatentDim)
	for i := range codes {
		data = append(data, frameValues(i, f.cfg.LatentDim)...)
	}
	return tensor.New(data, []int64{1, int64(len(codes)), int64(f.cfg.LatentDim)})
}

func (f *fakeTransformer) CloneState(s model.DecodeState) (model.DecodeState, error) {
	st := s.(*fakeState)
	return &fakeState{pos: st.pos}, nil
}

// frameValues gives frame i a distinctive latent value.
func frameValues(i, dim int) []float32 {
	out := make([]float32, dim)
	for d := range out {
		out[d] = float32(i + 1)
	}
	return out
}

// fakeSpeakerEncoder derives a deterministic embedding from the input
// samples so that distinct clips produce distinct embeddings.
type fakeSpeakerEncoder struct {
	dim     int
	gotLens []int
}

func (f *fakeSpeakerEncoder) Embed(samples []float32) (*tensor.Tensor, error) {
	f.gotLens = append(f.gotLens, len(samples))

	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))

	data := make([]float32, f.dim)
	for k := range data {
		data[k] = float32(mean + float64(k) + 1)
	}
	return tensor.New(data, []int64{1, int64(f.dim)})
}

// fakeVocoder expands each latent frame into stride constant samples equal
// to the frame's first channel value. Prefix-stable: re-decoding a longer
// latent sequence reproduces the earlier samples exactly.
type fakeVocoder struct {
	stride int
	calls  int
}

func (f *fakeVocoder) Synthesize(latents, speaker *tensor.Tensor) ([]float32, error) {
	if speaker == nil {
		return nil, errors.New("fake: nil speaker embedding")
	}
	f.calls++

	shape := latents.Shape()
	frames := int(shape[1])
	dim := int(shape[2])
	data := latents.RawData()

	out := make([]float32, 0, frames*f.stride)
	for i := range frames {
		v := data[i*dim] * 0.01
		for range f.stride {
			out = append(out, v)
		}
	}
	return out, nil
}

// fakeDiffusionNet predicts zero epsilon and a constant variance channel.
type fakeDiffusionNet struct {
	condShape    []int64 // last Conditioning input shape
	gotOutputLen int     // last AlignedEmbeddings outputLen
	uncondCalls  int
	condCalls    int

	condEps   float32 // epsilon value of the conditioned pass
	uncondEps float32 // epsilon value of the guidance pass
}

func (f *fakeDiffusionNet) Conditioning(melChunks *tensor.Tensor) (*tensor.Tensor, error) {
	f.condShape = melChunks.Shape()
	return tensor.Zeros([]int64{1, 8})
}

func (f *fakeDiffusionNet) AlignedEmbeddings(latents, cond *tensor.Tensor, outputLen int) (*tensor.Tensor, error) {
	f.gotOutputLen = outputLen
	return tensor.Zeros([]int64{1, 8, int64(outputLen)})
}

func (f *fakeDiffusionNet) Denoise(x *tensor.Tensor, t int, aligned *tensor.Tensor, unconditional bool) (*tensor.Tensor, error) {
	n := x.ElemCount()
	out := make([]float32, 2*n)

	eps := f.condEps
	if unconditional {
		f.uncondCalls++
		eps = f.uncondEps
	} else {
		f.condCalls++
	}
	for j := range n {
		out[j] = eps
		out[n+j] = -1 // variance channel pinned to the posterior end
	}

	shape := x.Shape()
	return tensor.New(out, []int64{shape[0], 2 * shape[1], shape[2]})
}

// fakeMelVocoder emits one sample per mel frame.
type fakeMelVocoder struct {
	gotShape []int64
}

func (f *fakeMelVocoder) SynthesizeMel(mel *tensor.Tensor) ([]float32, error) {
	f.gotShape = mel.Shape()
	shape := mel.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("fake: mel rank %d, want 3", len(shape))
	}
	return make([]float32, int(shape[2])), nil
}

// newTestEngine builds an engine on the fakes with a fixed seed.
func newTestEngine(tf *fakeTransformer, opts ...Option) (*Engine, *fakeVocoder, *fakeSpeakerEncoder, error) {
	cfg := testModelConfig()
	voc := &fakeVocoder{stride: cfg.CodeStrideLen}
	spk := &fakeSpeakerEncoder{dim: cfg.SpeakerEmbedDim}

	eng, err := New(cfg, Components{
		Tokenizer:      fakeTokenizer{},
		Transformer:    tf,
		SpeakerEncoder: spk,
		Vocoder:        voc,
	}, append([]Option{WithSeed(1)}, opts...)...)

	return eng, voc, spk, err
}

// testConditioning builds a minimal valid conditioning set.
func testConditioning(cfg model.Config) *Conditioning {
	style, _ := tensor.Zeros([]int64{1, 3, int64(cfg.LatentDim)})
	speaker, _ := tensor.Zeros([]int64{1, int64(cfg.SpeakerEmbedDim)})
	return &Conditioning{Style: style, Speaker: speaker}
}
