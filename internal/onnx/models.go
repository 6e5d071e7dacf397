// Model adapters: each type turns a set of ONNX graphs into one of the
// interfaces in internal/model. The pipeline is synchronous and
// non-cancellable, so graph runs use a background context.
package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-xtts/internal/model"
	"github.com/example/go-xtts/internal/tensor"
)

// Transformer returns the autoregressive GPT adapter.
func (b *Bundle) Transformer() model.Transformer {
	return &gptModel{b: b}
}

// SpeakerEncoder returns the speaker-embedding adapter.
func (b *Bundle) SpeakerEncoder() model.SpeakerEncoder {
	return &speakerModel{b: b}
}

// Vocoder returns the direct latent-to-waveform adapter, or nil when the
// bundle lacks the vocoder graph.
func (b *Bundle) Vocoder() model.Vocoder {
	if !b.Has(GraphVocoder) {
		return nil
	}
	return &vocoderModel{b: b}
}

// DiffusionNet returns the diffusion adapter, or nil when the bundle was
// exported without the diffusion decoder graphs.
func (b *Bundle) DiffusionNet() model.DiffusionNet {
	if !b.Has(GraphDiffusionCond) || !b.Has(GraphDiffusionAlign) || !b.Has(GraphDiffusionStep) {
		return nil
	}
	return &diffusionModel{b: b}
}

// MelVocoder returns the mel-to-waveform adapter, or nil when absent.
func (b *Bundle) MelVocoder() model.MelVocoder {
	if !b.Has(GraphMelVocoder) {
		return nil
	}
	return &melVocoderModel{b: b}
}

// gptState is the KV-cache carried across incremental decode steps.
// KV[i] holds one layer's cache; offset is the number of positions written.
type gptState struct {
	kv     []*Tensor
	offset int64
}

type gptModel struct {
	b *Bundle
}

func (m *gptModel) StyleEmbedding(mel *tensor.Tensor) (*tensor.Tensor, error) {
	r, err := m.b.runner(GraphStyleEncoder)
	if err != nil {
		return nil, err
	}

	melT, err := FromTensor(mel)
	if err != nil {
		return nil, fmt.Errorf("style encoder input: %w", err)
	}

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"mel": melT,
	})
	if err != nil {
		return nil, fmt.Errorf("style_encoder: run: %w", err)
	}

	latent, ok := outputs["latent"]
	if !ok {
		return nil, fmt.Errorf("style_encoder: missing 'latent' in output")
	}

	return ToTensor(latent)
}

func (m *gptModel) Prime(textTokens []int64, cond *tensor.Tensor) (model.DecodeState, error) {
	r, err := m.b.runner(GraphGPTPrime)
	if err != nil {
		return nil, err
	}

	tokensT, err := NewTensor(textTokens, []int64{1, int64(len(textTokens))})
	if err != nil {
		return nil, fmt.Errorf("gpt_prime tokens: %w", err)
	}
	condT, err := FromTensor(cond)
	if err != nil {
		return nil, fmt.Errorf("gpt_prime conditioning: %w", err)
	}

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"text_tokens": tokensT,
		"cond_latent": condT,
	})
	if err != nil {
		return nil, fmt.Errorf("gpt_prime: run: %w", err)
	}

	return unpackKVState(outputs, "gpt_prime")
}

func (m *gptModel) Step(state model.DecodeState, prevCode int64) ([]float32, *tensor.Tensor, error) {
	st, ok := state.(*gptState)
	if !ok {
		return nil, nil, fmt.Errorf("gpt_step: unexpected state type %T", state)
	}

	r, err := m.b.runner(GraphGPTStep)
	if err != nil {
		return nil, nil, err
	}

	inputs := make(map[string]*Tensor, len(st.kv)+2)
	inputs["code"], _ = NewTensor([]int64{prevCode}, []int64{1, 1})
	inputs["offset"], _ = NewTensor([]int64{st.offset}, []int64{1})
	for i, kv := range st.kv {
		inputs[fmt.Sprintf("kv_%d", i)] = kv
	}

	outputs, err := r.Run(context.Background(), inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("gpt_step: run: %w", err)
	}

	logitsT, ok := outputs["logits"]
	if !ok {
		return nil, nil, fmt.Errorf("gpt_step: missing 'logits' in output")
	}
	logits, err := logitsT.Float32()
	if err != nil {
		return nil, nil, fmt.Errorf("gpt_step: logits: %w", err)
	}

	latentT, ok := outputs["latent"]
	if !ok {
		return nil, nil, fmt.Errorf("gpt_step: missing 'latent' in output")
	}
	latent, err := ToTensor(latentT)
	if err != nil {
		return nil, nil, fmt.Errorf("gpt_step: latent: %w", err)
	}

	next, err := unpackKVState(outputs, "gpt_step")
	if err != nil {
		return nil, nil, err
	}
	st.kv = next.kv
	st.offset = next.offset

	return logits, latent, nil
}

func (m *gptModel) Latents(textTokens []int64, codes []int64, cond *tensor.Tensor, expectedOutputLen int) (*tensor.Tensor, error) {
	r, err := m.b.runner(GraphGPTLatents)
	if err != nil {
		return nil, err
	}

	tokensT, err := NewTensor(textTokens, []int64{1, int64(len(textTokens))})
	if err != nil {
		return nil, fmt.Errorf("gpt_latents tokens: %w", err)
	}
	codesT, err := NewTensor(codes, []int64{1, int64(len(codes))})
	if err != nil {
		return nil, fmt.Errorf("gpt_latents codes: %w", err)
	}
	condT, err := FromTensor(cond)
	if err != nil {
		return nil, fmt.Errorf("gpt_latents conditioning: %w", err)
	}
	lenT, _ := NewTensor([]int64{int64(expectedOutputLen)}, []int64{1})

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"text_tokens": tokensT,
		"codes":       codesT,
		"cond_latent": condT,
		"output_len":  lenT,
	})
	if err != nil {
		return nil, fmt.Errorf("gpt_latents: run: %w", err)
	}

	latents, ok := outputs["latents"]
	if !ok {
		return nil, fmt.Errorf("gpt_latents: missing 'latents' in output")
	}

	return ToTensor(latents)
}

// CloneState deep-copies the KV cache so beam candidates can diverge.
func (m *gptModel) CloneState(state model.DecodeState) (model.DecodeState, error) {
	st, ok := state.(*gptState)
	if !ok {
		return nil, fmt.Errorf("gpt clone: unexpected state type %T", state)
	}

	kv := make([]*Tensor, len(st.kv))
	for i, t := range st.kv {
		kv[i] = t.Clone()
	}

	return &gptState{kv: kv, offset: st.offset}, nil
}

// unpackKVState collects kv_0, kv_1, ... and the offset scalar from graph
// outputs.
func unpackKVState(outputs map[string]*Tensor, graph string) (*gptState, error) {
	var kv []*Tensor
	for i := 0; ; i++ {
		t, ok := outputs[fmt.Sprintf("kv_%d", i)]
		if !ok {
			break
		}
		kv = append(kv, t)
	}
	if len(kv) == 0 {
		return nil, fmt.Errorf("%s: no kv_N outputs in result", graph)
	}

	offsetT, ok := outputs["offset"]
	if !ok {
		return nil, fmt.Errorf("%s: missing 'offset' in output", graph)
	}
	offset, err := offsetT.Int64()
	if err != nil {
		return nil, fmt.Errorf("%s: offset: %w", graph, err)
	}
	if len(offset) == 0 {
		return nil, fmt.Errorf("%s: offset tensor is empty", graph)
	}

	return &gptState{kv: kv, offset: offset[0]}, nil
}

type speakerModel struct {
	b *Bundle
}

func (m *speakerModel) Embed(samples []float32) (*tensor.Tensor, error) {
	r, err := m.b.runner(GraphSpeakerEncoder)
	if err != nil {
		return nil, err
	}

	audioT, err := NewTensor(samples, []int64{1, int64(len(samples))})
	if err != nil {
		return nil, fmt.Errorf("speaker_encoder input: %w", err)
	}

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"audio": audioT,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker_encoder: run: %w", err)
	}

	emb, ok := outputs["embedding"]
	if !ok {
		return nil, fmt.Errorf("speaker_encoder: missing 'embedding' in output")
	}

	return ToTensor(emb)
}

type vocoderModel struct {
	b *Bundle
}

func (m *vocoderModel) Synthesize(latents, speaker *tensor.Tensor) ([]float32, error) {
	r, err := m.b.runner(GraphVocoder)
	if err != nil {
		return nil, err
	}

	latentsT, err := FromTensor(latents)
	if err != nil {
		return nil, fmt.Errorf("vocoder latents: %w", err)
	}
	speakerT, err := FromTensor(speaker)
	if err != nil {
		return nil, fmt.Errorf("vocoder speaker: %w", err)
	}

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"latents": latentsT,
		"speaker": speakerT,
	})
	if err != nil {
		return nil, fmt.Errorf("vocoder: run: %w", err)
	}

	wav, ok := outputs["wav"]
	if !ok {
		return nil, fmt.Errorf("vocoder: missing 'wav' in output")
	}

	return wav.Float32()
}

type diffusionModel struct {
	b *Bundle
}

func (m *diffusionModel) Conditioning(melChunks *tensor.Tensor) (*tensor.Tensor, error) {
	r, err := m.b.runner(GraphDiffusionCond)
	if err != nil {
		return nil, err
	}

	chunksT, err := FromTensor(melChunks)
	if err != nil {
		return nil, fmt.Errorf("diffusion_conditioner input: %w", err)
	}

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"mel_chunks": chunksT,
	})
	if err != nil {
		return nil, fmt.Errorf("diffusion_conditioner: run: %w", err)
	}

	cond, ok := outputs["cond"]
	if !ok {
		return nil, fmt.Errorf("diffusion_conditioner: missing 'cond' in output")
	}

	return ToTensor(cond)
}

func (m *diffusionModel) AlignedEmbeddings(latents, cond *tensor.Tensor, outputLen int) (*tensor.Tensor, error) {
	r, err := m.b.runner(GraphDiffusionAlign)
	if err != nil {
		return nil, err
	}

	latentsT, err := FromTensor(latents)
	if err != nil {
		return nil, fmt.Errorf("diffusion_aligner latents: %w", err)
	}
	condT, err := FromTensor(cond)
	if err != nil {
		return nil, fmt.Errorf("diffusion_aligner cond: %w", err)
	}
	lenT, _ := NewTensor([]int64{int64(outputLen)}, []int64{1})

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"latents":    latentsT,
		"cond":       condT,
		"output_len": lenT,
	})
	if err != nil {
		return nil, fmt.Errorf("diffusion_aligner: run: %w", err)
	}

	aligned, ok := outputs["aligned"]
	if !ok {
		return nil, fmt.Errorf("diffusion_aligner: missing 'aligned' in output")
	}

	return ToTensor(aligned)
}

func (m *diffusionModel) Denoise(x *tensor.Tensor, t int, aligned *tensor.Tensor, unconditional bool) (*tensor.Tensor, error) {
	r, err := m.b.runner(GraphDiffusionStep)
	if err != nil {
		return nil, err
	}

	xT, err := FromTensor(x)
	if err != nil {
		return nil, fmt.Errorf("diffusion_denoiser x: %w", err)
	}
	alignedT, err := FromTensor(aligned)
	if err != nil {
		return nil, fmt.Errorf("diffusion_denoiser aligned: %w", err)
	}
	tT, _ := NewTensor([]int64{int64(t)}, []int64{1})

	var uncondFlag int64
	if unconditional {
		uncondFlag = 1
	}
	uncondT, _ := NewTensor([]int64{uncondFlag}, []int64{1})

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"x":                 xT,
		"timestep":          tT,
		"aligned":           alignedT,
		"conditioning_free": uncondT,
	})
	if err != nil {
		return nil, fmt.Errorf("diffusion_denoiser: run: %w", err)
	}

	out, ok := outputs["output"]
	if !ok {
		return nil, fmt.Errorf("diffusion_denoiser: missing 'output' in output")
	}

	return ToTensor(out)
}

type melVocoderModel struct {
	b *Bundle
}

func (m *melVocoderModel) SynthesizeMel(mel *tensor.Tensor) ([]float32, error) {
	r, err := m.b.runner(GraphMelVocoder)
	if err != nil {
		return nil, err
	}

	melT, err := FromTensor(mel)
	if err != nil {
		return nil, fmt.Errorf("mel_vocoder input: %w", err)
	}

	outputs, err := r.Run(context.Background(), map[string]*Tensor{
		"mel": melT,
	})
	if err != nil {
		return nil, fmt.Errorf("mel_vocoder: run: %w", err)
	}

	wav, ok := outputs["wav"]
	if !ok {
		return nil, fmt.Errorf("mel_vocoder: missing 'wav' in output")
	}

	return wav.Float32()
}
