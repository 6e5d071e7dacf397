package engine

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-xtts/internal/audio"
)

// writeTestWAV writes a PCM16 WAV with arbitrary rate and channel count;
// samples are interleaved when channels > 1.
func writeTestWAV(t *testing.T, path string, samples []float32, rate, channels int) {
	t.Helper()

	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(rate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		v := int16(math.Max(-1, math.Min(1, float64(s))) * 32767)
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(v))
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func toneSamples(seconds float64, freq float64, rate int) []float32 {
	n := int(seconds * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.4 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func interleaveStereo(mono []float32) []float32 {
	out := make([]float32, 0, 2*len(mono))
	for _, s := range mono {
		out = append(out, s, s)
	}
	return out
}

func TestGetConditioningLatents_basic(t *testing.T) {
	cfg := testModelConfig()
	tf := &fakeTransformer{cfg: cfg, styleFrames: 5}
	eng, _, spk, err := newTestEngine(tf)
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}

	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.wav")
	writeTestWAV(t, ref, toneSamples(2, 220, 22050), 22050, 1)

	cond, err := eng.GetConditioningLatents([]string{ref}, ConditioningOptions{})
	if err != nil {
		t.Fatalf("GetConditioningLatents: %v", err)
	}

	if s := cond.Style.Shape(); s[0] != 1 || s[1] != 5 || s[2] != int64(cfg.LatentDim) {
		t.Errorf("style shape = %v, want [1 5 %d]", s, cfg.LatentDim)
	}
	if s := cond.Speaker.Shape(); s[0] != 1 || s[1] != int64(cfg.SpeakerEmbedDim) {
		t.Errorf("speaker shape = %v, want [1 %d]", s, cfg.SpeakerEmbedDim)
	}
	if cond.Diffusion != nil {
		t.Error("diffusion conditioning present without a diffusion decoder")
	}

	// The speaker encoder consumes 16 kHz audio: 2 s -> ~32000 samples.
	if len(spk.gotLens) != 1 || spk.gotLens[0] != 2*16000 {
		t.Errorf("speaker encoder input lengths = %v, want [32000]", spk.gotLens)
	}

	// Speaker embedding is L2-normalized.
	var norm float64
	for _, v := range cond.Speaker.RawData() {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("speaker norm^2 = %f, want 1", norm)
	}
}

func TestGetConditioningLatents_noSources(t *testing.T) {
	eng, _, _, err := newTestEngine(&fakeTransformer{cfg: testModelConfig()})
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}

	if _, err := eng.GetConditioningLatents(nil, ConditioningOptions{}); !errors.Is(err, ErrNoReferenceAudio) {
		t.Fatalf("err = %v, want ErrNoReferenceAudio", err)
	}
}

func TestGetConditioningLatents_missingFile(t *testing.T) {
	eng, _, _, err := newTestEngine(&fakeTransformer{cfg: testModelConfig()})
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}

	if _, err := eng.GetConditioningLatents([]string{"/nonexistent/ref.wav"}, ConditioningOptions{}); err == nil {
		t.Fatal("want error, got nil")
	}
}

func TestGetConditioningLatents_stereoMatchesMono(t *testing.T) {
	dir := t.TempDir()
	mono := toneSamples(1, 440, 22050)

	monoPath := filepath.Join(dir, "mono.wav")
	writeTestWAV(t, monoPath, mono, 22050, 1)

	stereoPath := filepath.Join(dir, "stereo.wav")
	writeTestWAV(t, stereoPath, interleaveStereo(mono), 22050, 2)

	embed := func(path string) []float32 {
		eng, _, _, err := newTestEngine(&fakeTransformer{cfg: testModelConfig()})
		if err != nil {
			t.Fatalf("newTestEngine: %v", err)
		}
		cond, err := eng.GetConditioningLatents([]string{path}, ConditioningOptions{})
		if err != nil {
			t.Fatalf("GetConditioningLatents(%s): %v", path, err)
		}
		return cond.Speaker.Data()
	}

	monoEmb := embed(monoPath)
	stereoEmb := embed(stereoPath)

	// Identical left/right channels downmix to the mono signal, so the
	// embeddings must agree.
	for i := range monoEmb {
		if math.Abs(float64(monoEmb[i]-stereoEmb[i])) > 1e-6 {
			t.Fatalf("embedding %d: mono %f, stereo %f", i, monoEmb[i], stereoEmb[i])
		}
	}
}

func TestGetConditioningLatents_multiRefAveraging(t *testing.T) {
	dir := t.TempDir()

	pathA := filepath.Join(dir, "a.wav")
	writeTestWAV(t, pathA, toneSamples(1, 220, 22050), 22050, 1)
	pathB := filepath.Join(dir, "b.wav")
	writeTestWAV(t, pathB, toneSamples(1, 880, 22050), 22050, 1)

	condFor := func(paths ...string) *Conditioning {
		eng, _, _, err := newTestEngine(&fakeTransformer{cfg: testModelConfig()})
		if err != nil {
			t.Fatalf("newTestEngine: %v", err)
		}
		cond, err := eng.GetConditioningLatents(paths, ConditioningOptions{})
		if err != nil {
			t.Fatalf("GetConditioningLatents: %v", err)
		}
		return cond
	}

	embA := condFor(pathA).Speaker.Data()
	embB := condFor(pathB).Speaker.Data()
	pooled := condFor(pathA, pathB).Speaker.Data()

	for i := range pooled {
		want := (embA[i] + embB[i]) / 2
		if math.Abs(float64(pooled[i]-want)) > 1e-6 {
			t.Fatalf("pooled[%d] = %f, want mean %f", i, pooled[i], want)
		}
	}
}

func TestGetConditioningLatents_cloneWindowCapsStyleMel(t *testing.T) {
	cfg := testModelConfig()
	tf := &fakeTransformer{cfg: cfg}
	eng, _, _, err := newTestEngine(tf)
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}

	dir := t.TempDir()
	ref := filepath.Join(dir, "long.wav")
	writeTestWAV(t, ref, toneSamples(8, 220, 22050), 22050, 1)

	if _, err := eng.GetConditioningLatents([]string{ref}, ConditioningOptions{}); err != nil {
		t.Fatalf("GetConditioningLatents: %v", err)
	}

	// 8 s of audio capped to the 6 s clone window: 132300 samples at a
	// 1024 hop give 1 + 132300/1024 = 130 mel frames.
	if tf.gotStyleShape == nil {
		t.Fatal("style encoder never ran")
	}
	if frames := tf.gotStyleShape[2]; frames != 130 {
		t.Errorf("style mel frames = %d, want 130", frames)
	}
	if bins := tf.gotStyleShape[1]; bins != 80 {
		t.Errorf("style mel bins = %d, want 80", bins)
	}
}

func TestGetConditioningLatents_maxRefSecondsCap(t *testing.T) {
	cfg := testModelConfig()
	eng, _, spk, err := newTestEngine(&fakeTransformer{cfg: cfg})
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}

	dir := t.TempDir()
	ref := filepath.Join(dir, "verylong.wav")
	writeTestWAV(t, ref, toneSamples(12, 220, 16000), 16000, 1)

	if _, err := eng.GetConditioningLatents([]string{ref}, ConditioningOptions{}); err != nil {
		t.Fatalf("GetConditioningLatents: %v", err)
	}

	// 12 s clip capped at 10 s before embedding; input is already 16 kHz.
	if len(spk.gotLens) != 1 || spk.gotLens[0] != 10*16000 {
		t.Errorf("speaker encoder input lengths = %v, want [160000]", spk.gotLens)
	}
}

func TestGetConditioningLatents_diffusionConditioning(t *testing.T) {
	cfg := testModelConfig()
	diff := &fakeDiffusionNet{}

	eng, err := New(cfg, Components{
		Tokenizer:      fakeTokenizer{},
		Transformer:    &fakeTransformer{cfg: cfg},
		SpeakerEncoder: &fakeSpeakerEncoder{dim: cfg.SpeakerEmbedDim},
		Diffusion:      diff,
		MelVocoder:     &fakeMelVocoder{},
	}, WithSeed(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir := t.TempDir()
	refA := filepath.Join(dir, "a.wav")
	writeTestWAV(t, refA, toneSamples(2, 220, 22050), 22050, 1)
	refB := filepath.Join(dir, "b.wav")
	writeTestWAV(t, refB, toneSamples(6, 440, 22050), 22050, 1)

	cond, err := eng.GetConditioningLatents([]string{refA, refB}, ConditioningOptions{})
	if err != nil {
		t.Fatalf("GetConditioningLatents: %v", err)
	}
	if cond.Diffusion == nil {
		t.Fatal("diffusion conditioning missing")
	}

	// Per-clip chunking at 24 kHz with 102400-sample chunks: the 2 s clip
	// (48000 samples) yields one padded chunk, the 6 s clip (144000) two.
	shape := diff.condShape
	if len(shape) != 4 {
		t.Fatalf("conditioner input rank = %d, want 4", len(shape))
	}
	if shape[1] != 3 {
		t.Errorf("chunks = %d, want 3", shape[1])
	}
	if shape[2] != 100 {
		t.Errorf("mel bins = %d, want 100", shape[2])
	}
	// Fixed chunk size yields a fixed frame count: 1 + 102400/256 = 401.
	if shape[3] != 401 {
		t.Errorf("frames per chunk = %d, want 401", shape[3])
	}
}

func TestPrepareReferenceClip(t *testing.T) {
	t.Run("peak normalization targets 0.75", func(t *testing.T) {
		clip := audio.Clip{Samples: []float32{0.1, -0.2, 0.05}, SampleRate: 22050, Channels: 1}
		got := prepareReferenceClip(clip, ConditioningOptions{MaxRefSeconds: 10, PeakNormalize: true})

		var peak float64
		for _, s := range got {
			if a := math.Abs(float64(s)); a > peak {
				peak = a
			}
		}
		if math.Abs(peak-0.75) > 1e-6 {
			t.Errorf("peak = %f, want 0.75", peak)
		}
	})

	t.Run("silence trim removes quiet tails", func(t *testing.T) {
		rate := 22050
		samples := make([]float32, 3*rate)
		for i := range rate {
			samples[rate+i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / float64(rate)))
		}
		clip := audio.Clip{Samples: samples, SampleRate: rate, Channels: 1}

		got := prepareReferenceClip(clip, ConditioningOptions{MaxRefSeconds: 10, TrimDB: 30})
		if len(got) >= len(samples) {
			t.Error("no trimming happened")
		}
		if len(got) < rate {
			t.Errorf("trimmed to %d samples, want at least the loud second", len(got))
		}
	})

	t.Run("stereo cap counts interleaved samples", func(t *testing.T) {
		rate := 1000
		stereo := interleaveStereo(make([]float32, 5*rate))
		clip := audio.Clip{Samples: stereo, SampleRate: rate, Channels: 2}

		got := prepareReferenceClip(clip, ConditioningOptions{MaxRefSeconds: 2})
		if len(got) != 2*rate {
			t.Errorf("mono frames = %d, want %d", len(got), 2*rate)
		}
	})
}
