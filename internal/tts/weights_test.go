package tts

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-xtts/internal/checkpoint"
	"github.com/example/go-xtts/internal/tensor"
)

// writeWeightsFile assembles a minimal weights container holding float32
// tensors and writes it under dir.
func writeWeightsFile(t *testing.T, dir string, tensors map[string][]float32) string {
	t.Helper()

	type entry struct {
		DType   string  `json:"dtype"`
		Shape   []int64 `json:"shape"`
		Offsets [2]int  `json:"data_offsets"`
	}

	header := make(map[string]entry, len(tensors))
	var payload []byte
	offset := 0
	for name, vals := range tensors {
		raw := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		header[name] = entry{
			DType:   "F32",
			Shape:   []int64{int64(len(vals))},
			Offsets: [2]int{offset, offset + len(raw)},
		}
		payload = append(payload, raw...)
		offset += len(raw)
	}

	hdrJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	data := make([]byte, 8, 8+len(hdrJSON)+len(payload))
	binary.LittleEndian.PutUint64(data, uint64(len(hdrJSON)))
	data = append(data, hdrJSON...)
	data = append(data, payload...)

	path := filepath.Join(dir, checkpoint.WeightsFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return path
}

func statsDict(t *testing.T, names map[string][]float32) checkpoint.StateDict {
	t.Helper()
	sd := make(checkpoint.StateDict, len(names))
	for name, vals := range names {
		tt, err := tensor.New(vals, []int64{int64(len(vals))})
		if err != nil {
			t.Fatalf("tensor.New: %v", err)
		}
		sd[name] = tt
	}
	return sd
}

func TestInferenceWeights_extractsMelStats(t *testing.T) {
	w := &inferenceWeights{expectBins: 3}
	sd := statsDict(t, map[string][]float32{
		"mel_stats":      {0.5, 1.5, 2.5},
		"gpt.wte.weight": {1, 2},
	})

	if err := w.LoadStateDict(sd, true); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	want := []float32{0.5, 1.5, 2.5}
	for i, v := range w.melStats {
		if v != want[i] {
			t.Errorf("melStats[%d] = %f, want %f", i, v, want[i])
		}
	}
}

func TestInferenceWeights_strictErrors(t *testing.T) {
	t.Run("missing mel_stats", func(t *testing.T) {
		w := &inferenceWeights{expectBins: 3}
		sd := statsDict(t, map[string][]float32{"gpt.wte.weight": {1}})
		if err := w.LoadStateDict(sd, true); err == nil {
			t.Error("want error, got nil")
		}
	})

	t.Run("wrong bin count", func(t *testing.T) {
		w := &inferenceWeights{expectBins: 3}
		sd := statsDict(t, map[string][]float32{"mel_stats": {1, 2}})
		if err := w.LoadStateDict(sd, true); err == nil {
			t.Error("want error, got nil")
		}
	})

	t.Run("cache tensors rejected until init", func(t *testing.T) {
		w := &inferenceWeights{expectBins: 1}
		sd := statsDict(t, map[string][]float32{
			"mel_stats":                    {1},
			"gpt.gpt_inference.wte.weight": {1, 2},
		})
		if err := w.LoadStateDict(sd, true); err == nil {
			t.Fatal("want error for cache tensor before init")
		}
		if err := w.InitInferenceCaches(); err != nil {
			t.Fatalf("InitInferenceCaches: %v", err)
		}
		if err := w.LoadStateDict(sd, true); err != nil {
			t.Errorf("post-init LoadStateDict: %v", err)
		}
	})

	t.Run("lenient load tolerates missing stats", func(t *testing.T) {
		w := &inferenceWeights{expectBins: 3}
		sd := statsDict(t, map[string][]float32{"gpt.wte.weight": {1}})
		if err := w.LoadStateDict(sd, false); err != nil {
			t.Errorf("LoadStateDict: %v", err)
		}
		if w.melStats != nil {
			t.Errorf("melStats = %v, want nil", w.melStats)
		}
	})
}

func TestInferenceWeights_loadIntoRetriesOnCacheTensors(t *testing.T) {
	dir := t.TempDir()
	// Legacy trainer prefix plus a materialized inference-cache duplicate:
	// the strict load fails once, cache init is performed, and the retry
	// succeeds with the stats extracted.
	path := writeWeightsFile(t, dir, map[string][]float32{
		"xtts.mel_stats":                    {0.25, 0.75},
		"xtts.gpt.gpt_inference.wte.weight": {1, 2, 3},
	})

	w := &inferenceWeights{expectBins: 2}
	if err := checkpoint.LoadInto(w, path, true); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if !w.cachesReady {
		t.Error("cachesReady = false, want cache init before the retry")
	}
	if len(w.melStats) != 2 || w.melStats[0] != 0.25 || w.melStats[1] != 0.75 {
		t.Errorf("melStats = %v, want [0.25 0.75]", w.melStats)
	}
}
