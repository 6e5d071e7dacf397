package engine

import (
	"fmt"
	"io"

	"github.com/example/go-xtts/internal/tensor"
)

// streamState tracks the orchestrator's progress.
type streamState int

const (
	streamRunning  streamState = iota // pulling codes from the generator
	streamDraining                    // generator exhausted, final chunk pending
	streamDone                        // all chunks emitted
)

// Stream incrementally produces waveform chunks at OutputSampleRate. It is a
// single-consumer lazy sequence: call Next until it returns io.EOF. Abandoning
// the stream early needs no cleanup.
//
// Each emitted chunk overlaps its successor by OverlapLen samples; the
// overlap is blended with complementary linear fades so that concatenating
// all chunks reconstructs the full decode without seams.
type Stream struct {
	e    *Engine
	gen  *CodeGenerator
	cond *Conditioning
	s    Settings

	state   streamState
	latents []*tensor.Tensor
	pending int // codes accumulated since the last emitted chunk

	prevWavLen int
	overlap    []float32
}

// Next returns the next waveform chunk, or io.EOF once the stream is
// exhausted. Chunks are never empty.
func (st *Stream) Next() ([]float32, error) {
	for {
		switch st.state {
		case streamDone:
			return nil, io.EOF

		case streamDraining:
			st.state = streamDone
			if st.pending > 0 {
				return st.decodeChunk(true)
			}
			// The generator stopped exactly on a chunk boundary, so the
			// previous chunk still withholds its trailing overlap. Emit it
			// as-is; there is no successor to fade against.
			if len(st.overlap) > 0 {
				tail := st.overlap
				st.overlap = nil
				return tail, nil
			}
			return nil, io.EOF

		case streamRunning:
			_, latent, ok, err := st.gen.Step()
			if err != nil {
				st.state = streamDone
				return nil, err
			}
			if !ok {
				st.state = streamDraining
				continue
			}

			st.latents = append(st.latents, latent)
			st.pending++

			if st.pending >= st.s.StreamChunkSize {
				return st.decodeChunk(false)
			}
		}
	}
}

// decodeChunk re-decodes the full accumulated latent sequence and slices out
// the newly produced region, crossfading it against the previous chunk's
// tail. The final chunk keeps the trailing overlap so the concatenated
// stream covers the whole signal.
func (st *Stream) decodeChunk(final bool) ([]float32, error) {
	full, err := tensor.Concat(st.latents, 1)
	if err != nil {
		return nil, fmt.Errorf("concat streamed latents: %w", err)
	}

	wavGen, err := st.e.voc.Synthesize(full, st.cond.Speaker)
	if err != nil {
		return nil, fmt.Errorf("streamed vocoder synthesis: %w", err)
	}
	st.pending = 0

	ov := st.s.OverlapLen

	start := 0
	if st.prevWavLen > 0 {
		start = max(st.prevWavLen-ov, 0)
	}
	end := len(wavGen)
	if !final {
		end = max(len(wavGen)-ov, start)
	}

	chunk := make([]float32, end-start)
	copy(chunk, wavGen[start:end])

	if st.overlap != nil {
		n := min(len(st.overlap), len(chunk))
		for i := range n {
			fadeIn := float32(0)
			if n > 1 {
				fadeIn = float32(i) / float32(n-1)
			}
			chunk[i] = st.overlap[i]*(1-fadeIn) + chunk[i]*fadeIn
		}
	}

	if tail := len(wavGen) - ov; tail >= 0 {
		st.overlap = append([]float32(nil), wavGen[tail:]...)
	} else {
		st.overlap = append([]float32(nil), wavGen...)
	}
	st.prevWavLen = len(wavGen)

	return chunk, nil
}

// Codes returns the audio codes generated so far. Useful for diagnostics.
func (st *Stream) Codes() []int64 {
	return st.gen.Codes()
}
