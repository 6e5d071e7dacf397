package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cwbudde/wav"
)

// Output format produced by the synthesis pipeline. Reference audio inputs
// may arrive in any rate/channel layout; only generated audio is fixed.
const (
	OutputSampleRate = 24000
	OutputChannels   = 1
	OutputBitDepth   = 16
)

// Clip holds decoded reference audio. Samples are interleaved when
// Channels > 1.
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Seconds returns the clip duration.
func (c Clip) Seconds() float64 {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.Channels) / float64(c.SampleRate)
}

// DecodeWAV decodes WAV bytes into float32 PCM. Unlike the synthesis output
// path, any sample rate and channel count is accepted; resampling and
// downmixing happen later in the conditioning pipeline.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, errors.New("empty WAV input")
	}

	r := bytes.NewReader(data)
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("reading PCM data: %w", err)
	}

	if dec.SampleRate == 0 {
		return Clip{}, errors.New("WAV header reports zero sample rate")
	}
	if dec.NumChans == 0 {
		return Clip{}, errors.New("WAV header reports zero channels")
	}

	return Clip{
		Samples:    buf.Data,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// DecodeWAVFile reads and decodes a WAV file from disk.
func DecodeWAVFile(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("read reference audio: %w", err)
	}

	clip, err := DecodeWAV(data)
	if err != nil {
		return Clip{}, fmt.Errorf("decode %s: %w", path, err)
	}

	return clip, nil
}
