// Package checkpoint loads model weights from a checkpoint directory and
// adapts legacy trainer-wrapped key namespaces into the runtime layout.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/example/go-xtts/internal/tensor"
)

// Default file names inside a checkpoint directory.
const (
	WeightsFileName = "model.pth"
	VocabFileName   = "vocab.json"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
)

// StateDict maps weight names to tensors.
type StateDict map[string]*tensor.Tensor

// Weights is a parsed checkpoint container: an 8-byte little-endian header
// length, a JSON header mapping tensor names to dtype/shape/offsets, then
// raw tensor bytes.
type Weights struct {
	raw     []byte
	entries map[string]weightsEntry
	names   []string
}

type weightsEntry struct {
	DType string
	Shape []int64
	Start int
	End   int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// Open reads and parses a weights container from disk. A missing file is a
// load-time fatal error for the caller.
func Open(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	return OpenBytes(data)
}

// OpenBytes parses a weights container from memory.
func OpenBytes(data []byte) (*Weights, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("checkpoint: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	headerEnd := 8 + int(headerLen)
	if headerEnd > len(data) {
		return nil, fmt.Errorf("checkpoint: header length %d exceeds file size %d", headerLen, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return nil, fmt.Errorf("checkpoint: parse header: %w", err)
	}

	entries := make(map[string]weightsEntry, len(header))
	names := make([]string, 0, len(header))

	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("checkpoint: decode header entry %q: %w", name, err)
		}

		dtype := strings.ToUpper(e.DType)
		switch dtype {
		case dtypeF32, dtypeF16, dtypeBF16:
		default:
			return nil, fmt.Errorf("checkpoint: tensor %q has unsupported dtype %q", name, e.DType)
		}

		start := headerEnd + e.Offsets[0]
		end := headerEnd + e.Offsets[1]
		if start < headerEnd || end < start || end > len(data) {
			return nil, fmt.Errorf("checkpoint: tensor %q data [%d:%d] exceeds file size %d", name, start, end, len(data))
		}

		entries[name] = weightsEntry{
			DType: dtype,
			Shape: append([]int64(nil), e.Shape...),
			Start: start,
			End:   end,
		}
		names = append(names, name)
	}

	if len(entries) == 0 {
		return nil, errors.New("checkpoint: no tensors found")
	}

	sort.Strings(names)

	return &Weights{raw: data, entries: entries, names: names}, nil
}

// Names returns tensor names in sorted order.
func (w *Weights) Names() []string {
	return append([]string(nil), w.names...)
}

// Has reports whether the container holds the named tensor.
func (w *Weights) Has(name string) bool {
	_, ok := w.entries[name]
	return ok
}

// Tensor decodes the named tensor to float32.
func (w *Weights) Tensor(name string) (*tensor.Tensor, error) {
	e, ok := w.entries[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint: tensor %q not found", name)
	}

	data, err := decodeValues(w.raw[e.Start:e.End], e.DType)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
	}

	return tensor.New(data, e.Shape)
}

// StateDict decodes every tensor in the container under its stored name.
// Key policy is the loader's concern; see RemapStateDict.
func (w *Weights) StateDict() (StateDict, error) {
	sd := make(StateDict, len(w.entries))
	for _, name := range w.names {
		t, err := w.Tensor(name)
		if err != nil {
			return nil, err
		}
		sd[name] = t
	}

	return sd, nil
}

func decodeValues(raw []byte, dtype string) ([]float32, error) {
	switch dtype {
	case dtypeF32:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("F32 payload of %d bytes is not 4-aligned", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case dtypeF16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("F16 payload of %d bytes is not 2-aligned", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case dtypeBF16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("BF16 payload of %d bytes is not 2-aligned", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	var bits uint32

	switch exp {
	case 0:
		if frac == 0 {
			bits = sign << 31
		} else {
			// Subnormal: normalize.
			e := int32(-14)
			for (frac & 0x0400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x03ff
			bits = (sign << 31) | (uint32(e+127) << 23) | (frac << 13)
		}
	case 0x1f:
		bits = (sign << 31) | 0x7f800000 | (frac << 13)
	default:
		bits = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}

	return math.Float32frombits(bits)
}
