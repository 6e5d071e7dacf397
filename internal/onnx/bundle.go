package onnx

import (
	"context"
	"fmt"
	"maps"
)

// GraphRunner is the minimal runner contract required by the model adapters.
// It is useful for alternate runtimes and for test fakes.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// Bundle holds one runner per exported graph.
type Bundle struct {
	runners map[string]GraphRunner
}

// OpenBundle loads the manifest and creates a runner for every graph it
// declares.
func OpenBundle(manifestPath string, cfg RunnerConfig) (*Bundle, error) {
	sm, err := LoadSessionsOnce(manifestPath)
	if err != nil {
		return nil, err
	}

	runners := make(map[string]GraphRunner)
	for _, meta := range sm.Sessions() {
		r, err := NewRunner(meta, cfg)
		if err != nil {
			for _, open := range runners {
				open.Close()
			}
			return nil, err
		}
		runners[meta.Name] = r
	}

	return &Bundle{runners: runners}, nil
}

// NewBundleWithRunners builds a Bundle from externally provided graph
// runners.
func NewBundleWithRunners(runners map[string]GraphRunner) *Bundle {
	internal := make(map[string]GraphRunner, len(runners))
	maps.Copy(internal, runners)

	return &Bundle{runners: internal}
}

// Has reports whether a graph with the given name was loaded.
func (b *Bundle) Has(name string) bool {
	_, ok := b.runners[name]
	return ok
}

func (b *Bundle) runner(name string) (GraphRunner, error) {
	r, ok := b.runners[name]
	if !ok {
		return nil, fmt.Errorf("%s graph not found in manifest", name)
	}
	return r, nil
}

// Close releases every runner. Safe to call multiple times.
func (b *Bundle) Close() {
	for _, r := range b.runners {
		r.Close()
	}
	b.runners = map[string]GraphRunner{}
}
