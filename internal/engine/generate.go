package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/example/go-xtts/internal/model"
	"github.com/example/go-xtts/internal/tensor"
)

// ErrTextTooLong is returned when the tokenized input reaches the model's
// maximum text-token count. Validated before any network call.
var ErrTextTooLong = errors.New("tokenized text too long")

// generator drives the transformer's conditional sampling procedure.
type generator struct {
	tf  model.Transformer
	cfg model.Config
}

// Generate produces GPTBatchSize independent audio-code sequences from one
// input. The stop code is consumed, never returned.
func (g *generator) Generate(tokens []int64, cond *tensor.Tensor, s Settings, rng *rand.Rand) ([][]int64, error) {
	if err := g.validateTokens(tokens); err != nil {
		return nil, err
	}

	sequences := make([][]int64, 0, s.GPTBatchSize)
	for range s.GPTBatchSize {
		var (
			codes []int64
			err   error
		)
		if s.NumBeams > 1 {
			codes, err = g.beamSearch(tokens, cond, s)
		} else {
			codes, err = g.sampleSequence(tokens, cond, s, rng)
		}
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, codes)
	}

	return sequences, nil
}

func (g *generator) validateTokens(tokens []int64) error {
	if len(tokens) >= g.cfg.MaxTextTokens {
		return fmt.Errorf("%w: %d tokens, maximum is %d", ErrTextTooLong, len(tokens), g.cfg.MaxTextTokens)
	}

	return nil
}

// sampleSequence runs one temperature/top-k/top-p sampling pass.
func (g *generator) sampleSequence(tokens []int64, cond *tensor.Tensor, s Settings, rng *rand.Rand) ([]int64, error) {
	state, err := g.tf.Prime(tokens, cond)
	if err != nil {
		return nil, fmt.Errorf("prime transformer: %w", err)
	}

	sCfg := samplerConfig{
		Temperature:       s.Temperature,
		TopK:              s.TopK,
		TopP:              s.TopP,
		RepetitionPenalty: s.RepetitionPenalty,
	}

	codes := make([]int64, 0, g.cfg.MaxAudioTokens)
	prev := g.cfg.StartAudioToken

	for step := range g.cfg.MaxAudioTokens {
		logits, _, err := g.tf.Step(state, prev)
		if err != nil {
			return nil, fmt.Errorf("generate step %d: %w", step, err)
		}

		var code int64
		if s.DoSample != nil && *s.DoSample {
			probs := processLogits(logits, codes, sCfg)
			code = sampleIndex(probs, rng)
		} else {
			code = argmaxIndex(logits)
		}

		if code == g.cfg.StopAudioToken {
			break
		}

		codes = append(codes, code)
		prev = code
	}

	slog.Debug("code generation complete", "codes", len(codes))

	return codes, nil
}

// beamSearch requires a transformer whose decode state can be duplicated.
type stateCloner interface {
	CloneState(model.DecodeState) (model.DecodeState, error)
}

type beam struct {
	state   model.DecodeState
	codes   []int64
	prev    int64
	logProb float64
}

// score is the length-penalty-normalized cumulative log probability.
func (b *beam) score(lengthPenalty float64) float64 {
	n := float64(len(b.codes))
	if n == 0 {
		n = 1
	}

	return b.logProb / math.Pow(n, lengthPenalty)
}

// beamSearch performs standard constrained beam decoding: each live beam is
// expanded with its NumBeams most likely continuations, the best NumBeams
// survive, and beams reaching the stop code move to the finished pool.
func (g *generator) beamSearch(tokens []int64, cond *tensor.Tensor, s Settings) ([]int64, error) {
	cloner, ok := g.tf.(stateCloner)
	if !ok {
		return nil, errors.New("transformer does not support state cloning required for beam search")
	}

	state, err := g.tf.Prime(tokens, cond)
	if err != nil {
		return nil, fmt.Errorf("prime transformer: %w", err)
	}

	live := []*beam{{state: state, prev: g.cfg.StartAudioToken}}
	var finished []*beam

	sCfg := samplerConfig{
		Temperature:       s.Temperature,
		RepetitionPenalty: s.RepetitionPenalty,
		// top-k/top-p do not apply to beam expansion
	}

	for range g.cfg.MaxAudioTokens {
		if len(live) == 0 {
			break
		}

		type candidate struct {
			parent  *beam
			code    int64
			logProb float64
		}
		var candidates []candidate

		for _, b := range live {
			logits, _, err := g.tf.Step(b.state, b.prev)
			if err != nil {
				return nil, fmt.Errorf("beam step: %w", err)
			}

			probs := processLogits(logits, b.codes, sCfg)
			top := topIndices(probs, s.NumBeams)
			for _, idx := range top {
				if probs[idx] <= 0 {
					continue
				}
				candidates = append(candidates, candidate{
					parent:  b,
					code:    int64(idx),
					logProb: b.logProb + math.Log(probs[idx]),
				})
			}
		}

		sort.Slice(candidates, func(a, b int) bool { return candidates[a].logProb > candidates[b].logProb })
		if len(candidates) > s.NumBeams {
			candidates = candidates[:s.NumBeams]
		}

		next := make([]*beam, 0, len(candidates))
		for _, c := range candidates {
			if c.code == g.cfg.StopAudioToken {
				finished = append(finished, &beam{
					codes:   append([]int64(nil), c.parent.codes...),
					logProb: c.logProb,
				})
				continue
			}

			cloned, err := cloner.CloneState(c.parent.state)
			if err != nil {
				return nil, fmt.Errorf("clone beam state: %w", err)
			}

			nb := &beam{
				state:   cloned,
				codes:   append(append([]int64(nil), c.parent.codes...), c.code),
				prev:    c.code,
				logProb: c.logProb,
			}
			next = append(next, nb)
		}

		live = next
	}

	finished = append(finished, live...)
	if len(finished) == 0 {
		return nil, errors.New("beam search produced no sequences")
	}

	best := finished[0]
	for _, b := range finished[1:] {
		if b.score(s.LengthPenalty) > best.score(s.LengthPenalty) {
			best = b
		}
	}

	slog.Debug("beam search complete", "beams", len(finished), "codes", len(best.codes))

	return best.codes, nil
}

func topIndices(probs []float64, n int) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	if len(idx) > n {
		idx = idx[:n]
	}

	return idx
}

// CodeGenerator is the incremental generation mode used by streaming: one
// Step call emits one (code, hidden latent) pair. It is a lazy, single-pass
// producer; abandoning it requires no cleanup.
type CodeGenerator struct {
	g     *generator
	state model.DecodeState
	sCfg  samplerConfig
	rng   *rand.Rand

	doSample bool
	codes    []int64
	prev     int64
	done     bool
}

// Incremental primes the transformer and returns a step-wise generator.
func (g *generator) Incremental(tokens []int64, cond *tensor.Tensor, s Settings, rng *rand.Rand) (*CodeGenerator, error) {
	if err := g.validateTokens(tokens); err != nil {
		return nil, err
	}

	state, err := g.tf.Prime(tokens, cond)
	if err != nil {
		return nil, fmt.Errorf("prime transformer: %w", err)
	}

	return &CodeGenerator{
		g:     g,
		state: state,
		sCfg: samplerConfig{
			Temperature:       s.Temperature,
			TopK:              s.TopK,
			TopP:              s.TopP,
			RepetitionPenalty: s.RepetitionPenalty,
		},
		rng:      rng,
		doSample: s.DoSample != nil && *s.DoSample,
		prev:     g.cfg.StartAudioToken,
	}, nil
}

// Step produces the next (code, latent) pair. ok is false once the model
// emits its stop code or the code budget is exhausted.
func (cg *CodeGenerator) Step() (code int64, latent *tensor.Tensor, ok bool, err error) {
	if cg.done {
		return 0, nil, false, nil
	}
	if len(cg.codes) >= cg.g.cfg.MaxAudioTokens {
		cg.done = true
		return 0, nil, false, nil
	}

	logits, hidden, err := cg.g.tf.Step(cg.state, cg.prev)
	if err != nil {
		return 0, nil, false, fmt.Errorf("incremental step %d: %w", len(cg.codes), err)
	}

	if cg.doSample {
		probs := processLogits(logits, cg.codes, cg.sCfg)
		code = sampleIndex(probs, cg.rng)
	} else {
		code = argmaxIndex(logits)
	}

	if code == cg.g.cfg.StopAudioToken {
		cg.done = true
		return 0, nil, false, nil
	}

	cg.codes = append(cg.codes, code)
	cg.prev = code

	return code, hidden, true, nil
}

// Done reports whether the generator is exhausted.
func (cg *CodeGenerator) Done() bool { return cg.done }

// Codes returns the codes emitted so far.
func (cg *CodeGenerator) Codes() []int64 {
	return append([]int64(nil), cg.codes...)
}
