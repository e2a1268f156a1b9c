// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decoder implements an attention-augmented recurrent sequence decoder
// for image and box captioning.
//
// A Decoder owns an embedding table, a stack of recurrent layers (see the rnn
// package), an optional attention block over encoder outputs and a linear
// vocabulary head. Decode runs it in one of three modes:
//
//   - teacher-forced: the caller-provided input sequence is fed to every step
//     in one batched pass;
//   - greedy: the decoder runs autoregressively, feeding each step's argmax
//     symbol (or its full distribution, see WithProbabilityInputs) to the next;
//   - beam search: experimental, keeps the K best hypotheses per step and
//     records the full expansion trace.
//
// The decoder runs host-side step loops and executes compiled graphs per step,
// so states and intermediate results are ordinary tensors the caller can
// inspect between calls.
package decoder

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/boxcaption/rnn"
)

// ErrInvalidConfiguration is wrapped by all errors Decode returns for inconsistent
// configuration or call options.
var ErrInvalidConfiguration = errors.New("invalid decoder configuration")

// DefaultMaxLength is the decode length used when no input sequence is given
// and WithMaxLength was not called.
const DefaultMaxLength = 15

// suppressedLogit overwrites the logits of already-emitted symbols during
// greedy decoding. Notice it is near zero, not very negative: symbols whose
// natural logit is negative can still win the argmax. Kept as-is for parity
// with trained checkpoints.
const suppressedLogit = 1e-18

// Mode identifies how Decode ran. Decode reports the chosen mode on
// Result.Mode.
type Mode int

const (
	// ModeTeacherForced feeds the provided inputs at every step.
	ModeTeacherForced Mode = iota
	// ModeGreedy feeds each step's own output to the next step.
	ModeGreedy
	// ModeBeam runs beam search expansion. Experimental.
	ModeBeam
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTeacherForced:
		return "teacher-forced"
	case ModeGreedy:
		return "greedy"
	case ModeBeam:
		return "beam"
	}
	return "unknown"
}

// NormalizeFn converts the vocabulary logits of one decode pass, shaped
// [batchSize, width, vocabSize], into the distribution reported in
// Result.Outputs and fed back in probability-vector mode. The default is
// Softmax over the last axis.
type NormalizeFn func(logits *Node) *Node

// Decoder is built with New and configured with the With* methods before the
// first Decode call. It is not safe for concurrent use: the step loops thread
// recurrent state through the model variables' context.
type Decoder struct {
	backend backends.Backend
	ctx     *context.Context

	vocabSize  int
	hiddenSize int
	embedDim   int
	numLayers  int
	maxLength  int
	sosID      int
	eosID      int

	cell                 rnn.CellType
	bidirectionalEncoder bool
	attentionHeads       int
	inputDropout         float64
	recurrentDropout     float64
	probInputs           bool
	fullLength           bool
	beamWidth            int

	embedInit      *tensors.Tensor
	embedTrainable bool

	// semiSupervised is accepted for checkpoint compatibility with earlier
	// trainers but has no effect on decoding.
	semiSupervised bool

	dtype dtypes.DType
	rand  *rand.Rand
}

// CallOptions are the per-call arguments of Decode.
type CallOptions struct {
	// Inputs is the target sequence, shaped [batchSize, seqLen] int32, or
	// [batchSize, seqLen, vocabSize] when the decoder was built with
	// WithProbabilityInputs. When set, the decode length is seqLen-1. When
	// nil the decoder synthesizes a start-of-sequence input and decodes for
	// the configured maximum length; TeacherForcingRatio must then be 0.
	Inputs *tensors.Tensor

	// EncoderHidden seeds the recurrent state. With
	// WithBidirectionalEncoder the two directions are folded onto the
	// feature axis first. Nil starts from zero states.
	EncoderHidden *State

	// EncoderOutputs, shaped [batchSize, sourceLen, hiddenSize], are
	// attended over at each step. Required when the decoder was built with
	// attention.
	EncoderOutputs *tensors.Tensor

	// BeamSeed provides the starting hypotheses for beam mode.
	BeamSeed *BeamSeed

	// TeacherForcingRatio is the probability of running this call
	// teacher-forced. 1 forces it, 0 disables it.
	TeacherForcingRatio float64

	// MaxLength overrides the decoder's configured maximum decode length
	// for this call. 0 keeps the configured value. Ignored when Inputs are
	// given, since the decode length then comes from the sequence length.
	MaxLength int

	// Normalize overrides the default softmax normalization.
	Normalize NormalizeFn
}

// New creates a Decoder on the given backend. Model variables live under ctx,
// so passing the same context (and scope) to several decoders shares weights.
//
// sosID is fed as the first symbol when no inputs are given; eosID terminates
// length accounting (see Result.Lengths).
func New(backend backends.Backend, ctx *context.Context, vocabSize, hiddenSize, sosID, eosID int) *Decoder {
	return &Decoder{
		backend:        backend,
		ctx:            ctx,
		vocabSize:      vocabSize,
		hiddenSize:     hiddenSize,
		embedDim:       hiddenSize,
		numLayers:      1,
		maxLength:      DefaultMaxLength,
		sosID:          sosID,
		eosID:          eosID,
		cell:           rnn.LSTM,
		attentionHeads: 0,
		dtype:          dtypes.Float32,
	}
}

// WithMaxLength sets the decode length used when no inputs are given.
// Default is DefaultMaxLength.
func (d *Decoder) WithMaxLength(n int) *Decoder {
	d.maxLength = n
	return d
}

// WithNumLayers sets the number of recurrent layers. Default is 1.
func (d *Decoder) WithNumLayers(n int) *Decoder {
	d.numLayers = n
	return d
}

// WithCell selects the recurrent cell type. Default is rnn.LSTM.
func (d *Decoder) WithCell(cell rnn.CellType) *Decoder {
	d.cell = cell
	return d
}

// WithAttention enables attention over the encoder outputs with the given
// number of heads.
func (d *Decoder) WithAttention(numHeads int) *Decoder {
	d.attentionHeads = numHeads
	return d
}

// WithBidirectionalEncoder declares that EncoderHidden states come from a
// bidirectional encoder and must be folded before use.
func (d *Decoder) WithBidirectionalEncoder() *Decoder {
	d.bidirectionalEncoder = true
	return d
}

// WithInputDropout sets the dropout rate on the embedded inputs during
// training. Default is 0.
func (d *Decoder) WithInputDropout(rate float64) *Decoder {
	d.inputDropout = rate
	return d
}

// WithRecurrentDropout sets the dropout rate between recurrent layers during
// training. Default is 0.
func (d *Decoder) WithRecurrentDropout(rate float64) *Decoder {
	d.recurrentDropout = rate
	return d
}

// WithProbabilityInputs switches the decoder input from token ids to full
// vocabulary distributions, shaped [batchSize, width, vocabSize]. In greedy
// mode each step then feeds its normalized output distribution, not its argmax
// symbol, to the next step.
func (d *Decoder) WithProbabilityInputs() *Decoder {
	d.probInputs = true
	return d
}

// WithFullLength disables end-of-sequence length accounting: Result.Lengths
// always reports the full decode length.
func (d *Decoder) WithFullLength() *Decoder {
	d.fullLength = true
	return d
}

// WithBeamWidth enables beam search with k hypotheses for calls that are not
// teacher-forced. Experimental.
func (d *Decoder) WithBeamWidth(k int) *Decoder {
	d.beamWidth = k
	return d
}

// WithEmbedding uses the given [vocabSize, embedDim] table as embedding
// instead of a freshly initialized [vocabSize, hiddenSize] one. trainable
// controls whether the table receives gradient updates.
func (d *Decoder) WithEmbedding(table *tensors.Tensor, trainable bool) *Decoder {
	d.embedInit = table
	d.embedTrainable = trainable
	d.embedDim = table.Shape().Dim(1)
	return d
}

// WithSemiSupervised is accepted for configuration compatibility with earlier
// training setups. It does not change decoding.
func (d *Decoder) WithSemiSupervised(enabled bool) *Decoder {
	d.semiSupervised = enabled
	return d
}

// WithDType sets the floating point dtype of the model. Default is Float32.
func (d *Decoder) WithDType(dtype dtypes.DType) *Decoder {
	d.dtype = dtype
	return d
}

// WithRand sets the random source used for the teacher forcing draw, mostly
// for tests. Default is the shared package-level source.
func (d *Decoder) WithRand(r *rand.Rand) *Decoder {
	d.rand = r
	return d
}

// decodePlan is the resolved shape of one Decode call.
type decodePlan struct {
	mode      Mode
	batchSize int
	steps     int
	normalize NormalizeFn
	// start is the synthesized first input when no inputs were given.
	start *tensors.Tensor
}

// Decode runs one decode pass according to opts. See the package documentation
// for the three modes.
func (d *Decoder) Decode(opts CallOptions) (*Result, error) {
	p, err := d.plan(&opts)
	if err != nil {
		return nil, err
	}
	switch p.mode {
	case ModeTeacherForced:
		state, err := d.initialState(opts.EncoderHidden)
		if err != nil {
			return nil, err
		}
		return d.decodeTeacherForced(&opts, p, state)
	case ModeBeam:
		return d.decodeBeam(&opts, p)
	default:
		state, err := d.initialState(opts.EncoderHidden)
		if err != nil {
			return nil, err
		}
		return d.decodeGreedy(&opts, p, state)
	}
}

// plan validates opts against the decoder configuration and resolves mode,
// batch size and decode length.
func (d *Decoder) plan(opts *CallOptions) (p *decodePlan, err error) {
	p = &decodePlan{normalize: opts.Normalize}
	if p.normalize == nil {
		p.normalize = func(logits *Node) *Node { return Softmax(logits) }
	}

	if d.attentionHeads > 0 && opts.EncoderOutputs == nil {
		return nil, errors.Wrap(ErrInvalidConfiguration, "decoder uses attention but no encoder outputs were given")
	}
	if opts.TeacherForcingRatio > 0 && opts.Inputs == nil {
		return nil, errors.Wrap(ErrInvalidConfiguration, "teacher forcing requires an input sequence")
	}

	useTeacherForcing := opts.TeacherForcingRatio > 0 && d.randFloat() < opts.TeacherForcingRatio
	switch {
	case useTeacherForcing:
		p.mode = ModeTeacherForced
	case d.beamWidth > 0:
		p.mode = ModeBeam
		if err = d.checkBeamSeed(opts.BeamSeed); err != nil {
			return nil, err
		}
	default:
		p.mode = ModeGreedy
	}

	switch {
	case p.mode == ModeBeam:
		p.batchSize = opts.BeamSeed.Scores.Shape().Dim(1)
	case opts.Inputs != nil:
		p.batchSize = opts.Inputs.Shape().Dim(0)
	case opts.EncoderHidden != nil:
		p.batchSize = opts.EncoderHidden.Hidden.Shape().Dim(1)
	default:
		p.batchSize = 1
	}

	switch {
	case opts.Inputs != nil:
		p.steps = opts.Inputs.Shape().Dim(1) - 1
	case opts.MaxLength > 0:
		p.steps = opts.MaxLength
	default:
		p.steps = d.maxLength
	}

	if opts.Inputs == nil && p.mode == ModeGreedy {
		p.start = d.startInput(p.batchSize)
	}
	return p, nil
}

func (d *Decoder) checkBeamSeed(seed *BeamSeed) error {
	if seed == nil {
		return errors.Wrap(ErrInvalidConfiguration, "beam decoding requires a beam seed")
	}
	if seed.Tokens == nil || seed.Scores == nil {
		return errors.Wrap(ErrInvalidConfiguration, "beam seed needs tokens and scores")
	}
	if seed.State == nil || seed.State.Hidden == nil {
		return errors.Wrap(ErrInvalidConfiguration, "beam seed needs a recurrent state")
	}
	if d.cell == rnn.LSTM && seed.State.Cell == nil {
		return errors.Wrap(ErrInvalidConfiguration, "beam seed needs a cell state for LSTM decoders")
	}
	return nil
}

// startInput synthesizes the first decoder input when no inputs were given:
// the start-of-sequence id per batch row, or its one-hot distribution in
// probability-vector mode.
func (d *Decoder) startInput(batchSize int) *tensors.Tensor {
	if d.probInputs {
		oneHot := make([][][]float32, batchSize)
		for b := range oneHot {
			row := make([]float32, d.vocabSize)
			row[d.sosID] = 1
			oneHot[b] = [][]float32{row}
		}
		return tensors.FromValue(oneHot)
	}
	ids := make([][]int32, batchSize)
	for b := range ids {
		ids[b] = []int32{int32(d.sosID)}
	}
	return tensors.FromValue(ids)
}

// initialState folds a bidirectional encoder state when needed. It returns nil
// for a nil encoder state, which the recurrent stack treats as zeros.
func (d *Decoder) initialState(enc *State) (*State, error) {
	if enc == nil {
		return nil, nil
	}
	if !d.bidirectionalEncoder {
		return enc, nil
	}
	foldExec, err := NewExec(d.backend, func(state *Node) *Node {
		return rnn.FoldBidirectional(state)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building bidirectional state fold")
	}
	folded := &State{}
	outputs, err := foldExec.Exec(enc.Hidden)
	if err != nil {
		return nil, errors.WithMessage(err, "folding encoder hidden state")
	}
	folded.Hidden = outputs[0]
	if enc.Cell != nil {
		outputs, err = foldExec.Exec(enc.Cell)
		if err != nil {
			return nil, errors.WithMessage(err, "folding encoder cell state")
		}
		folded.Cell = outputs[0]
	}
	return folded, nil
}

func (d *Decoder) randFloat() float64 {
	if d.rand != nil {
		return d.rand.Float64()
	}
	return rand.Float64()
}
