// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoder

import "github.com/gomlx/gomlx/pkg/core/tensors"

// State holds the recurrent state of the decoder (or of the encoder feeding
// it). Hidden and Cell are shaped [numLayers, batchSize, hiddenSize]; Cell is
// nil for GRU cells.
type State struct {
	Hidden *tensors.Tensor
	Cell   *tensors.Tensor
}

// Result is returned by Decoder.Decode.
//
// Outputs and Sequence have one entry per decoded position. In beam mode both
// are empty and the decode history lives in Beam instead.
type Result struct {
	// Mode is the decode mode this call resolved to.
	Mode Mode

	// Outputs holds the normalized vocabulary distribution of each step,
	// each shaped [batchSize, vocabSize].
	Outputs []*tensors.Tensor

	// Sequence holds the symbol emitted at each step, each shaped
	// [batchSize, 1] with int32 token ids. In teacher-forced mode these are
	// the per-position argmax symbols, not the forced inputs.
	Sequence []*tensors.Tensor

	// Lengths has, per batch row, the decoded length: the position of the
	// first end-of-sequence symbol plus one, or the full decode length when
	// no end-of-sequence symbol was emitted.
	Lengths []int

	// FinalState is the recurrent state after the last step. It is nil in
	// beam mode, where each hypothesis carries its own state inside Beam.
	FinalState *State

	// Attention holds the attention coefficients of each step, each shaped
	// [batchSize, 1, numHeads, sourceLen]. Nil when the decoder was built
	// without attention or in beam mode.
	Attention []*tensors.Tensor

	// Beam holds the beam search trace. Outside beam mode it is an empty
	// placeholder, never nil.
	Beam *BeamTrace
}

// BeamSeed is the caller-provided starting point for beam search decoding.
//
// Tokens is shaped [numHypotheses, batchSize, 2] int32, where entry [k][b] is
// the (parentIndex, tokenID) pair of hypothesis k: parentIndex selects which
// hypothesis state to expand (0 for a fresh seed) and tokenID is the symbol to
// feed, typically the start-of-sequence id. Scores is shaped
// [numHypotheses, batchSize], typically all ones for a fresh seed since
// candidate scores are multiplicative.
type BeamSeed struct {
	State  *State
	Tokens *tensors.Tensor
	Scores *tensors.Tensor
}

// BeamTrace records the full history of a beam search decode, one entry per
// step. Hypotheses are not backtracked: reconstructing a sequence means
// following the parent indices in Tokens from the last step backwards.
type BeamTrace struct {
	// ProbVecs holds the normalized distributions each hypothesis produced,
	// shaped [numHypotheses, batchSize, vocabSize].
	ProbVecs []*tensors.Tensor

	// Hiddens and Cells hold the per-hypothesis recurrent states, shaped
	// [numHypotheses, numLayers, batchSize, hiddenSize]. Both include the
	// seed state as their first entry; Cells is empty for GRU cells.
	Hiddens []*tensors.Tensor
	Cells   []*tensors.Tensor

	// Tokens holds the selected (parentIndex, tokenID) pairs, shaped
	// [numHypotheses, batchSize, 2] int32, seed included as first entry.
	Tokens []*tensors.Tensor

	// Scores holds the running hypothesis scores, shaped
	// [numHypotheses, batchSize], seed included as first entry. Lower is
	// better.
	Scores []*tensors.Tensor
}
