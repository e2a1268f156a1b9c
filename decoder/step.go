// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoder

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"

	"github.com/gomlx/boxcaption/rnn"
)

// stepGraph builds the decode computation shared by all modes: embed the
// inputs, run the recurrent stack, optionally attend over the encoder outputs,
// project to vocabulary logits and normalize.
//
// input is [batchSize, width] int32 token ids, or [batchSize, width, vocabSize]
// distributions in probability-vector mode. width is the full sequence in
// teacher-forced mode and 1 in the autoregressive modes. hidden and cell are
// [numLayers, batchSize, hiddenSize] or nil for zero states.
//
// history, when non-nil, is [batchSize, n] int32 with the symbols emitted so
// far; their logits are overwritten with suppressedLogit before normalization.
// Only the greedy loop passes it, and only with width 1.
//
// Returns the normalized distribution [batchSize, width, vocabSize], the new
// recurrent states and, with attention enabled, the attention coefficients
// [batchSize, width, numHeads, sourceLen].
func (d *Decoder) stepGraph(ctx *context.Context, input, hidden, cell, encoderOutputs, history *Node,
	normalize NormalizeFn) (dist, newHidden, newCell, attnCoef *Node) {
	embedded := d.embed(ctx, input)
	if d.inputDropout > 0 {
		embedded = layers.DropoutStatic(ctx, embedded, d.inputDropout)
	}

	var outputs *Node
	outputs, newHidden, newCell = rnn.New(ctx.In("rnn"), d.hiddenSize).
		WithNumLayers(d.numLayers).
		WithCell(d.cell).
		WithDropout(d.recurrentDropout).
		Unroll(embedded, hidden, cell)

	blended := outputs
	if d.attentionHeads > 0 {
		blended, attnCoef = attention.MultiHeadAttention(
			ctx.In("attention"), outputs, encoderOutputs, encoderOutputs,
			d.attentionHeads, d.hiddenSize/d.attentionHeads).
			WithOutputDim(d.hiddenSize).
			DoneWithCoefficients()
	}

	logits := layers.Dense(ctx.In("output"), blended, true, d.vocabSize)
	if history != nil {
		logits = suppressRepeats(logits, history, d.vocabSize)
	}
	dist = normalize(logits)
	return
}

// LogitsGraph builds the teacher-forced forward pass for training: the full
// input sequence goes through embedding, recurrence, optional attention and
// the vocabulary head in one batched pass, starting from zero states.
//
// inputs is [batchSize, seqLen] int32 (or [batchSize, seqLen, vocabSize] with
// WithProbabilityInputs); encoderOutputs may be nil when the decoder has no
// attention. Returns unnormalized logits [batchSize, seqLen, vocabSize],
// suitable for losses.SparseCategoricalCrossEntropyLogits.
//
// ctx must be the same context the Decoder was built with (or a scope-
// compatible view of it) so training and decoding share variables.
func (d *Decoder) LogitsGraph(ctx *context.Context, inputs, encoderOutputs *Node) *Node {
	logits, _, _, _ := d.stepGraph(ctx, inputs, nil, nil, encoderOutputs, nil,
		func(logits *Node) *Node { return logits })
	return logits
}

// embed looks the inputs up in the embedding table, or blends the table by the
// given distributions in probability-vector mode.
func (d *Decoder) embed(ctx *context.Context, input *Node) *Node {
	g := input.Graph()
	embedCtx := ctx.In("embedding")
	var table *Node
	if d.embedInit != nil {
		v := embedCtx.VariableWithValue("table", d.embedInit)
		v.SetTrainable(d.embedTrainable)
		table = v.ValueGraph(g)
	} else {
		table = embedCtx.VariableWithShape("table",
			shapes.Make(d.dtype, d.vocabSize, d.embedDim)).ValueGraph(g)
	}
	if d.probInputs {
		return Einsum("bwv,ve->bwe", ConvertDType(input, d.dtype), table)
	}
	return Gather(table, ExpandDims(input, -1))
}

// suppressRepeats overwrites the logits of every symbol in history with
// suppressedLogit. logits is [batchSize, 1, vocabSize], history is
// [batchSize, n] int32.
func suppressRepeats(logits, history *Node, vocabSize int) *Node {
	// [batchSize, 1, vocabSize] mask with 1 at every emitted symbol.
	emitted := ReduceMax(OneHot(history, vocabSize, logits.DType()), 1)
	emitted = ExpandDims(emitted, 1)
	seen := GreaterOrEqual(emitted, ConstAs(emitted, 0.5))
	return Where(seen, ConstAs(logits, suppressedLogit), logits)
}
