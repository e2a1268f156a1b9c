// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rnn implements multi-layer recurrent cells (LSTM and GRU) used by the
// caption decoder.
//
// The package builds the recurrence directly on the computation graph: Unroll
// lays out one graph node per sequence position, so the sequence length must be
// known at graph build time. State is represented as one node shaped
// [numLayers, batchSize, hiddenSize]; GRU cells have no cell state and take and
// return a nil cell node.
//
// Example:
//
//	outputs, h, c := rnn.New(ctx.In("rnn"), 256).
//		WithNumLayers(2).
//		WithCell(rnn.LSTM).
//		Unroll(x, nil, nil)
package rnn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// CellType selects the recurrent cell used by a Config.
type CellType int

const (
	// LSTM cells carry a hidden and a cell state.
	LSTM CellType = iota
	// GRU cells carry only a hidden state.
	GRU
)

// String implements fmt.Stringer.
func (c CellType) String() string {
	switch c {
	case LSTM:
		return "lstm"
	case GRU:
		return "gru"
	}
	return fmt.Sprintf("CellType(%d)", int(c))
}

// Config is built with New and configures a stack of recurrent layers.
type Config struct {
	ctx        *context.Context
	hiddenSize int
	numLayers  int
	cell       CellType
	dropout    float64
}

// New returns a Config for a recurrent stack with the given hidden size.
// It defaults to a single LSTM layer with no inter-layer dropout.
//
// The context scope passed here owns the layer variables, so two Configs built
// on the same scope share weights.
func New(ctx *context.Context, hiddenSize int) *Config {
	return &Config{
		ctx:        ctx,
		hiddenSize: hiddenSize,
		numLayers:  1,
		cell:       LSTM,
	}
}

// WithNumLayers sets the number of stacked recurrent layers. Default is 1.
func (c *Config) WithNumLayers(n int) *Config {
	c.numLayers = n
	return c
}

// WithCell selects the cell type. Default is LSTM.
func (c *Config) WithCell(cell CellType) *Config {
	c.cell = cell
	return c
}

// WithDropout sets the dropout rate applied to the outputs of every layer
// except the last, only during training. Default is 0.
func (c *Config) WithDropout(rate float64) *Config {
	c.dropout = rate
	return c
}

// NumGates returns how many gates the configured cell uses.
func (c *Config) NumGates() int {
	if c.cell == GRU {
		return 3
	}
	return 4
}

// Unroll runs the recurrent stack over x, shaped [batchSize, seqLen, featuresSize],
// building one graph step per sequence position.
//
// hidden and cell are the initial states, each shaped
// [numLayers, batchSize, hiddenSize], or nil for zero states. For GRU cells the
// cell state is ignored and returned as nil.
//
// It returns the per-position outputs of the top layer, shaped
// [batchSize, seqLen, hiddenSize], and the final hidden and cell states.
func (c *Config) Unroll(x, hidden, cell *Node) (outputs, lastHidden, lastCell *Node) {
	g := x.Graph()
	if x.Rank() != 3 {
		exceptions.Panicf("rnn: input must be rank-3 [batch, seqLen, features], got %s", x.Shape())
	}
	batchSize := x.Shape().Dim(0)
	dtype := x.DType()

	layerInput := x
	finalHidden := make([]*Node, 0, c.numLayers)
	finalCell := make([]*Node, 0, c.numLayers)
	for l := range c.numLayers {
		layerCtx := c.ctx.In(fmt.Sprintf("layer_%d", l))
		h0 := Zeros(g, shapes.Make(dtype, batchSize, c.hiddenSize))
		c0 := h0
		if hidden != nil {
			h0 = Squeeze(Slice(hidden, AxisElem(l)), 0)
		}
		if cell != nil {
			c0 = Squeeze(Slice(cell, AxisElem(l)), 0)
		}
		var hN, cN *Node
		layerInput, hN, cN = c.unrollLayer(layerCtx, layerInput, h0, c0)
		if l < c.numLayers-1 && c.dropout > 0 {
			layerInput = layers.DropoutStatic(c.ctx, layerInput, c.dropout)
		}
		finalHidden = append(finalHidden, hN)
		finalCell = append(finalCell, cN)
	}
	outputs = layerInput
	lastHidden = Stack(finalHidden, 0)
	if c.cell == LSTM {
		lastCell = Stack(finalCell, 0)
	}
	return
}

// Step runs a single recurrence step on x, shaped [batchSize, featuresSize].
// State handling is the same as Unroll. The returned output is the top layer
// hidden state, shaped [batchSize, hiddenSize].
func (c *Config) Step(x, hidden, cell *Node) (output, newHidden, newCell *Node) {
	var outputs *Node
	outputs, newHidden, newCell = c.Unroll(ExpandDims(x, 1), hidden, cell)
	output = Squeeze(outputs, 1)
	return output, newHidden, newCell
}

// unrollLayer runs one recurrent layer over the full sequence. The input
// projections for all gates and positions are computed as a single einsum, the
// recurrent projection runs once per position.
func (c *Config) unrollLayer(ctx *context.Context, x, h0, c0 *Node) (outputs, hN, cN *Node) {
	g := x.Graph()
	dtype := x.DType()
	seqLen := x.Shape().Dim(1)
	featuresSize := x.Shape().Dim(2)
	numGates := c.NumGates()

	inputsW := ctx.VariableWithShape("gates_inputs",
		shapes.Make(dtype, numGates, c.hiddenSize, featuresSize)).ValueGraph(g)
	recurrentW := ctx.VariableWithShape("gates_recurrent",
		shapes.Make(dtype, numGates, c.hiddenSize, c.hiddenSize)).ValueGraph(g)
	biases := ctx.VariableWithShape("biases",
		shapes.Make(dtype, 2*numGates, c.hiddenSize)).ValueGraph(g)

	// [numGates, 1, hiddenSize] each, broadcast over the batch axis.
	biasInputs := ExpandDims(Slice(biases, AxisRangeFromStart(numGates)), 1)
	biasRecurrent := ExpandDims(Slice(biases, AxisRangeToEnd(numGates)), 1)

	// [numGates, batchSize, seqLen, hiddenSize]
	inputsProj := Einsum("bsf,nhf->nbsh", x, inputsW)

	hPrev, cPrev := h0, c0
	steps := make([]*Node, 0, seqLen)
	for s := range seqLen {
		xProj := Squeeze(Slice(inputsProj, AxisRange(), AxisRange(), AxisElem(s)), 2)
		stateProj := Einsum("bh,njh->nbj", hPrev, recurrentW)
		gates := Add(Add(xProj, biasInputs), Add(stateProj, biasRecurrent))
		switch c.cell {
		case LSTM:
			hPrev, cPrev = lstmStep(gates, cPrev)
		case GRU:
			hPrev = gruStep(gates, stateProj, biasRecurrent, hPrev)
		}
		steps = append(steps, hPrev)
	}
	return Stack(steps, 1), hPrev, cPrev
}

// lstmStep applies LSTM gating. gates is [4, batchSize, hiddenSize] with gate
// order: input, output, forget, candidate.
func lstmStep(gates, cPrev *Node) (h, c *Node) {
	gate := func(i int) *Node { return Squeeze(Slice(gates, AxisElem(i)), 0) }
	input := Sigmoid(gate(0))
	output := Sigmoid(gate(1))
	forget := Sigmoid(gate(2))
	candidate := Tanh(gate(3))
	c = Add(Mul(forget, cPrev), Mul(input, candidate))
	h = Mul(output, Tanh(c))
	return
}

// gruStep applies GRU gating. gates is [3, batchSize, hiddenSize] with gate
// order: reset, update, candidate. The candidate gate needs the reset gate
// applied to the recurrent projection only, so the pre-summed candidate row of
// gates is discarded and rebuilt from its parts.
func gruStep(gates, stateProj, biasRecurrent, hPrev *Node) *Node {
	gate := func(x *Node, i int) *Node { return Squeeze(Slice(x, AxisElem(i)), 0) }
	reset := Sigmoid(gate(gates, 0))
	update := Sigmoid(gate(gates, 1))
	candInput := Sub(gate(gates, 2), Add(gate(stateProj, 2), gate(biasRecurrent, 2)))
	candRecurrent := Mul(reset, Add(gate(stateProj, 2), gate(biasRecurrent, 2)))
	candidate := Tanh(Add(candInput, candRecurrent))
	// h' = update*hPrev + (1-update)*candidate
	return Add(candidate, Mul(update, Sub(hPrev, candidate)))
}

// FoldBidirectional folds the final state of a bidirectional encoder, shaped
// [2*numLayers, batchSize, hiddenSize] with forward and backward directions
// interleaved per layer, into [numLayers, batchSize, 2*hiddenSize] by
// concatenating the two directions on the feature axis.
func FoldBidirectional(state *Node) *Node {
	if state.Rank() != 3 {
		exceptions.Panicf("rnn: bidirectional state must be rank-3, got %s", state.Shape())
	}
	if state.Shape().Dim(0)%2 != 0 {
		exceptions.Panicf("rnn: bidirectional state needs an even number of direction layers, got %d",
			state.Shape().Dim(0))
	}
	forward := Slice(state, AxisRange().Stride(2))
	backward := Slice(state, AxisRangeToEnd(1).Stride(2))
	return Concatenate([]*Node{forward, backward}, -1)
}
