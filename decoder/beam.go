// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoder

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/boxcaption/rnn"
)

// Candidate scores multiply the running hypothesis score by the negative log
// probability of the candidate token, so a fresh seed starts at score 1 and
// lower scores are better. The epsilon keeps the log finite on zero
// probabilities.
const beamScoreEpsilon = 1e-18

// decodeBeam expands the seed hypotheses for exactly the planned number of
// steps, keeping the beamWidth best candidates per step. There is no
// end-of-sequence early stop and no backtracking: the caller reconstructs
// sequences from the returned trace.
func (d *Decoder) decodeBeam(opts *CallOptions, p *decodePlan) (*Result, error) {
	seed := opts.BeamSeed
	hasCell := d.cell == rnn.LSTM

	// Replicates the shared seed state per hypothesis and stacks per-
	// hypothesis step results. Shape-polymorphic, reused for distributions
	// and states.
	stackExec, err := NewExec(d.backend, func(inputs []*Node) []*Node {
		expanded := make([]*Node, len(inputs))
		for i, input := range inputs {
			expanded[i] = ExpandDims(input, 0)
		}
		return []*Node{Concatenate(expanded, 0)}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building beam stack graph")
	}
	stackExec.SetMaxCache(-1)
	stack := func(parts []*tensors.Tensor) (*tensors.Tensor, error) {
		args := make([]any, len(parts))
		for i, part := range parts {
			args[i] = part
		}
		outputs, err := stackExec.Exec(args...)
		if err != nil {
			return nil, err
		}
		return outputs[0], nil
	}

	// expandExec runs one hypothesis: gather its parent state, feed its
	// token through the step computation. Inputs: hypothesis index [1, 1],
	// hiddens [k, layers, batch, hidden], cells (LSTM only), tokens
	// [k, batch, 2] and the encoder outputs when attending.
	expandExec, err := context.NewExec(d.backend, d.ctx.Reuse(),
		func(ctx *context.Context, inputs []*Node) []*Node {
			next := 0
			pop := func() *Node { n := inputs[next]; next++; return n }
			hypIndex := pop()
			hiddens := pop()
			var cells *Node
			if hasCell {
				cells = pop()
			}
			tokens := pop()
			var encoderOutputs *Node
			if d.attentionHeads > 0 {
				encoderOutputs = pop()
			}

			// [batch, 2] row of this hypothesis: (parent, token).
			row := Squeeze(Gather(tokens, hypIndex), 0)
			parents := Slice(row, AxisRange(), AxisElem(0))
			token := Slice(row, AxisRange(), AxisElem(1))

			hidden := gatherHypothesisState(hiddens, parents)
			if cells != nil {
				cells = gatherHypothesisState(cells, parents)
			}

			input := token
			if d.probInputs {
				input = OneHot(token, d.vocabSize, d.dtype)
			}
			dist, newHidden, newCell, _ := d.stepGraph(ctx, input, hidden, cells, encoderOutputs, nil, p.normalize)
			outs := []*Node{Squeeze(dist, 1), newHidden}
			if newCell != nil {
				outs = append(outs, newCell)
			}
			return outs
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building beam expansion graph")
	}
	expandExec.SetMaxCache(-1)

	selectExec, err := NewExec(d.backend, d.selectCandidatesGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "building beam selection graph")
	}
	selectExec.SetMaxCache(-1)

	// Seed: replicate the shared state per seed hypothesis.
	numSeeds := seed.Tokens.Shape().Dim(0)
	replicate := func(t *tensors.Tensor) (*tensors.Tensor, error) {
		parts := make([]*tensors.Tensor, numSeeds)
		for i := range parts {
			parts[i] = t
		}
		return stack(parts)
	}
	hiddens, err := replicate(seed.State.Hidden)
	if err != nil {
		return nil, errors.WithMessage(err, "replicating beam seed hidden state")
	}
	var cells *tensors.Tensor
	if hasCell {
		if cells, err = replicate(seed.State.Cell); err != nil {
			return nil, errors.WithMessage(err, "replicating beam seed cell state")
		}
	}
	tokens, scores := seed.Tokens, seed.Scores

	trace := &BeamTrace{
		Hiddens: []*tensors.Tensor{hiddens},
		Tokens:  []*tensors.Tensor{tokens},
		Scores:  []*tensors.Tensor{scores},
	}
	if hasCell {
		trace.Cells = []*tensors.Tensor{cells}
	}

	hypIndex := make([]*tensors.Tensor, d.beamWidth)
	for k := range hypIndex {
		hypIndex[k] = tensors.FromValue([][]int32{{int32(k)}})
	}

	for step := 0; step < p.steps; step++ {
		numHyp := tokens.Shape().Dim(0)
		dists := make([]*tensors.Tensor, numHyp)
		newHiddens := make([]*tensors.Tensor, numHyp)
		newCells := make([]*tensors.Tensor, numHyp)
		for k := 0; k < numHyp; k++ {
			args := []any{hypIndex[k], hiddens}
			if hasCell {
				args = append(args, cells)
			}
			args = append(args, tokens)
			if d.attentionHeads > 0 {
				args = append(args, opts.EncoderOutputs)
			}
			outputs, err := expandExec.Exec(args...)
			if err != nil {
				return nil, errors.WithMessagef(err, "expanding beam hypothesis %d at step %d", k, step)
			}
			dists[k] = outputs[0]
			newHiddens[k] = outputs[1]
			if hasCell {
				newCells[k] = outputs[2]
			}
		}

		stackedDists, err := stack(dists)
		if err != nil {
			return nil, errors.WithMessagef(err, "stacking beam distributions at step %d", step)
		}
		if hiddens, err = stack(newHiddens); err != nil {
			return nil, errors.WithMessagef(err, "stacking beam hidden states at step %d", step)
		}
		if hasCell {
			if cells, err = stack(newCells); err != nil {
				return nil, errors.WithMessagef(err, "stacking beam cell states at step %d", step)
			}
		}

		selected, err := selectExec.Exec(stackedDists, scores)
		if err != nil {
			return nil, errors.WithMessagef(err, "selecting beam candidates at step %d", step)
		}
		tokens, scores = selected[0], selected[1]

		trace.ProbVecs = append(trace.ProbVecs, stackedDists)
		trace.Hiddens = append(trace.Hiddens, hiddens)
		if hasCell {
			trace.Cells = append(trace.Cells, cells)
		}
		trace.Tokens = append(trace.Tokens, tokens)
		trace.Scores = append(trace.Scores, scores)
	}

	lengths := make([]int, p.batchSize)
	for b := range lengths {
		lengths[b] = p.steps
	}
	return &Result{Mode: ModeBeam, Lengths: lengths, Beam: trace}, nil
}

// selectCandidatesGraph scores all numHyp*vocabSize candidates and keeps the
// beamWidth best (lowest). Candidate scores multiply the parent's running
// score by -log(probability). probs is [numHyp, batchSize, vocabSize], scores
// [numHyp, batchSize]; the returned tokens are [beamWidth, batchSize, 2]
// (parentIndex, tokenID) pairs and newScores is [beamWidth, batchSize], sorted
// best-first along the hypothesis axis.
func (d *Decoder) selectCandidatesGraph(probs, scores *Node) (tokens, newScores *Node) {
	numHyp := probs.Shape().Dim(0)
	batchSize := probs.Shape().Dim(1)
	scores = ConvertDType(scores, probs.DType())
	candidates := Mul(Neg(Log(AddScalar(probs, beamScoreEpsilon))), ExpandDims(scores, -1))
	flat := Reshape(TransposeAllDims(candidates, 1, 0, 2), batchSize, numHyp*d.vocabSize)

	negBest, flatIndices := TopK(Neg(flat), d.beamWidth, -1)
	newScores = Transpose(Neg(negBest), 0, 1)

	indices := ConvertDType(flatIndices, dtypes.Float32)
	parents := ConvertDType(Floor(DivScalar(indices, float64(d.vocabSize))), dtypes.Int32)
	symbols := ConvertDType(ModScalar(indices, float64(d.vocabSize)), dtypes.Int32)
	tokens = TransposeAllDims(Stack([]*Node{parents, symbols}, -1), 1, 0, 2)
	return tokens, newScores
}

// gatherHypothesisState picks, per batch row, the parent hypothesis state.
// states is [numHypotheses, numLayers, batchSize, hiddenSize], parents is
// [batchSize, 1] int32. Returns [numLayers, batchSize, hiddenSize].
func gatherHypothesisState(states, parents *Node) *Node {
	// [batchSize, numHypotheses, numLayers, hiddenSize]
	byBatch := TransposeAllDims(states, 2, 0, 1, 3)
	picked := GatherWithBatchDims(byBatch, parents, 1)
	// [numLayers, batchSize, hiddenSize]
	return TransposeAllDims(picked, 1, 0, 2)
}
