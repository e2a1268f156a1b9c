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

// decodeGreedy runs the decoder autoregressively: each step consumes the
// previous step's argmax symbol (or its full distribution in
// probability-vector mode) and has the logits of all previously emitted
// symbols suppressed before normalization.
func (d *Decoder) decodeGreedy(opts *CallOptions, p *decodePlan, state *State) (*Result, error) {
	input, err := d.greedyStart(opts, p)
	if err != nil {
		return nil, err
	}

	hasHidden := state != nil && state.Hidden != nil
	hasCell := state != nil && state.Cell != nil

	// stepFn builds one greedy step. The returned outputs are, in order:
	// the distribution kept as [batch, 1, vocab] for probability-vector
	// feeding, the same squeezed to [batch, vocab], the argmax symbol
	// [batch, 1], the grown symbol history, the new states and the
	// attention coefficients.
	stepFn := func(withHistory, withHidden, withCell bool) func(*context.Context, []*Node) []*Node {
		return func(ctx *context.Context, inputs []*Node) []*Node {
			next := 0
			pop := func() *Node { n := inputs[next]; next++; return n }
			input := pop()
			var history, hidden, cell, encoderOutputs *Node
			if withHistory {
				history = pop()
			}
			if withHidden {
				hidden = pop()
			}
			if withCell {
				cell = pop()
			}
			if d.attentionHeads > 0 {
				encoderOutputs = pop()
			}

			dist, newHidden, newCell, attnCoef := d.stepGraph(ctx, input, hidden, cell, encoderOutputs, history, p.normalize)
			symbols := ArgMax(Squeeze(dist, 1), -1, dtypes.Int32)
			symbols = ExpandDims(symbols, -1)
			newHistory := symbols
			if withHistory {
				newHistory = Concatenate([]*Node{history, symbols}, 1)
			}

			outs := []*Node{dist, Squeeze(dist, 1), symbols, newHistory, newHidden}
			if newCell != nil {
				outs = append(outs, newCell)
			}
			if attnCoef != nil {
				outs = append(outs, attnCoef)
			}
			return outs
		}
	}

	firstExec, err := context.NewExec(d.backend, d.ctx.Reuse(), stepFn(false, hasHidden, hasCell))
	if err != nil {
		return nil, errors.WithMessage(err, "building first greedy step graph")
	}
	stepExec, err := context.NewExec(d.backend, d.ctx.Reuse(), stepFn(true, true, d.cell == rnn.LSTM))
	if err != nil {
		return nil, errors.WithMessage(err, "building greedy step graph")
	}
	// The history input grows by one symbol per step.
	stepExec.SetMaxCache(-1)

	result := &Result{Mode: ModeGreedy, Beam: &BeamTrace{}}
	lengths := newLengthTracker(p.batchSize, p.steps, d.eosID)
	var history, hidden, cell *tensors.Tensor
	if hasHidden {
		hidden = state.Hidden
	}
	if hasCell {
		cell = state.Cell
	}
	for step := range p.steps {
		var args []any
		exec := stepExec
		if step == 0 {
			exec = firstExec
			args = append(args, input)
		} else {
			args = append(args, input, history)
		}
		if hidden != nil {
			args = append(args, hidden)
		}
		if cell != nil {
			args = append(args, cell)
		}
		if d.attentionHeads > 0 {
			args = append(args, opts.EncoderOutputs)
		}
		outputs, err := exec.Exec(args...)
		if err != nil {
			return nil, errors.WithMessagef(err, "running greedy decode step %d", step)
		}

		next := 0
		pop := func() *tensors.Tensor { t := outputs[next]; next++; return t }
		dist3 := pop()
		dist := pop()
		symbols := pop()
		history = pop()
		hidden = pop()
		if d.cell == rnn.LSTM {
			cell = pop()
		}
		if d.attentionHeads > 0 {
			result.Attention = append(result.Attention, pop())
		}

		result.Outputs = append(result.Outputs, dist)
		result.Sequence = append(result.Sequence, symbols)
		if !d.fullLength {
			lengths.update(step, symbols.Value().([][]int32))
		}

		if d.probInputs {
			input = dist3
		} else {
			input = symbols
		}
	}
	result.Lengths = lengths.lengths
	result.FinalState = &State{Hidden: hidden, Cell: cell}
	return result, nil
}

// greedyStart resolves the first decoder input: the first position of the
// given inputs, or the synthesized start-of-sequence input.
func (d *Decoder) greedyStart(opts *CallOptions, p *decodePlan) (*tensors.Tensor, error) {
	if opts.Inputs == nil {
		return p.start, nil
	}
	sliceExec, err := NewExec(d.backend, func(inputs *Node) *Node {
		if d.probInputs {
			return Slice(inputs, AxisRange(), AxisRangeFromStart(1), AxisRange())
		}
		return Slice(inputs, AxisRange(), AxisRangeFromStart(1))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building greedy start slice")
	}
	outputs, err := sliceExec.Exec(opts.Inputs)
	if err != nil {
		return nil, errors.WithMessage(err, "slicing greedy start input")
	}
	return outputs[0], nil
}
