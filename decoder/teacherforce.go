// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoder

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// decodeTeacherForced feeds the caller's inputs (minus the last position) to
// the recurrent stack in one batched pass, then walks the result per position
// to report distributions, argmax symbols and lengths.
func (d *Decoder) decodeTeacherForced(opts *CallOptions, p *decodePlan, state *State) (*Result, error) {
	steps := p.steps
	if steps <= 0 {
		return &Result{
			Mode:    ModeTeacherForced,
			Lengths: make([]int, p.batchSize),
			Beam:    &BeamTrace{},
		}, nil
	}
	hasHidden := state != nil && state.Hidden != nil
	hasCell := state != nil && state.Cell != nil

	exec, err := context.NewExec(d.backend, d.ctx.Reuse(),
		func(ctx *context.Context, inputs []*Node) []*Node {
			next := 0
			pop := func() *Node { n := inputs[next]; next++; return n }
			seq := pop()
			if d.probInputs {
				seq = Slice(seq, AxisRange(), AxisRangeFromStart(steps), AxisRange())
			} else {
				seq = Slice(seq, AxisRange(), AxisRangeFromStart(steps))
			}
			var hidden, cell, encoderOutputs *Node
			if hasHidden {
				hidden = pop()
			}
			if hasCell {
				cell = pop()
			}
			if d.attentionHeads > 0 {
				encoderOutputs = pop()
			}

			dist, newHidden, newCell, attnCoef := d.stepGraph(ctx, seq, hidden, cell, encoderOutputs, nil, p.normalize)
			symbols := ArgMax(dist, -1, dtypes.Int32)

			var outs []*Node
			for s := range steps {
				outs = append(outs,
					Squeeze(Slice(dist, AxisRange(), AxisElem(s)), 1),
					Slice(symbols, AxisRange(), AxisElem(s)))
				if attnCoef != nil {
					outs = append(outs, Slice(attnCoef, AxisRange(), AxisElem(s)))
				}
			}
			outs = append(outs, newHidden)
			if newCell != nil {
				outs = append(outs, newCell)
			}
			return outs
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building teacher-forced decode graph")
	}

	args := []any{opts.Inputs}
	if hasHidden {
		args = append(args, state.Hidden)
	}
	if hasCell {
		args = append(args, state.Cell)
	}
	if d.attentionHeads > 0 {
		args = append(args, opts.EncoderOutputs)
	}
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, errors.WithMessage(err, "running teacher-forced decode")
	}

	perStep := 2
	if d.attentionHeads > 0 {
		perStep = 3
	}
	result := &Result{Mode: ModeTeacherForced, Beam: &BeamTrace{}}
	lengths := newLengthTracker(p.batchSize, steps, d.eosID)
	for s := range steps {
		dist := outputs[s*perStep]
		symbols := outputs[s*perStep+1]
		result.Outputs = append(result.Outputs, dist)
		result.Sequence = append(result.Sequence, symbols)
		if perStep == 3 {
			result.Attention = append(result.Attention, outputs[s*perStep+2])
		}
		if !d.fullLength {
			lengths.update(s, symbols.Value().([][]int32))
		}
	}
	result.Lengths = lengths.lengths

	final := &State{Hidden: outputs[steps*perStep]}
	if hasCellState := steps*perStep+1 < len(outputs); hasCellState {
		final.Cell = outputs[steps*perStep+1]
	}
	result.FinalState = final
	return result, nil
}
