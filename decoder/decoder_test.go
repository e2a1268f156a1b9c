// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoder

import (
	"math/rand/v2"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/boxcaption/rnn"
)

func TestDecoderConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		d := New(nil, nil, 10, 8, 1, 2)
		assert.Equal(t, DefaultMaxLength, d.maxLength)
		assert.Equal(t, 1, d.numLayers)
		assert.Equal(t, rnn.LSTM, d.cell)
		assert.Equal(t, 8, d.embedDim)
		assert.Equal(t, 0, d.attentionHeads)
		assert.Equal(t, 0, d.beamWidth)
		assert.False(t, d.probInputs)
		assert.False(t, d.fullLength)
	})

	t.Run("Builders", func(t *testing.T) {
		table := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
		d := New(nil, nil, 2, 8, 0, 1).
			WithMaxLength(20).
			WithNumLayers(3).
			WithCell(rnn.GRU).
			WithAttention(2).
			WithBidirectionalEncoder().
			WithInputDropout(0.1).
			WithRecurrentDropout(0.2).
			WithProbabilityInputs().
			WithFullLength().
			WithBeamWidth(5).
			WithEmbedding(table, true).
			WithSemiSupervised(true)
		assert.Equal(t, 20, d.maxLength)
		assert.Equal(t, 3, d.numLayers)
		assert.Equal(t, rnn.GRU, d.cell)
		assert.Equal(t, 2, d.attentionHeads)
		assert.True(t, d.bidirectionalEncoder)
		assert.Equal(t, 0.1, d.inputDropout)
		assert.Equal(t, 0.2, d.recurrentDropout)
		assert.True(t, d.probInputs)
		assert.True(t, d.fullLength)
		assert.Equal(t, 5, d.beamWidth)
		assert.Equal(t, 3, d.embedDim)
		assert.True(t, d.embedTrainable)
		assert.True(t, d.semiSupervised)
	})
}

func TestPlanValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("AttentionNeedsEncoderOutputs", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2).WithAttention(1)
		_, err := d.Decode(CallOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("TeacherForcingNeedsInputs", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2)
		_, err := d.Decode(CallOptions{TeacherForcingRatio: 0.5})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("BeamNeedsSeed", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2).WithBeamWidth(3)
		_, err := d.Decode(CallOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("BeamNeedsCellStateForLSTM", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2).WithBeamWidth(3)
		seed := &BeamSeed{
			State:  &State{Hidden: zeroState(1, 1, 8)},
			Tokens: tensors.FromValue([][][]int32{{{0, 1}}}),
			Scores: tensors.FromValue([][]float32{{1}}),
		}
		_, err := d.Decode(CallOptions{BeamSeed: seed})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("BatchDefaultsToOne", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2)
		p, err := d.plan(&CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, ModeGreedy, p.mode)
		assert.Equal(t, 1, p.batchSize)
		assert.Equal(t, DefaultMaxLength, p.steps)
	})

	t.Run("StepsFromInputs", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2)
		inputs := tensors.FromValue([][]int32{{1, 3, 4, 5, 2}, {1, 4, 5, 6, 2}})
		p, err := d.plan(&CallOptions{Inputs: inputs})
		require.NoError(t, err)
		assert.Equal(t, 2, p.batchSize)
		assert.Equal(t, 4, p.steps)
	})

	t.Run("MaxLengthOverride", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2).WithMaxLength(6)
		p, err := d.plan(&CallOptions{MaxLength: 9})
		require.NoError(t, err)
		assert.Equal(t, 9, p.steps)

		// Inputs win over the override, the decode length follows them.
		inputs := tensors.FromValue([][]int32{{1, 3, 2}})
		p, err = d.plan(&CallOptions{Inputs: inputs, MaxLength: 9})
		require.NoError(t, err)
		assert.Equal(t, 2, p.steps)
	})

	t.Run("TeacherForcingDraw", func(t *testing.T) {
		d := New(backend, context.New(), 10, 8, 1, 2).
			WithRand(rand.New(rand.NewPCG(1, 2)))
		inputs := tensors.FromValue([][]int32{{1, 3, 2}})
		p, err := d.plan(&CallOptions{Inputs: inputs, TeacherForcingRatio: 1})
		require.NoError(t, err)
		assert.Equal(t, ModeTeacherForced, p.mode)
		p, err = d.plan(&CallOptions{Inputs: inputs})
		require.NoError(t, err)
		assert.Equal(t, ModeGreedy, p.mode)
	})
}

func TestLengthTracker(t *testing.T) {
	tracker := newLengthTracker(3, 5, 2)
	assert.Equal(t, []int{5, 5, 5}, tracker.lengths)

	// Row 0 ends at step 1.
	tracker.update(1, [][]int32{{2}, {7}, {7}})
	assert.Equal(t, []int{2, 5, 5}, tracker.lengths)

	// A later end-of-sequence on the same row changes nothing.
	tracker.update(3, [][]int32{{2}, {7}, {2}})
	assert.Equal(t, []int{2, 5, 4}, tracker.lengths)

	// Non-terminal symbols never update.
	tracker.update(4, [][]int32{{7}, {7}, {7}})
	assert.Equal(t, []int{2, 5, 4}, tracker.lengths)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "teacher-forced", ModeTeacherForced.String())
	assert.Equal(t, "greedy", ModeGreedy.String())
	assert.Equal(t, "beam", ModeBeam.String())
}

// zeroState builds a [numLayers, batchSize, hiddenSize] zero tensor.
func zeroState(numLayers, batchSize, hiddenSize int) *tensors.Tensor {
	state := make([][][]float32, numLayers)
	for l := range state {
		state[l] = make([][]float32, batchSize)
		for b := range state[l] {
			state[l][b] = make([]float32, hiddenSize)
		}
	}
	return tensors.FromValue(state)
}
