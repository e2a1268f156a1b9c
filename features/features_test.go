// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectGlobal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx,
		func(ctx *context.Context, globalFeatures *Node) (*Node, *Node) {
			projected, pooled := New(ctx).WithChannels(16).ProjectGlobal(globalFeatures)
			return projected, pooled
		})
	require.NoError(t, err)

	// 34x45 spatial extent: the 10x9 kernel with 4x6 strides lands exactly
	// on the 7x7 pooling window.
	results, err := exec.Exec(makeFeatureMap(1, 34, 45, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7, 7, 16}, results[0].Shape().Dimensions)
	assert.Equal(t, []int{1, 16}, results[1].Shape().Dimensions)
}

func TestProjectBoxes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx,
		func(ctx *context.Context, boxFeatures *Node) *Node {
			return New(ctx).WithChannels(16).ProjectBoxes(boxFeatures)
		})
	require.NoError(t, err)

	// The 1x1 projection keeps the spatial layout of each box map.
	results, err := exec.Exec(makeFeatureMap(3, 7, 7, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 7, 7, 16}, results[0].Shape().Dimensions)
}

func makeFeatureMap(batch, height, width, channels int) [][][][]float32 {
	fm := make([][][][]float32, batch)
	for b := range fm {
		fm[b] = make([][][]float32, height)
		for y := range fm[b] {
			fm[b][y] = make([][]float32, width)
			for x := range fm[b][y] {
				row := make([]float32, channels)
				for c := range row {
					row[c] = float32((b+y+x+c)%5) * 0.2
				}
				fm[b][y][x] = row
			}
		}
	}
	return fm
}
