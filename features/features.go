// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features projects convolutional backbone feature maps into the
// decoder hidden space.
//
// Two inputs are handled: the global feature map of the whole image and a
// batch of per-box feature maps. The global map goes through a strided
// convolution that both projects the channels and brings the spatial extent
// down to the pooling window, then a mean pool collapses it to a single
// vector. Box maps are projected channel-wise with a 1x1 convolution, keeping
// their spatial layout for the decoder's attention.
package features

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Config is built with New. All feature maps are channels-last:
// [batchSize, height, width, channels].
type Config struct {
	ctx *context.Context

	channels      int
	globalKernel  [2]int
	globalStrides [2]int
	poolWindow    int
}

// New returns a projection Config with the defaults used by the caption
// models: 1024 output channels, a 10x9 kernel with 4x6 strides for the global
// map and a pooling window of 7.
func New(ctx *context.Context) *Config {
	return &Config{
		ctx:           ctx,
		channels:      1024,
		globalKernel:  [2]int{10, 9},
		globalStrides: [2]int{4, 6},
		poolWindow:    7,
	}
}

// WithChannels sets the number of projected channels.
func (c *Config) WithChannels(n int) *Config {
	c.channels = n
	return c
}

// WithGlobalKernel sets the kernel of the global map convolution.
func (c *Config) WithGlobalKernel(height, width int) *Config {
	c.globalKernel = [2]int{height, width}
	return c
}

// WithGlobalStrides sets the strides of the global map convolution.
func (c *Config) WithGlobalStrides(height, width int) *Config {
	c.globalStrides = [2]int{height, width}
	return c
}

// WithPoolWindow sets the window of the mean pool applied to the projected
// global map.
func (c *Config) WithPoolWindow(n int) *Config {
	c.poolWindow = n
	return c
}

// ProjectGlobal projects the global feature map and pools it to one vector per
// batch row. globalFeatures is [batchSize, height, width, channels]; the
// projected map keeps that layout and the pooled vector is
// [batchSize, c.channels].
func (c *Config) ProjectGlobal(globalFeatures *Node) (projected, pooled *Node) {
	projected = layers.Convolution(c.ctx.In("global_projection"), globalFeatures).
		Channels(c.channels).
		KernelSizePerDim(c.globalKernel[0], c.globalKernel[1]).
		StridePerDim(c.globalStrides[0], c.globalStrides[1]).
		NoPadding().
		Done()
	pooled = MeanPool(projected).Window(c.poolWindow).NoPadding().Done()
	pooled = Reshape(pooled, pooled.Shape().Dim(0), c.channels)
	return
}

// ProjectBoxes projects per-box feature maps channel-wise, preserving their
// spatial layout. boxFeatures is [numBoxes, height, width, channels].
func (c *Config) ProjectBoxes(boxFeatures *Node) *Node {
	return layers.Convolution(c.ctx.In("box_projection"), boxFeatures).
		Channels(c.channels).
		KernelSize(1).
		NoPadding().
		Done()
}
