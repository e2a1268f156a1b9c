// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Demo: train a small caption decoder on a synthetic counting task and run the
// three decode modes, seeding the recurrent state from projected image
// features.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/boxcaption/decoder"
	"github.com/gomlx/boxcaption/features"
	"github.com/gomlx/boxcaption/rnn"
)

const (
	ParamVocabSize  = "vocab_size"
	ParamHiddenSize = "hidden_size"
	ParamNumLayers  = "num_layers"
	ParamMaxLength  = "max_length"
	ParamBatchSize  = "batch_size"
	ParamTrainSteps = "train_steps"
	ParamBeamWidth  = "beam_width"
)

const (
	sosID = 1
	eosID = 2
	// Symbols 3.. are the "words": digits that count up until eosID.
	firstWord = 3
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamVocabSize:  16,
		ParamHiddenSize: 64,
		ParamNumLayers:  1,
		ParamMaxLength:  8,
		ParamBatchSize:  16,
		ParamTrainSteps: 400,
		ParamBeamWidth:  3,

		optimizers.ParamLearningRate: 0.01,
	})
	return ctx
}

// trainingBatch builds count-up sequences [sos, a, a+1, ..., eos] with random
// starts, as inputs plus next-symbol targets.
func trainingBatch(ctx *context.Context, step int) (inputs, targets *tensors.Tensor) {
	vocabSize := context.GetParamOr(ctx, ParamVocabSize, 16)
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 16)
	maxLength := context.GetParamOr(ctx, ParamMaxLength, 8)

	numWords := vocabSize - firstWord
	in := make([][]int32, batchSize)
	tgt := make([][][]int32, batchSize)
	for b := range in {
		start := (step + b) % numWords
		seq := []int32{sosID}
		for w := 0; len(seq) < maxLength; w++ {
			seq = append(seq, int32(firstWord+(start+w)%numWords))
		}
		seq = append(seq, eosID)
		in[b] = seq[:len(seq)-1]
		tgt[b] = make([][]int32, len(in[b]))
		for j := range in[b] {
			tgt[b][j] = []int32{seq[j+1]}
		}
	}
	return tensors.FromValue(in), tensors.FromValue(tgt)
}

func trainDecoder(backend backends.Backend, ctx *context.Context, dec *decoder.Decoder) {
	steps := context.GetParamOr(ctx, ParamTrainSteps, 400)

	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		return []*Node{dec.LogitsGraph(ctx, inputs[0], nil)}
	}
	trainer := train.NewTrainer(backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.Adam().Done(),
		nil, nil)

	bar := progressbar.Default(int64(steps), "training")
	for step := range steps {
		inputs, targets := trainingBatch(ctx, step)
		metrics := must.M1(trainer.TrainStep(nil, []*tensors.Tensor{inputs}, []*tensors.Tensor{targets}))
		must.M(bar.Add(1))
		if step%100 == 0 || step == steps-1 {
			klog.Infof("step %d: loss=%.4f", step, metrics[0].Value().(float32))
		}
	}
}

// imageState projects a synthetic global feature map and uses the pooled
// vector as the decoder's initial hidden state.
func imageState(backend backends.Backend, ctx *context.Context) *decoder.State {
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 64)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 1)

	projCtx := ctx.In("features")
	exec := must.M1(context.NewExec(backend, projCtx,
		func(ctx *context.Context, globalFeatures *Node) (*Node, *Node) {
			proj := features.New(ctx).WithChannels(hiddenSize)
			projected, pooled := proj.ProjectGlobal(globalFeatures)
			// [numLayers, 1, hiddenSize] initial state from the pooled vector.
			state := ExpandDims(pooled, 0)
			if numLayers > 1 {
				parts := make([]*Node, numLayers)
				for l := range parts {
					parts[l] = state
				}
				state = Concatenate(parts, 0)
			}
			return projected, state
		}))

	// Spatial dims chosen so the strided projection lands exactly on the
	// 7x7 pooling window.
	outputs := must.M1(exec.Exec(randomImage()))
	klog.V(1).Infof("projected global map: %s", outputs[0].Shape())
	state := &decoder.State{Hidden: outputs[1], Cell: outputs[1]}
	return state
}

func randomImage() *tensors.Tensor {
	const height, width, channels = 34, 45, 8
	img := make([][][][]float32, 1)
	img[0] = make([][][]float32, height)
	for y := range img[0] {
		img[0][y] = make([][]float32, width)
		for x := range img[0][y] {
			row := make([]float32, channels)
			for c := range row {
				row[c] = float32((y+x+c)%7) / 7
			}
			img[0][y][x] = row
		}
	}
	return tensors.FromValue(img)
}

func symbolsOf(result *decoder.Result) []int32 {
	symbols := make([]int32, 0, len(result.Sequence))
	for _, s := range result.Sequence {
		symbols = append(symbols, s.Value().([][]int32)[0][0])
	}
	return symbols
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))
	fmt.Println(commandline.SprintContextSettings(ctx))

	backend := must.M1(backends.New())

	vocabSize := context.GetParamOr(ctx, ParamVocabSize, 16)
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 64)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 1)
	maxLength := context.GetParamOr(ctx, ParamMaxLength, 8)
	beamWidth := context.GetParamOr(ctx, ParamBeamWidth, 3)

	dec := decoder.New(backend, ctx, vocabSize, hiddenSize, sosID, eosID).
		WithNumLayers(numLayers).
		WithCell(rnn.LSTM).
		WithMaxLength(maxLength)

	trainDecoder(backend, ctx, dec)
	ctx = ctx.Reuse()

	state := imageState(backend, ctx)

	// Teacher-forced pass over a training sequence.
	inputs, _ := trainingBatch(ctx, 0)
	forced := must.M1(dec.Decode(decoder.CallOptions{
		Inputs:              inputs,
		TeacherForcingRatio: 1,
	}))
	fmt.Printf("teacher-forced: %d steps, lengths=%v\n", len(forced.Outputs), forced.Lengths[:1])

	// Greedy decode from the image-seeded state.
	greedy := must.M1(dec.Decode(decoder.CallOptions{EncoderHidden: state}))
	fmt.Printf("greedy: symbols=%v lengths=%v\n", symbolsOf(greedy), greedy.Lengths)

	// Beam search from the same state.
	beamDec := decoder.New(backend, ctx, vocabSize, hiddenSize, sosID, eosID).
		WithNumLayers(numLayers).
		WithMaxLength(maxLength).
		WithBeamWidth(beamWidth)
	seed := &decoder.BeamSeed{
		State:  state,
		Tokens: tensors.FromValue([][][]int32{{{0, sosID}}}),
		Scores: tensors.FromValue([][]float32{{1}}),
	}
	beam := must.M1(beamDec.Decode(decoder.CallOptions{BeamSeed: seed}))
	lastTokens := beam.Beam.Tokens[len(beam.Beam.Tokens)-1].Value().([][][]int32)
	lastScores := beam.Beam.Scores[len(beam.Beam.Scores)-1].Value().([][]float32)
	for k := range lastTokens {
		fmt.Printf("beam hypothesis %d: parent=%d token=%d score=%.4f\n",
			k, lastTokens[k][0][0], lastTokens[k][0][1], lastScores[k][0])
	}
}
