// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package segnet implements the trainable segmentation network: a convolutional encoder with one
// block per entry of the pretrained variant's "hidden_sizes", and a light decoder that fuses all
// blocks at 1/4 of the input resolution, the same output stride as SegFormer.
//
// The network is built from GoMLX stock layers, and its hyperparameters are context parameters,
// so they are saved with the checkpoints and the Predictor rebuilds the same network.
//
// Importing this package registers the runtime "gomlx" in package models.
package segnet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// ParamNumClasses is the number of output classes.
	ParamNumClasses = "segnet_num_classes"

	// ParamHiddenSizes is the number of channels of each encoder block.
	ParamHiddenSizes = "segnet_hidden_sizes"

	// ParamDecoderSize is the number of channels of the decoder.
	ParamDecoderSize = "segnet_decoder_size"

	// ParamNormalization is the normalization applied after each convolution: "batch", "layer" or "none".
	ParamNormalization = "segnet_normalization"

	// ParamDropoutRate applied in the decoder. Set to 0 to disable it.
	ParamDropoutRate = "segnet_dropout_rate"

	// OutputStride is the ratio between the input and the logits spatial sizes.
	OutputStride = 4
)

// DefaultHiddenSizes are those of SegFormer-b0.
var DefaultHiddenSizes = []int{32, 64, 160, 256}

// SetDefaultParams sets the network hyperparameters in ctx, if they are not set yet.
func SetDefaultParams(ctx *context.Context, numClasses int, hiddenSizes []int) {
	if len(hiddenSizes) == 0 {
		hiddenSizes = DefaultHiddenSizes
	}
	ctx.SetParams(map[string]any{
		ParamNumClasses:    numClasses,
		ParamHiddenSizes:   hiddenSizes,
		ParamDecoderSize:   hiddenSizes[0] * 4,
		ParamNormalization: "batch",
		ParamDropoutRate:   0.1,
	})
}

// ModelGraph builds the network. It implements train.ModelFn.
//
// inputs: only one tensor, the images shaped [batch_size, height, width, 3].
// It returns the logits shaped [batch_size, ceil(height/4), ceil(width/4), num_classes].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model") // Create the model by default under the "/model" scope.
	return []*Node{Logits(ctx, inputs[0])}
}

// Logits returns the per-pixel class logits for the images, channels-last.
func Logits(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		exceptions.Panicf("segnet: context parameter %q must be set to the number of classes, got %d", ParamNumClasses, numClasses)
	}
	hiddenSizes := context.GetParamOr(ctx, ParamHiddenSizes, DefaultHiddenSizes)
	decoderSize := context.GetParamOr(ctx, ParamDecoderSize, 128)
	batchSize := images.Shape().Dimensions[0]
	height, width := images.Shape().Dimensions[1], images.Shape().Dimensions[2]
	outHeight, outWidth := (height+OutputStride-1)/OutputStride, (width+OutputStride-1)/OutputStride

	features := encoder(ctx.In("encoder"), images, hiddenSizes)

	// Decoder: project each block to decoderSize channels, upsample to 1/4 resolution and fuse.
	decCtx := ctx.In("decoder")
	fused := make([]*Node, len(features))
	for ii, x := range features {
		ctx := decCtx.Inf("%02d_project", ii)
		x = layers.Convolution(ctx, x).Channels(decoderSize).KernelSize(1).Done()
		if x.Shape().Dimensions[1] != outHeight || x.Shape().Dimensions[2] != outWidth {
			x = Interpolate(x, -1, outHeight, outWidth, -1).Bilinear().Done()
		}
		fused[ii] = x
	}
	x := Concatenate(fused, -1)
	x = layers.Convolution(decCtx.In("fuse"), x).Channels(decoderSize).KernelSize(1).UseBias(false).Done()
	x = normalize(decCtx.In("fuse"), x)
	x = activations.Relu(x)
	if dropoutRate := context.GetParamOr(ctx, ParamDropoutRate, 0.0); dropoutRate > 0 {
		x = layers.DropoutStatic(decCtx, x, dropoutRate)
	}
	logits := layers.Convolution(decCtx.In("classifier"), x).Channels(numClasses).KernelSize(1).Done()
	logits.AssertDims(batchSize, outHeight, outWidth, numClasses)
	return logits
}

// encoder returns the output of each block: the first block reduces the resolution by 4, the
// following ones by 2 each.
func encoder(ctx *context.Context, x *Node, hiddenSizes []int) []*Node {
	features := make([]*Node, 0, len(hiddenSizes))
	for blockIdx, channels := range hiddenSizes {
		ctx := ctx.Inf("%02d_block", blockIdx)
		if blockIdx == 0 {
			x = layers.Convolution(ctx.In("stem"), x).Channels(channels).KernelSize(7).Strides(OutputStride).PadSame().UseBias(false).Done()
		} else {
			x = layers.Convolution(ctx.In("downsample"), x).Channels(channels).KernelSize(3).Strides(2).PadSame().UseBias(false).Done()
		}
		x = normalize(ctx.In("stem_norm"), x)
		x = activations.Relu(x)
		for repeat := range 2 {
			ctx := ctx.Inf("repeat_%02d", repeat)
			residual := x
			x = layers.Convolution(ctx, x).Channels(channels).KernelSize(3).PadSame().UseBias(false).Done()
			x = normalize(ctx, x)
			x = activations.Relu(x)
			x = Add(x, residual)
		}
		features = append(features, x)
	}
	return features
}

func normalize(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4) // [batch_size, height, width, channels]
	norm := context.GetParamOr(ctx, ParamNormalization, "batch")
	switch norm {
	case "layer":
		return layers.LayerNormalization(ctx, x, -1).Done()
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("invalid normalization selected %q -- valid values are batch, layer, none", norm)
	return nil
}

// Describe returns a one line description of the network configured in ctx.
func Describe(ctx *context.Context) string {
	return fmt.Sprintf("segnet(classes=%d, hidden_sizes=%v, decoder=%d, norm=%s)",
		context.GetParamOr(ctx, ParamNumClasses, 0),
		context.GetParamOr(ctx, ParamHiddenSizes, DefaultHiddenSizes),
		context.GetParamOr(ctx, ParamDecoderSize, 128),
		context.GetParamOr(ctx, ParamNormalization, "batch"))
}
