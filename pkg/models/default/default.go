// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default registers all the model runtimes: ONNX Runtime for pretrained models and GoMLX for
// models trained with semseg_train.
//
// Import it with:
//
//	import _ "github.com/gomlx/semseg/pkg/models/default"
package _default

import (
	_ "github.com/gomlx/semseg/pkg/models/onnx"
	_ "github.com/gomlx/semseg/pkg/models/segnet"
)
