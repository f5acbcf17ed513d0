// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package palette

import (
	"image/color"
	"io"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/pkg/errors"
)

// ADE20KColorsVar is the variable holding the class colors in ADE20K's "color150.mat".
const ADE20KColorsVar = "colors"

// FromMatlab reads a palette from a Matlab file holding a numClasses x 3 matrix of 8-bit
// colors in the variable varName, like ADE20K's "color150.mat".
func FromMatlab(r io.Reader, varName string) (Palette, error) {
	matFile, err := matlab.NewFileFromReader(r)
	if err != nil {
		return nil, stages.New(stages.StageConfig, "read palette from Matlab file", err)
	}
	matVar, found := matFile.GetVar(varName)
	if !found {
		return nil, stages.Errorf(stages.StageConfig, "read palette from Matlab file",
			"variable %q not found", varName)
	}
	p, err := fromMatlabValues(matVar.Value())
	if err != nil {
		return nil, stages.New(stages.StageConfig, "read palette from Matlab file", err)
	}
	return p, nil
}

// fromMatlabValues converts the flat values of a numClasses x 3 matrix, stored in Matlab's
// column-major order, to a Palette.
func fromMatlabValues(values []any) (Palette, error) {
	if len(values) == 0 || len(values)%3 != 0 {
		return nil, errors.Errorf("expected a Nx3 matrix of colors, got %d values", len(values))
	}
	numClasses := len(values) / 3
	colors := make([]color.Color, numClasses)
	for label := range colors {
		var rgb [3]uint8
		for channel := range rgb {
			v, err := toUint8(values[channel*numClasses+label])
			if err != nil {
				return nil, errors.WithMessagef(err, "color of class %d", label)
			}
			rgb[channel] = v
		}
		colors[label] = color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xFF}
	}
	return FromColors(colors)
}

func toUint8(value any) (uint8, error) {
	var v float64
	switch x := value.(type) {
	case uint8:
		return x, nil
	case int8:
		v = float64(x)
	case uint16:
		v = float64(x)
	case int16:
		v = float64(x)
	case uint32:
		v = float64(x)
	case int32:
		v = float64(x)
	case uint64:
		v = float64(x)
	case int64:
		v = float64(x)
	case float32:
		v = float64(x)
	case float64:
		v = x
	default:
		return 0, errors.Errorf("unsupported Matlab value type %T", value)
	}
	if v < 0 || v > 255 {
		return 0, errors.Errorf("color component %g out of range [0, 255]", v)
	}
	return uint8(v), nil
}
