// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/semseg/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseContextSettings parses the network hyperparameters in settings, a list separated by ";"
// of "param=value" (e.g. "segnet_dropout_rate=0.2;segnet_normalization=layer"), and sets them in ctx.
//
// All parameters must already be set with default values in the root scope of ctx: the default
// values define the type to which the values are parsed. A scope can be given with an absolute
// path, e.g. "/model/decoder/segnet_dropout_rate=0".
//
// For integers, "_" can be used as a separator, as in Go: 1_000 = 1000. An entry "file:<path>"
// reads settings from a file, one or more per line, where lines starting with "#" are comments.
//
// It returns the paths of the parameters set, which should not be overwritten when loading a checkpoint.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err := fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return nil, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read hyperparameters from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(lineSetting), paramsSet)
				if err != nil {
					return nil, err
				}
			}
		}
		return paramsSet, nil
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return nil, errors.Errorf("can't parse hyperparameter %q: the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return nil, errors.Errorf("can't set hyperparameter %q: scopes must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return nil, errors.Errorf("unknown hyperparameter %q", paramName)
	}
	value, err := parseParamValue(defaultValue, valueStr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse value %q for hyperparameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

// parseParamValue parses valueStr to the type of defaultValue.
func parseParamValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](strings.ReplaceAll(valueStr, "_", ""))
	case int64:
		return parseJSON[int64](strings.ReplaceAll(valueStr, "_", ""))
	case float64:
		return parseJSON[float64](valueStr)
	case float32:
		return parseJSON[float32](valueStr)
	case bool:
		return parseJSON[bool](valueStr)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	}
	return nil, errors.Errorf("hyperparameters of type %T can't be set from the command line", defaultValue)
}

func parseJSON[T any](valueStr string) (T, error) {
	var value T
	err := json.Unmarshal([]byte(valueStr), &value)
	return value, err
}

func parseList[T int | float64](valueStr string, isInt bool) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		if isInt {
			part = strings.ReplaceAll(part, "_", "")
		}
		value, err := parseJSON[T](strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// SprintModifiedContextSettings pretty-prints the values of the given parameters, as returned by
// ParseContextSettings, one per line.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
