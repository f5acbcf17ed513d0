// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stages defines the error taxonomy of semseg: every failure is tagged with the
// pipeline Stage where it happened (configuration, data loading, inference, ...), the
// operation being performed and, when known, the offending file path or example index.
//
// Errors are propagated explicitly: each orchestrator wraps the causes coming from its
// collaborators with Wrapf (or New), and the entry points decide how to report them
// (one line with "%v", full chain with stack traces with "%+v").
package stages

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Stage of the segmentation pipeline where an error happened.
type Stage uint8

//go:generate go tool enumer -type=Stage -trimprefix=Stage -transform=snake -output=stage_enumer.go stages.go

const (
	StageUnknown Stage = iota
	StageConfig
	StageDataLoad
	StagePreprocessing
	StagePostprocessing
	StageModelLoad
	StageInference
	StageTraining
	StageCheckpoint
	StageDevice
	StageDependency
	StageAPIRequest
)

// NoIndex is the value of Error.Index when the error is not associated with an example index.
const NoIndex = -1

// Error is a stage-labeled error. Create it with New, Errorf or Wrapf.
type Error struct {
	// Stage where the error happened.
	Stage Stage

	// Op is a human-readable description of the operation that failed, e.g. "build datasets".
	Op string

	// Path of the file being processed, if any.
	Path string

	// Index of the example being processed, or NoIndex.
	Index int

	// Status is the HTTP status to report for StageAPIRequest errors. If 0 the default for the stage is used.
	Status int

	// Err is the underlying cause.
	Err error
}

// New creates a stage error wrapping err. If err is nil, a cause is created from op.
func New(stage Stage, op string, err error) *Error {
	if err == nil {
		err = errors.New(op)
	}
	return &Error{Stage: stage, Op: op, Index: NoIndex, Err: err}
}

// Errorf creates a stage error with a new cause formatted from format and args.
// The cause carries the stack trace of the caller.
func Errorf(stage Stage, op string, format string, args ...any) *Error {
	return New(stage, op, errors.Errorf(format, args...))
}

// Wrapf wraps err with the given stage and operation description (formatted).
// It returns nil if err is nil, so it can be used directly in return statements.
func Wrapf(stage Stage, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return New(stage, fmt.Sprintf(format, args...), err)
}

// At sets the path associated with the error. It returns the error itself, for cascading calls.
func (e *Error) At(path string) *Error {
	e.Path = path
	return e
}

// WithIndex sets the example index associated with the error. It returns the error itself, for cascading calls.
func (e *Error) WithIndex(index int) *Error {
	e.Index = index
	return e
}

// WithStatus sets the HTTP status reported for the error. It returns the error itself, for cascading calls.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func (e *Error) header() string {
	var sb strings.Builder
	sb.WriteString(e.Stage.String())
	sb.WriteString(" error")
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Index != NoIndex {
		_, _ = fmt.Fprintf(&sb, " (index %d)", e.Index)
	}
	if e.Path != "" {
		_, _ = fmt.Fprintf(&sb, " (path %q)", e.Path)
	}
	return sb.String()
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil || e.Err.Error() == e.Op {
		return e.header()
	}
	return e.header() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Format implements fmt.Formatter: "%+v" prints the cause with its stack trace, if it has one.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.header())
			if e.Err != nil {
				_, _ = fmt.Fprintf(s, ": %+v", e.Err)
			}
			return
		}
		_, _ = io.WriteString(s, e.Error())
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// HTTPStatus returns the HTTP status code that best represents the error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Stage {
	case StageConfig, StagePreprocessing, StageAPIRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// As returns the outermost *Error in the chain of err, if any.
func As(err error) (*Error, bool) {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr, true
	}
	return nil, false
}

// StageOf returns the stage of the outermost stage error in err's chain, or StageUnknown.
func StageOf(err error) Stage {
	if stageErr, ok := As(err); ok {
		return stageErr.Stage
	}
	return StageUnknown
}

// Is reports whether any stage error in err's chain has the given stage.
func Is(err error, stage Stage) bool {
	for err != nil {
		if stageErr, ok := err.(*Error); ok && stageErr.Stage == stage {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// HTTPStatus returns the HTTP status for any error: the one of its outermost stage error, or 500.
func HTTPStatus(err error) int {
	if stageErr, ok := As(err); ok {
		return stageErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Recover runs fn and converts both its returned error and any panic raised within it
// (GoMLX reports graph building errors as panics) into a stage error for the given operation.
func Recover(stage Stage, op string, fn func() error) error {
	var err error
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if panicErr, ok := exception.(error); ok {
			err = panicErr
		} else {
			err = errors.Errorf("panic: %v", exception)
		}
	}
	if err == nil {
		return nil
	}
	if stageErr, ok := err.(*Error); ok && stageErr.Stage == stage {
		return stageErr
	}
	return New(stage, op, err)
}
