// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageStrings(t *testing.T) {
	assert.Equal(t, "data_load", StageDataLoad.String())
	assert.Equal(t, "api_request", StageAPIRequest.String())
	s, err := StageString("Inference")
	require.NoError(t, err)
	assert.Equal(t, StageInference, s)
	_, err = StageString("nope")
	require.Error(t, err)
	assert.Len(t, StageValues(), 12)
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := New(StageDataLoad, "load example", cause).WithIndex(3).At("/data/images/a.jpg")
	assert.Equal(t, `data_load error: load example (index 3) (path "/data/images/a.jpg"): unexpected EOF`, err.Error())
	assert.ErrorIs(t, err, cause)

	// Without cause, the message is not repeated.
	err = New(StageConfig, "missing paths.dataset_root", nil)
	assert.Equal(t, "config error: missing paths.dataset_root", err.Error())

	// The full trace includes the stack of the cause.
	full := fmt.Sprintf("%+v", Errorf(StageTraining, "fit", "diverged at step %d", 10))
	assert.Contains(t, full, "training error: fit: diverged at step 10")
	assert.Contains(t, full, "stages_test.go")
}

func TestWrapfAndQueries(t *testing.T) {
	require.NoError(t, Wrapf(StageInference, nil, "never"))

	inner := Wrapf(StagePreprocessing, os.ErrNotExist, "decode %q", "x.png")
	outer := Wrapf(StageInference, inner, "segment image #%d", 1)
	assert.Equal(t, StageInference, StageOf(outer))
	assert.True(t, Is(outer, StagePreprocessing))
	assert.True(t, Is(outer, StageInference))
	assert.False(t, Is(outer, StageTraining))
	assert.ErrorIs(t, outer, os.ErrNotExist)
	assert.Equal(t, StageUnknown, StageOf(os.ErrClosed))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(StageConfig, "bad", nil)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(StageAPIRequest, "bad", nil)))
	assert.Equal(t, http.StatusRequestEntityTooLarge,
		HTTPStatus(New(StageAPIRequest, "too large", nil).WithStatus(http.StatusRequestEntityTooLarge)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(New(StageModelLoad, "bad", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(os.ErrInvalid))
}

func TestRecover(t *testing.T) {
	require.NoError(t, Recover(StageTraining, "noop", func() error { return nil }))

	err := Recover(StageTraining, "build model", func() error {
		exceptions.Panicf("invalid shape %v", []int{1, 2})
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, StageTraining, StageOf(err))
	assert.Contains(t, err.Error(), "build model")
	assert.Contains(t, err.Error(), "invalid shape [1 2]")

	err = Recover(StageTraining, "fit", func() error { panic("boom") })
	assert.Contains(t, err.Error(), "panic: boom")

	// Errors already labeled with the same stage are not wrapped twice.
	labeled := New(StageTraining, "fit", nil)
	assert.Same(t, labeled, Recover(StageTraining, "fit", func() error { return labeled }))
}
