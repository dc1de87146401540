// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessBlock(t *testing.T) {
	t.Run("norm step allocates a layer-norm", func(t *testing.T) {
		b, err := NewProcessBlock[float32]("n", 4, 0, false)
		require.NoError(t, err)
		assert.NotNil(t, b.Norm)
	})

	t.Run("no norm step", func(t *testing.T) {
		b, err := NewProcessBlock[float32]("dr", 4, 0, false)
		require.NoError(t, err)
		assert.Nil(t, b.Norm)
	})

	t.Run("invalid step", func(t *testing.T) {
		_, err := NewProcessBlock[float32]("nx", 4, 0, false)
		assert.Error(t, err)
	})
}

func TestProcessBlock_Identity(t *testing.T) {
	b, err := NewProcessBlock[float32]("", 2, 0, false)
	require.NoError(t, err)

	xs := []mat.Tensor{vec(1, 2)}
	ys := b.Forward(xs, nil)
	assert.Same(t, xs[0], ys[0])
}

func TestProcessBlock_Residual(t *testing.T) {
	b, err := NewProcessBlock[float32]("r", 2, 0, false)
	require.NoError(t, err)

	xs := []mat.Tensor{vec(1, 2)}
	prev := []mat.Tensor{vec(10, 20)}

	ys := b.Forward(xs, prev)
	got := ys[0].Value().Data().F64()
	assert.InDelta(t, 11, got[0], 1e-6)
	assert.InDelta(t, 22, got[1], 1e-6)

	// residual steps without a previous input pass through
	ys = b.Forward(xs, nil)
	assert.Same(t, xs[0], ys[0])
}

func TestProcessBlock_Norm(t *testing.T) {
	b, err := NewProcessBlock[float32]("n", 2, 0, false)
	require.NoError(t, err)

	b.Norm.W.ReplaceValue(mat.NewDense[float32](mat.WithShape(2), mat.WithBacking([]float32{1, 1})))

	// [1, -1] has zero mean and unit variance: normalization is a no-op
	ys := b.Forward([]mat.Tensor{vec(1, -1)}, nil)
	got := ys[0].Value().Data().F64()
	assert.InDelta(t, 1, got[0], 1e-3)
	assert.InDelta(t, -1, got[1], 1e-3)
}

func TestProcessBlock_NormThenResidual(t *testing.T) {
	b, err := NewProcessBlock[float32]("nr", 2, 0, false)
	require.NoError(t, err)

	b.Norm.W.ReplaceValue(mat.NewDense[float32](mat.WithShape(2), mat.WithBacking([]float32{1, 1})))

	prev := []mat.Tensor{vec(5, 5)}
	ys := b.Forward([]mat.Tensor{vec(1, -1)}, prev)
	got := ys[0].Value().Data().F64()
	assert.InDelta(t, 6, got[0], 1e-3)
	assert.InDelta(t, 4, got[1], 1e-3)
}
