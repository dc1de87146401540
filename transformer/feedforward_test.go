// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"math"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeedForward_UnknownActivation(t *testing.T) {
	c := validTestConfig()
	c.ActType = "softplus"
	_, err := NewFeedForward[float32](c, false)
	assert.Error(t, err)
}

func TestFeedForward_Relu(t *testing.T) {
	c := Config{ModelSize: 2, FeedForwardNumHidden: 2, ActType: ActRelu}
	m, err := NewFeedForward[float32](c, false)
	require.NoError(t, err)

	identity := mat.NewDense[float32](mat.WithShape(2, 2), mat.WithBacking([]float32{1, 0, 0, 1}))
	m.W1.ReplaceValue(identity)
	m.W2.ReplaceValue(identity)

	ys := m.Forward([]mat.Tensor{vec(3, -2)})
	require.Len(t, ys, 1)

	got := ys[0].Value().Data().F64()
	assert.InDelta(t, 3, got[0], 1e-6)
	assert.InDelta(t, 0, got[1], 1e-6)
}

func TestFeedForward_Bias(t *testing.T) {
	c := Config{ModelSize: 2, FeedForwardNumHidden: 2, ActType: ActRelu}
	m, err := NewFeedForward[float32](c, false)
	require.NoError(t, err)

	identity := mat.NewDense[float32](mat.WithShape(2, 2), mat.WithBacking([]float32{1, 0, 0, 1}))
	m.W1.ReplaceValue(identity)
	m.W2.ReplaceValue(identity)
	m.B1.ReplaceValue(mat.NewDense[float32](mat.WithShape(2), mat.WithBacking([]float32{1, 1})))
	m.B2.ReplaceValue(mat.NewDense[float32](mat.WithShape(2), mat.WithBacking([]float32{0, -1})))

	// y = relu(x + b1) + b2
	ys := m.Forward([]mat.Tensor{vec(1, -3)})
	got := ys[0].Value().Data().F64()
	assert.InDelta(t, 2, got[0], 1e-6)
	assert.InDelta(t, -1, got[1], 1e-6)
}

func TestActivate(t *testing.T) {
	x := 0.7
	swish := x / (1 + math.Exp(-x))
	gelu := 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))

	tests := []struct {
		actType string
		input   float32
		want    float64
	}{
		{ActRelu, 0.7, 0.7},
		{ActRelu, -0.7, 0},
		{ActSwish, 0.7, swish},
		{ActSquaredRelu, 0.7, 0.49},
		{ActSquaredRelu, -0.7, 0},
		{ActGelu, 0.7, gelu},
	}
	for _, tt := range tests {
		t.Run(tt.actType, func(t *testing.T) {
			y := activate(tt.actType, vec(tt.input))
			assert.InDelta(t, tt.want, y.Value().Data().F64()[0], 1e-4)
		})
	}
}
