// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package encoder

import (
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/transflow/transformer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEncoderConfig() transformer.Config {
	return transformer.Config{
		ModelSize:               8,
		AttentionHeads:          2,
		FeedForwardNumHidden:    16,
		ActType:                 transformer.ActRelu,
		NumLayers:               2,
		PositionalEmbeddingType: transformer.FixedPositionalEmbedding,
		PreprocessSequence:      "n",
		PostprocessSequence:     "dr",
		MaxSeqLenSource:         32,
	}
}

func testVectors(count, size int) []mat.Tensor {
	xs := make([]mat.Tensor, count)
	for i := range xs {
		data := make([]float32, size)
		data[i%size] = float32(i + 1)
		xs[i] = mat.NewDense[float32](mat.WithShape(size), mat.WithBacking(data))
	}
	return xs
}

func TestNewTransformerEncoder_InvalidConfig(t *testing.T) {
	c := testEncoderConfig()
	c.ActType = "softplus"
	_, err := NewTransformerEncoder[float32](c)
	assert.Error(t, err)
}

func TestTransformerEncoder_ForwardShape(t *testing.T) {
	c := testEncoderConfig()
	m, err := NewTransformerEncoder[float32](c)
	require.NoError(t, err)

	data := [][]mat.Tensor{
		testVectors(5, c.ModelSize),
		testVectors(5, c.ModelSize),
	}
	validLengths := []int{5, 3}

	result, err := m.Forward(data, validLengths)
	require.NoError(t, err)

	require.Len(t, result.Encoded, 2)
	for _, row := range result.Encoded {
		require.Len(t, row, 5)
		for _, y := range row {
			assert.Equal(t, c.ModelSize, y.Value().Size())
		}
	}
	assert.Equal(t, validLengths, result.ValidLengths)

	require.NotNil(t, result.Mask)
	assert.True(t, result.Mask.Valid(1, 2))
	assert.False(t, result.Mask.Valid(1, 3))

	assert.Equal(t, c.ModelSize, m.NumHidden())
	assert.Equal(t, 5, m.EncodedSeqLen(5))
	maxLen, restricted := m.MaxSeqLen()
	assert.True(t, restricted)
	assert.Equal(t, c.MaxSeqLenSource, maxLen)
}

func TestTransformerEncoder_ForwardBatchMismatch(t *testing.T) {
	c := testEncoderConfig()
	m, err := NewTransformerEncoder[float32](c)
	require.NoError(t, err)

	t.Run("length count mismatch", func(t *testing.T) {
		data := [][]mat.Tensor{testVectors(3, c.ModelSize)}
		_, err := m.Forward(data, []int{3, 2})
		assert.Error(t, err)
	})

	t.Run("ragged rows", func(t *testing.T) {
		data := [][]mat.Tensor{
			testVectors(3, c.ModelSize),
			testVectors(4, c.ModelSize),
		}
		_, err := m.Forward(data, []int{3, 4})
		assert.Error(t, err)
	})
}

func TestTransformerEncoder_PaddingDoesNotLeak(t *testing.T) {
	c := transformer.Config{
		ModelSize:               4,
		AttentionHeads:          2,
		FeedForwardNumHidden:    4,
		ActType:                 transformer.ActRelu,
		NumLayers:               1,
		PositionalEmbeddingType: transformer.NoPositionalEmbedding,
		PreprocessSequence:      "",
		PostprocessSequence:     "r",
	}
	m, err := NewTransformerEncoder[float32](c)
	require.NoError(t, err)

	for _, layer := range m.Transformer.Layers {
		setSliceProjections(layer.Attention, c)
	}

	valid := []mat.Tensor{
		mat.NewDense[float32](mat.WithShape(4), mat.WithBacking([]float32{1, 0, 2, 0})),
		mat.NewDense[float32](mat.WithShape(4), mat.WithBacking([]float32{0, 3, 0, 1})),
	}
	padA := mat.NewDense[float32](mat.WithShape(4), mat.WithBacking([]float32{0, 0, 0, 0}))
	padB := mat.NewDense[float32](mat.WithShape(4), mat.WithBacking([]float32{7, 7, 7, 7}))

	resA, err := m.Forward([][]mat.Tensor{{valid[0], valid[1], padA}}, []int{2})
	require.NoError(t, err)
	resB, err := m.Forward([][]mat.Tensor{{valid[0], valid[1], padB}}, []int{2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		a := resA.Encoded[0][i].Value().Data().F64()
		b := resB.Encoded[0][i].Value().Data().F64()
		require.Equal(t, len(a), len(b))
		for j := range a {
			assert.InDelta(t, a[j], b[j], 1e-5)
		}
	}
}

// setSliceProjections makes each head project its own slice of the input,
// with an identity output projection.
func setSliceProjections(m *transformer.MultiHeadSelfAttention, c transformer.Config) {
	headSize := c.HeadSize()
	for h, head := range m.Heads {
		proj := make([]float32, headSize*c.ModelSize)
		for r := 0; r < headSize; r++ {
			proj[r*c.ModelSize+h*headSize+r] = 1
		}
		w := mat.NewDense[float32](mat.WithShape(headSize, c.ModelSize), mat.WithBacking(proj))
		head.Query.ReplaceValue(w)
		head.Key.ReplaceValue(w)
		head.Value.ReplaceValue(w)
	}

	out := make([]float32, c.ModelSize*c.ModelSize)
	for i := 0; i < c.ModelSize; i++ {
		out[i*c.ModelSize+i] = 1
	}
	m.Output.ReplaceValue(mat.NewDense[float32](mat.WithShape(c.ModelSize, c.ModelSize), mat.WithBacking(out)))
}

func TestTransformerEncoder_ApplyOptions(t *testing.T) {
	c := testEncoderConfig()
	c.DropoutPrepost = 0.1
	c.DropoutAttention = 0.1
	c.DropoutAct = 0.1

	m, err := NewTransformerEncoder[float32](c)
	require.NoError(t, err)
	assert.False(t, m.InferenceOnly)

	m.ApplyOptions(WithInferenceOnly(true))
	assert.True(t, m.InferenceOnly)
	assert.True(t, m.Drop.InferenceOnly)
	for _, layer := range m.Transformer.Layers {
		assert.True(t, layer.Attention.InferenceOnly)
		assert.True(t, layer.FF.Drop.InferenceOnly)
		assert.True(t, layer.PreAttention.Drop.InferenceOnly)
		assert.True(t, layer.PostFF.Drop.InferenceOnly)
	}
}
