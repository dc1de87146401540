// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transenc

import (
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatTensor(size []int, data []float32) *pytorch.Tensor {
	return &pytorch.Tensor{Size: size, Source: &pytorch.FloatStorage{Data: data}}
}

func TestConverter_TensorToMatrix(t *testing.T) {
	c := newConverter[float32](Config{}, "", "")

	m, err := c.tensorToMatrix(floatTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6}))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, m.Shape())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, m.Data().F64())

	_, err = c.tensorToMatrix(floatTensor([]int{6}, []float32{1, 2, 3, 4, 5, 6}))
	assert.Error(t, err)
}

func TestConverter_TensorToVectors(t *testing.T) {
	c := newConverter[float32](Config{}, "", "")

	vecs, err := c.tensorToVectors(floatTensor([]int{2, 2}, []float32{1, 2, 3, 4}))
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float64{1, 2}, vecs[0].Data().F64())
	assert.Equal(t, []float64{3, 4}, vecs[1].Data().F64())
}

func TestConverter_TensorStorageOffset(t *testing.T) {
	c := newConverter[float32](Config{}, "", "")

	tsr := floatTensor([]int{2}, []float32{9, 1, 2})
	tsr.StorageOffset = 1

	v, err := c.tensorToVector(tsr)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, v.Data().F64())
}

func TestConverter_BFloat16Storage(t *testing.T) {
	c := newConverter[float32](Config{}, "", "")

	tsr := &pytorch.Tensor{Size: []int{2}, Source: &pytorch.BFloat16Storage{Data: []float32{0.5, 1.5}}}
	v, err := c.tensorToVector(tsr)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5}, v.Data().F64())
}

func TestConverter_UnsupportedStorage(t *testing.T) {
	c := newConverter[float32](Config{}, "", "")

	tsr := &pytorch.Tensor{Size: []int{1}, Source: &pytorch.DoubleStorage{Data: []float64{1}}}
	_, err := c.tensorToVector(tsr)
	assert.Error(t, err)
}

func TestConverter_FetchParamToMatrix(t *testing.T) {
	c := newConverter[float32](Config{}, "", "")
	params := paramsMap{"w": floatTensor([]int{2, 2}, []float32{1, 2, 3, 4})}

	m, err := c.fetchParamToMatrix(params, "w", [2]int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, m.Shape())

	// fetched parameters are consumed
	_, err = c.fetchParamToMatrix(params, "w", [2]int{2, 2})
	assert.Error(t, err)

	params["w"] = floatTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	_, err = c.fetchParamToMatrix(params, "w", [2]int{4, 1})
	assert.Error(t, err)
}

func TestConverter_FetchParamToVector(t *testing.T) {
	c := newConverter[float32](Config{}, "", "")
	params := paramsMap{"b": floatTensor([]int{3}, []float32{1, 2, 3})}

	v, err := c.fetchParamToVector(params, "b", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, v.Data().F64())

	params["b"] = floatTensor([]int{3}, []float32{1, 2, 3})
	_, err = c.fetchParamToVector(params, "b", 4)
	assert.Error(t, err)
}

func TestParamsMap_FetchPrefixed(t *testing.T) {
	params := paramsMap{
		"encoder.layers.0.w": floatTensor([]int{1}, []float32{1}),
		"encoder.layers.1.w": floatTensor([]int{1}, []float32{2}),
		"other":              floatTensor([]int{1}, []float32{3}),
	}

	layers := params.fetchPrefixed("encoder.layers.")
	assert.Len(t, layers, 2)
	assert.Contains(t, layers, "0.w")
	assert.Contains(t, layers, "1.w")

	// matched entries are consumed from the source map
	assert.Len(t, params, 1)
	assert.Contains(t, params, "other")
}
