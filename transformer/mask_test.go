// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthMask(t *testing.T) {
	mask := NewLengthMask([]int{3, 5, 0}, 5)

	assert.Equal(t, 3, mask.BatchSize())
	assert.Equal(t, 5, mask.MaxLen())

	assert.Equal(t, 3, mask.ValidLength(0))
	assert.Equal(t, 5, mask.ValidLength(1))
	assert.Equal(t, 0, mask.ValidLength(2))

	assert.True(t, mask.Valid(0, 2))
	assert.False(t, mask.Valid(0, 3))
	assert.True(t, mask.Valid(1, 4))
	assert.False(t, mask.Valid(2, 0))
}

func TestLengthMask_AdditiveRow(t *testing.T) {
	mask := NewLengthMask([]int{2, 4}, 4)

	row := mask.AdditiveRow(0)
	require.Equal(t, 4, row.Value().Size())

	data := row.Value().Data().F64()
	assert.Equal(t, 0.0, data[0])
	assert.Equal(t, 0.0, data[1])
	assert.Less(t, data[2], -1e29)
	assert.Less(t, data[3], -1e29)

	// fully valid rows carry no penalty
	for _, v := range mask.AdditiveRow(1).Value().Data().F64() {
		assert.Equal(t, 0.0, v)
	}

	// rows are cached
	assert.Same(t, mask.AdditiveRow(0), mask.AdditiveRow(0))
}

func TestLengthMask_ExpandRow(t *testing.T) {
	mask := NewLengthMask([]int{1}, 3)

	expanded := mask.ExpandRow(0, 4)
	require.Len(t, expanded, 4)
	for _, e := range expanded {
		assert.Same(t, mask.AdditiveRow(0), e)
	}
}

func TestExpandHeadMask_Nil(t *testing.T) {
	expanded := expandHeadMask(nil, 3)
	require.Len(t, expanded, 3)
	for _, e := range expanded {
		assert.Nil(t, e)
	}
}

func TestLengthMask_Matrix(t *testing.T) {
	mask := NewLengthMask([]int{2, 0, 3}, 3)

	m := mask.Matrix().Value()
	require.Equal(t, []int{3, 3}, m.Shape())

	expected := []float64{
		1, 1, 0,
		0, 0, 0,
		1, 1, 1,
	}
	assert.Equal(t, expected, m.Data().F64())
}
