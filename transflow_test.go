// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadBatch(t *testing.T) {
	batch := [][][]int{
		{{1, 10}, {2, 20}, {3, 30}},
		{{4, 40}},
		{},
	}

	padded, validLengths := PadBatch(batch, 9, 2)

	assert.Equal(t, []int{3, 1, 0}, validLengths)
	require.Len(t, padded, 3)
	for _, row := range padded {
		require.Len(t, row, 3)
	}

	assert.Equal(t, [][]int{{1, 10}, {2, 20}, {3, 30}}, padded[0])
	assert.Equal(t, [][]int{{4, 40}, {9, 9}, {9, 9}}, padded[1])
	assert.Equal(t, [][]int{{9, 9}, {9, 9}, {9, 9}}, padded[2])
}

func TestPadBatch_Empty(t *testing.T) {
	padded, validLengths := PadBatch(nil, 0, 1)
	assert.Empty(t, padded)
	assert.Empty(t, validLengths)
}
