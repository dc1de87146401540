// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"github.com/nlpodyssey/spago/mat"
)

// maskedScore is added to the attention score of padded positions before
// the softmax, excluding them from the normalization.
const maskedScore = float32(-1e30)

// LengthMask is the single-head attention mask of a padded batch.
// Position j of batch row i is valid iff j < validLengths[i].
type LengthMask struct {
	validLengths []int
	maxLen       int
	additive     []mat.Tensor
}

// NewLengthMask builds the mask for the given per-row valid lengths.
func NewLengthMask(validLengths []int, maxLen int) *LengthMask {
	return &LengthMask{
		validLengths: validLengths,
		maxLen:       maxLen,
		additive:     make([]mat.Tensor, len(validLengths)),
	}
}

// BatchSize returns the number of rows the mask covers.
func (m *LengthMask) BatchSize() int { return len(m.validLengths) }

// MaxLen returns the padded sequence length the mask covers.
func (m *LengthMask) MaxLen() int { return m.maxLen }

// Valid reports whether position t of batch row b is not padding.
func (m *LengthMask) Valid(b, t int) bool { return t < m.validLengths[b] }

// ValidLength returns the valid length of batch row b.
func (m *LengthMask) ValidLength(b int) int { return m.validLengths[b] }

// AdditiveRow returns the additive attention mask of batch row b: a vector
// of length MaxLen holding zero at valid positions and a large negative
// value at padded ones. Rows are built lazily and cached.
func (m *LengthMask) AdditiveRow(b int) mat.Tensor {
	if m.additive[b] == nil {
		data := make([]float32, m.maxLen)
		for t := m.validLengths[b]; t < m.maxLen; t++ {
			data[t] = maskedScore
		}
		m.additive[b] = mat.NewDense[float32](mat.WithShape(m.maxLen), mat.WithBacking(data))
	}
	return m.additive[b]
}

// ExpandRow replicates the additive mask of batch row b across the head
// dimension, for attention implementations without single-head broadcasting.
func (m *LengthMask) ExpandRow(b, heads int) []mat.Tensor {
	return expandHeadMask(m.AdditiveRow(b), heads)
}

// expandHeadMask replicates a single-head additive mask across heads.
// A nil mask yields nil per-head entries.
func expandHeadMask(addMask mat.Tensor, heads int) []mat.Tensor {
	expanded := make([]mat.Tensor, heads)
	if addMask == nil {
		return expanded
	}
	for h := range expanded {
		expanded[h] = addMask
	}
	return expanded
}

// Matrix returns the mask as a (batch, maxLen) matrix of ones (valid) and
// zeros (padding).
func (m *LengthMask) Matrix() mat.Tensor {
	data := make([]float32, len(m.validLengths)*m.maxLen)
	for b, vl := range m.validLengths {
		for t := 0; t < vl && t < m.maxLen; t++ {
			data[b*m.maxLen+t] = 1
		}
	}
	return mat.NewDense[float32](mat.WithShape(len(m.validLengths), m.maxLen), mat.WithBacking(data))
}
