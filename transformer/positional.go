// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"encoding/gob"
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
)

var _ nn.Model = &PositionalEmbeddings{}

// PositionalEmbeddings adds position information to a sequence of vectors.
//
// With the "fixed" weight type the position vectors are the sinusoids of
// Vaswani et al. (2017), held in constant buffers: the first half of each
// vector carries sin(pos/10000^(2i/d)), the second half the corresponding
// cosines. With "learned" the position vectors come from a trainable
// embedding table. With "none" the input passes through unchanged.
type PositionalEmbeddings struct {
	nn.Module
	WeightType   string
	NumEmbed     int
	MaxSeqLen    int
	ScaleUpInput bool
	Fixed        []*nn.Buffer
	Learned      *embedding.Model
}

func init() {
	gob.Register(&PositionalEmbeddings{})
}

// NewPositionalEmbeddings returns a new PositionalEmbeddings module.
func NewPositionalEmbeddings[T float.DType](weightType string, numEmbed, maxSeqLen int, scaleUpInput bool) (*PositionalEmbeddings, error) {
	m := &PositionalEmbeddings{
		WeightType:   weightType,
		NumEmbed:     numEmbed,
		MaxSeqLen:    maxSeqLen,
		ScaleUpInput: scaleUpInput,
	}
	switch weightType {
	case NoPositionalEmbedding:
	case FixedPositionalEmbedding:
		m.Fixed = sinusoidalPositions[T](numEmbed, maxSeqLen)
	case LearnedPositionalEmbedding:
		m.Learned = embedding.New[T](maxSeqLen, numEmbed)
	default:
		return nil, fmt.Errorf("transformer: unknown positional embedding type %q", weightType)
	}
	return m, nil
}

// Forward adds position vectors to each element of the sequence, scaling
// the input up by sqrt(NumEmbed) first when so configured.
func (m *PositionalEmbeddings) Forward(xs []mat.Tensor) ([]mat.Tensor, error) {
	if m.WeightType == NoPositionalEmbedding {
		return xs, nil
	}
	if len(xs) > m.MaxSeqLen {
		return nil, fmt.Errorf("transformer: sequence length %d exceeds the maximum supported length %d", len(xs), m.MaxSeqLen)
	}

	positions, err := m.positions(len(xs))
	if err != nil {
		return nil, err
	}

	scale := mat.Scalar(math.Sqrt(float64(m.NumEmbed)))
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		if m.ScaleUpInput {
			x = ag.ProdScalar(x, scale)
		}
		ys[i] = ag.Add(x, positions[i])
	}
	return ys, nil
}

func (m *PositionalEmbeddings) positions(length int) ([]mat.Tensor, error) {
	if m.WeightType == LearnedPositionalEmbedding {
		ids := make([]int, length)
		for i := range ids {
			ids[i] = i
		}
		return m.Learned.Encode(ids)
	}
	positions := make([]mat.Tensor, length)
	for i := range positions {
		positions[i] = m.Fixed[i]
	}
	return positions, nil
}

func sinusoidalPositions[T float.DType](numEmbed, maxSeqLen int) []*nn.Buffer {
	half := numEmbed / 2
	rows := make([]*nn.Buffer, maxSeqLen)
	for pos := 0; pos < maxSeqLen; pos++ {
		data := make([]T, numEmbed)
		for i := 0; i < half; i++ {
			scaled := float64(pos) / math.Pow(10000, 2*float64(i)/float64(numEmbed))
			data[i] = T(math.Sin(scaled))
			data[half+i] = T(math.Cos(scaled))
		}
		rows[pos] = nn.Buf(mat.NewDense[T](mat.WithShape(numEmbed), mat.WithBacking(data)))
	}
	return rows
}
