// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Layer{}

// Layer is a single encoder block: a self-attention sublayer and a
// position-wise feed-forward sublayer, each wrapped in its pre/post
// process blocks. Layers share no state with each other.
type Layer struct {
	nn.Module

	PreAttention  *ProcessBlock
	Attention     *MultiHeadSelfAttention
	PostAttention *ProcessBlock

	PreFF  *ProcessBlock
	FF     *FeedForward
	PostFF *ProcessBlock
}

func init() {
	gob.Register(&Layer{})
}

// NewLayer returns a new encoder block.
func NewLayer[T float.DType](c Config, inferenceOnly bool) (*Layer, error) {
	preAtt, err := NewProcessBlock[T](c.PreprocessSequence, c.ModelSize, c.DropoutPrepost, inferenceOnly)
	if err != nil {
		return nil, err
	}
	postAtt, err := NewProcessBlock[T](c.PostprocessSequence, c.ModelSize, c.DropoutPrepost, inferenceOnly)
	if err != nil {
		return nil, err
	}
	preFF, err := NewProcessBlock[T](c.PreprocessSequence, c.ModelSize, c.DropoutPrepost, inferenceOnly)
	if err != nil {
		return nil, err
	}
	postFF, err := NewProcessBlock[T](c.PostprocessSequence, c.ModelSize, c.DropoutPrepost, inferenceOnly)
	if err != nil {
		return nil, err
	}
	ff, err := NewFeedForward[T](c, inferenceOnly)
	if err != nil {
		return nil, err
	}
	return &Layer{
		PreAttention:  preAtt,
		Attention:     NewMultiHeadSelfAttention[T](c, inferenceOnly),
		PostAttention: postAtt,
		PreFF:         preFF,
		FF:            ff,
		PostFF:        postFF,
	}, nil
}

// Forward runs the block over one sequence, masking attention scores with
// the given additive mask.
func (m *Layer) Forward(xs []mat.Tensor, addMask mat.Tensor) []mat.Tensor {
	att := m.Attention.Forward(m.PreAttention.Forward(xs, nil), addMask)
	xs = m.PostAttention.Forward(att, xs)

	ff := m.FF.Forward(m.PreFF.Forward(xs, nil))
	return m.PostFF.Forward(ff, xs)
}
