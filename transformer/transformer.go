// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Model{}

// Model is the stack of encoder blocks.
type Model struct {
	nn.Module
	Layers []*Layer
	Config Config
}

func init() {
	gob.Register(&Model{})
}

// New returns a new transformer layer stack.
func New[T float.DType](c Config, inferenceOnly bool) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m := &Model{Config: c}
	for i := 0; i < c.NumLayers; i++ {
		layer, err := NewLayer[T](c, inferenceOnly)
		if err != nil {
			return nil, err
		}
		m.Layers = append(m.Layers, layer)
	}
	return m, nil
}

// Forward runs each layer sequentially over the sequence.
func (m *Model) Forward(xs []mat.Tensor, addMask mat.Tensor) []mat.Tensor {
	for _, layer := range m.Layers {
		xs = layer.Forward(xs, addMask)
	}
	return xs
}

func add(a, b []mat.Tensor) []mat.Tensor {
	c := make([]mat.Tensor, len(a))
	for i := range a {
		c[i] = ag.Add(a[i], b[i])
	}
	return c
}
