// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Dropout{}

// Dropout implements inverted dropout: during training each component is
// zeroed with probability P and the survivors are scaled by 1/(1-P).
// With P = 0, or on an inference-only model, it is the identity.
type Dropout struct {
	nn.Module
	P             float64
	InferenceOnly bool
}

func init() {
	gob.Register(&Dropout{})
}

// NewDropout returns a new Dropout module.
func NewDropout(p float64, inferenceOnly bool) *Dropout {
	return &Dropout{P: p, InferenceOnly: inferenceOnly}
}

// Forward applies dropout to each input independently.
func (m *Dropout) Forward(xs ...mat.Tensor) []mat.Tensor {
	if m.P == 0 || m.InferenceOnly {
		return xs
	}
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		ys[i] = ag.Prod(x, m.mask(x.Value().Size()))
	}
	return ys
}

func (m *Dropout) mask(size int) mat.Tensor {
	keep := 1.0 - m.P
	data := make([]float32, size)
	for i := range data {
		if rand.Float[float64]() < keep {
			data[i] = float32(1.0 / keep)
		}
	}
	return mat.NewDense[float32](mat.WithShape(size), mat.WithBacking(data))
}
