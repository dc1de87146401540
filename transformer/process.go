// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

const layerNormEps = 1e-6

var _ nn.Model = &ProcessBlock{}

// ProcessBlock wraps a sublayer with a configurable sequence of processing
// steps, one character each: 'n' layer normalization, 'r' residual
// addition of the previous input, 'd' dropout. An empty sequence is the
// identity.
type ProcessBlock struct {
	nn.Module
	Sequence string
	Norm     *layernorm.Model
	Drop     *Dropout
}

func init() {
	gob.Register(&ProcessBlock{})
}

// NewProcessBlock returns a new ProcessBlock for the given step sequence.
func NewProcessBlock[T float.DType](sequence string, numHidden int, dropout float64, inferenceOnly bool) (*ProcessBlock, error) {
	if err := validateProcessSequence(sequence); err != nil {
		return nil, err
	}
	m := &ProcessBlock{
		Sequence: sequence,
		Drop:     NewDropout(dropout, inferenceOnly),
	}
	if strings.ContainsRune(sequence, 'n') {
		m.Norm = layernorm.New[T](numHidden, layerNormEps)
	}
	return m, nil
}

// Forward runs the processing steps over the sequence. prev is the input
// of the wrapped sublayer, used by residual steps; it may be nil for
// blocks whose sequence holds no 'r'.
func (m *ProcessBlock) Forward(xs []mat.Tensor, prev []mat.Tensor) []mat.Tensor {
	for _, step := range m.Sequence {
		switch step {
		case 'n':
			xs = m.Norm.Forward(xs...)
		case 'r':
			if prev != nil {
				xs = add(xs, prev)
			}
		case 'd':
			xs = m.Drop.Forward(xs...)
		default:
			panic(fmt.Sprintf("transformer: unknown processing step %q in sequence %q", step, m.Sequence))
		}
	}
	return xs
}
