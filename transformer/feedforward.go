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
)

var _ nn.Model = &FeedForward{}

// FeedForward is the position-wise feed-forward sublayer:
// y = W2·act(W1·x + b1) + b2, with dropout after the activation.
type FeedForward struct {
	nn.Module
	W1      *nn.Param
	B1      *nn.Param
	W2      *nn.Param
	B2      *nn.Param
	Drop    *Dropout
	ActType string
}

func init() {
	gob.Register(&FeedForward{})
}

// NewFeedForward returns a new FeedForward module.
func NewFeedForward[T float.DType](c Config, inferenceOnly bool) (*FeedForward, error) {
	if err := validateActType(c.ActType); err != nil {
		return nil, err
	}
	return &FeedForward{
		W1:      nn.NewParam(mat.NewDense[T](mat.WithShape(c.FeedForwardNumHidden, c.ModelSize))),
		B1:      nn.NewParam(mat.NewDense[T](mat.WithShape(c.FeedForwardNumHidden))),
		W2:      nn.NewParam(mat.NewDense[T](mat.WithShape(c.ModelSize, c.FeedForwardNumHidden))),
		B2:      nn.NewParam(mat.NewDense[T](mat.WithShape(c.ModelSize))),
		Drop:    NewDropout(c.DropoutAct, inferenceOnly),
		ActType: c.ActType,
	}, nil
}

// Forward applies the feed-forward transformation to each element of the
// sequence independently.
func (m *FeedForward) Forward(xs []mat.Tensor) []mat.Tensor {
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		h := activate(m.ActType, ag.Add(ag.Mul(m.W1, x), m.B1))
		h = m.Drop.Forward(h)[0]
		ys[i] = ag.Add(ag.Mul(m.W2, h), m.B2)
	}
	return ys
}

func validateActType(actType string) error {
	switch actType {
	case ActRelu, ActGelu, ActSwish, ActSquaredRelu:
		return nil
	default:
		return fmt.Errorf("transformer: unknown activation type %q", actType)
	}
}

func activate(actType string, x mat.Tensor) mat.Tensor {
	switch actType {
	case ActRelu:
		return ag.ReLU(x)
	case ActSwish:
		return ag.Prod(x, ag.Sigmoid(x))
	case ActSquaredRelu:
		return ag.Square(ag.ReLU(x))
	case ActGelu:
		return gelu(x)
	default:
		panic(fmt.Sprintf("transformer: unknown activation type %q", actType))
	}
}

// gelu computes the tanh approximation of the Gaussian error linear unit:
// 0.5x(1 + tanh(sqrt(2/pi)(x + 0.044715x³)))
func gelu(x mat.Tensor) mat.Tensor {
	x3 := ag.Prod(ag.Square(x), x)
	inner := ag.ProdScalar(ag.Add(x, ag.ProdScalar(x3, mat.Scalar(0.044715))), mat.Scalar(math.Sqrt(2/math.Pi)))
	return ag.ProdScalar(ag.Prod(x, ag.AddScalar(ag.Tanh(inner), mat.Scalar(1.0))), mat.Scalar(0.5))
}
