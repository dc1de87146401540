// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transformer

import (
	"encoding/gob"
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &MultiHeadSelfAttention{}

// FusedSelfAttention is an optional capability of the matrix backend: a
// fused kernel computing masked multi-head attention in a single call.
// It receives the per-token query/key/value projections (all heads
// concatenated), the single-head additive mask, and the zero bias vectors
// its contract requires, and returns the per-token context vectors with
// heads already merged, ready for the output projection.
type FusedSelfAttention interface {
	FusedSelfAttention(qs, ks, vs []mat.Tensor, addMask mat.Tensor, numHeads int, qkvBias, projBias mat.Tensor) []mat.Tensor
}

// SelfAttentionHead holds the projection parameters of a single head.
type SelfAttentionHead struct {
	nn.Module
	Query *nn.Param
	Key   *nn.Param
	Value *nn.Param
}

// MultiHeadSelfAttention implements the self-attention sublayer of an
// encoder block. The masked attention computation is delegated to one of
// two kernels implementing the same contract, selected once per model:
// a native fused kernel when the matrix backend provides one, otherwise
// the generic explicitly-masked implementation.
type MultiHeadSelfAttention struct {
	nn.Module
	Heads         []*SelfAttentionHead
	Output        *nn.Param
	Drop          *Dropout
	QKVBias       *nn.Buffer
	ProjBias      *nn.Buffer
	ModelSize     int
	InferenceOnly bool

	kernel attentionKernel
}

func init() {
	gob.Register(&SelfAttentionHead{})
	gob.Register(&MultiHeadSelfAttention{})
}

// NewSelfAttentionHead returns a new head with zeroed projections.
func NewSelfAttentionHead[T float.DType](modelSize, headSize int) *SelfAttentionHead {
	return &SelfAttentionHead{
		Query: nn.NewParam(mat.NewDense[T](mat.WithShape(headSize, modelSize))),
		Key:   nn.NewParam(mat.NewDense[T](mat.WithShape(headSize, modelSize))),
		Value: nn.NewParam(mat.NewDense[T](mat.WithShape(headSize, modelSize))),
	}
}

// NewMultiHeadSelfAttention returns a new MultiHeadSelfAttention module.
func NewMultiHeadSelfAttention[T float.DType](c Config, inferenceOnly bool) *MultiHeadSelfAttention {
	heads := make([]*SelfAttentionHead, c.AttentionHeads)
	for i := range heads {
		heads[i] = NewSelfAttentionHead[T](c.ModelSize, c.HeadSize())
	}
	m := &MultiHeadSelfAttention{
		Heads:         heads,
		Output:        nn.NewParam(mat.NewDense[T](mat.WithShape(c.ModelSize, c.ModelSize))),
		Drop:          NewDropout(c.DropoutAttention, inferenceOnly),
		ModelSize:     c.ModelSize,
		InferenceOnly: inferenceOnly,
	}
	m.kernel, _ = selectAttentionKernel(inferenceOnly)
	if _, ok := m.kernel.(nativeFusedAttention); ok {
		m.QKVBias = nn.Buf(mat.NewDense[T](mat.WithShape(3 * c.ModelSize)))
		m.ProjBias = nn.Buf(mat.NewDense[T](mat.WithShape(c.ModelSize)))
	}
	return m
}

// SetInferenceOnly switches the module between training and
// inference-only behavior, re-selecting the attention kernel.
func (m *MultiHeadSelfAttention) SetInferenceOnly(inferenceOnly bool) {
	m.InferenceOnly = inferenceOnly
	m.Drop.InferenceOnly = inferenceOnly
	m.kernel, _ = selectAttentionKernel(inferenceOnly)
}

// Forward computes masked multi-head self-attention over the sequence.
// addMask is the additive single-head mask of the current batch row, or
// nil when every position is valid.
func (m *MultiHeadSelfAttention) Forward(xs []mat.Tensor, addMask mat.Tensor) []mat.Tensor {
	if m.kernel == nil {
		// models restored from a dump re-select the kernel on first use
		m.kernel, _ = selectAttentionKernel(m.InferenceOnly)
	}
	return m.kernel.forward(m, xs, addMask)
}

func (m *MultiHeadSelfAttention) headSize() int {
	return m.ModelSize / len(m.Heads)
}

func (m *MultiHeadSelfAttention) scale() mat.Tensor {
	return mat.Scalar(1 / math.Sqrt(float64(m.headSize())))
}

// ScaledDotProductAttention computes, for each query q, the context vector
// Vᵀ·softmax(K·q·scale + addMask). K and V are the stacked key and value
// matrices of the sequence; addMask may be nil.
func ScaledDotProductAttention(qs []mat.Tensor, k, v mat.Tensor, scale mat.Tensor, addMask mat.Tensor, drop *Dropout) []mat.Tensor {
	vT := ag.T(v)
	ctxs := make([]mat.Tensor, len(qs))
	for i, q := range qs {
		scores := ag.ProdScalar(ag.Mul(k, q), scale)
		if addMask != nil {
			scores = ag.Add(scores, addMask)
		}
		weights := ag.Softmax(scores)
		if drop != nil {
			weights = drop.Forward(weights)[0]
		}
		ctxs[i] = ag.Mul(vT, weights)
	}
	return ctxs
}

// attentionKernel is the forward contract shared by the two attention
// strategies.
type attentionKernel interface {
	forward(m *MultiHeadSelfAttention, xs []mat.Tensor, addMask mat.Tensor) []mat.Tensor
}

// genericMaskedAttention is the fallback strategy: per-head projections,
// the mask replicated across the head dimension, and an explicit
// scaled-dot-product computation.
type genericMaskedAttention struct{}

func (genericMaskedAttention) forward(m *MultiHeadSelfAttention, xs []mat.Tensor, addMask mat.Tensor) []mat.Tensor {
	heads := len(m.Heads)
	headMasks := expandHeadMask(addMask, heads)

	scale := m.scale()
	ctxs := make([][]mat.Tensor, heads)
	for h, head := range m.Heads {
		qs := make([]mat.Tensor, len(xs))
		ks := make([]mat.Tensor, len(xs))
		vs := make([]mat.Tensor, len(xs))
		for i, x := range xs {
			qs[i] = ag.Mul(head.Query, x)
			ks[i] = ag.Mul(head.Key, x)
			vs[i] = ag.Mul(head.Value, x)
		}
		ctxs[h] = ScaledDotProductAttention(qs, ag.Stack(ks...), ag.Stack(vs...), scale, headMasks[h], m.Drop)
	}

	ys := make([]mat.Tensor, len(xs))
	for i := range xs {
		parts := make([]mat.Tensor, heads)
		for h := range parts {
			parts[h] = ctxs[h][i]
		}
		ys[i] = ag.Mul(m.Output, ag.Concat(parts...))
	}
	return ys
}

// nativeFusedAttention delegates the whole masked attention computation to
// the backend's fused kernel, passing the single-head mask directly along
// with the zero bias tensors the kernel's contract requires.
type nativeFusedAttention struct {
	impl FusedSelfAttention
}

func (k nativeFusedAttention) forward(m *MultiHeadSelfAttention, xs []mat.Tensor, addMask mat.Tensor) []mat.Tensor {
	qs := make([]mat.Tensor, len(xs))
	ks := make([]mat.Tensor, len(xs))
	vs := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		qs[i] = m.projectAllHeads(x, func(h *SelfAttentionHead) *nn.Param { return h.Query })
		ks[i] = m.projectAllHeads(x, func(h *SelfAttentionHead) *nn.Param { return h.Key })
		vs[i] = m.projectAllHeads(x, func(h *SelfAttentionHead) *nn.Param { return h.Value })
	}

	ctxs := k.impl.FusedSelfAttention(qs, ks, vs, addMask, len(m.Heads), m.QKVBias, m.ProjBias)

	ys := make([]mat.Tensor, len(ctxs))
	for i, ctx := range ctxs {
		ys[i] = ag.Add(ag.Mul(m.Output, ctx), m.ProjBias)
	}
	return ys
}

func (m *MultiHeadSelfAttention) projectAllHeads(x mat.Tensor, param func(*SelfAttentionHead) *nn.Param) mat.Tensor {
	parts := make([]mat.Tensor, len(m.Heads))
	for h, head := range m.Heads {
		parts[h] = ag.Mul(param(head), x)
	}
	return ag.Concat(parts...)
}

// selectAttentionKernel picks the attention strategy once, at construction
// time. The fused kernel is only considered for inference-only models; the
// second return value reports whether it was available.
func selectAttentionKernel(inferenceOnly bool) (attentionKernel, bool) {
	if inferenceOnly {
		if impl, ok := probeFusedSelfAttention(mat.NewDense[float32](mat.WithShape(1))); ok {
			return nativeFusedAttention{impl: impl}, true
		}
	}
	return genericMaskedAttention{}, false
}

// probeFusedSelfAttention reports whether the given matrix backend value
// implements the fused attention capability.
func probeFusedSelfAttention(v any) (FusedSelfAttention, bool) {
	impl, ok := v.(FusedSelfAttention)
	return impl, ok
}

// NativeFusedAttentionAvailable reports whether the matrix backend
// provides a fused multi-head attention kernel.
func NativeFusedAttentionAvailable() bool {
	_, ok := probeFusedSelfAttention(mat.NewDense[float32](mat.WithShape(1)))
	return ok
}
