// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package encoder

import (
	"encoding/gob"
	"fmt"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/transflow/transformer"
	"github.com/rs/zerolog"
)

var _ Encoder = &TransformerEncoder{}
var _ nn.Model = &TransformerEncoder{}

// TransformerEncoder encodes an embedded source sequence with a stack of
// self-attention/feed-forward blocks, masking padded positions out of the
// attention computation.
type TransformerEncoder struct {
	nn.Module
	PosEmbedding  *transformer.PositionalEmbeddings
	Drop          *transformer.Dropout
	Transformer   *transformer.Model
	FinalProcess  *transformer.ProcessBlock
	Config        transformer.Config
	InferenceOnly bool

	logger zerolog.Logger
}

// Result is the outcome of encoding a padded batch.
type Result struct {
	// Encoded holds one hidden-state sequence per batch row, each vector
	// ModelSize wide.
	Encoded [][]mat.Tensor
	// ValidLengths is the valid-length tensor passed to Forward,
	// unchanged.
	ValidLengths []int
	// Mask is the single-head attention mask marking valid positions.
	Mask *transformer.LengthMask
}

func init() {
	gob.Register(&TransformerEncoder{})
}

// NewTransformerEncoder returns a new TransformerEncoder.
func NewTransformerEncoder[T float.DType](c transformer.Config, opts ...Option) (*TransformerEncoder, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts...)

	stack, err := transformer.New[T](c, o.inferenceOnly)
	if err != nil {
		return nil, err
	}
	posEmbedding, err := transformer.NewPositionalEmbeddings[T](c.PositionalEmbeddingType, c.ModelSize, c.MaxSeqLenSource, true)
	if err != nil {
		return nil, err
	}
	finalProcess, err := transformer.NewProcessBlock[T](c.PreprocessSequence, c.ModelSize, c.DropoutPrepost, o.inferenceOnly)
	if err != nil {
		return nil, err
	}

	m := &TransformerEncoder{
		PosEmbedding:  posEmbedding,
		Drop:          transformer.NewDropout(c.DropoutPrepost, o.inferenceOnly),
		Transformer:   stack,
		FinalProcess:  finalProcess,
		Config:        c,
		InferenceOnly: o.inferenceOnly,
		logger:        o.logger,
	}
	if o.inferenceOnly && !transformer.NativeFusedAttentionAvailable() {
		m.logger.Warn().Msg(
			"the matrix backend provides no native fused multi-head attention; falling back to the explicitly-masked implementation")
	}
	return m, nil
}

// SetLogger injects the structured logger the encoder reports through.
// It is meant for models restored from a dump.
func (m *TransformerEncoder) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// ApplyOptions re-applies construction options to a model restored from a
// dump: it injects the logger and propagates the inference-only flag to
// every dropout module and attention kernel.
func (m *TransformerEncoder) ApplyOptions(opts ...Option) {
	o := newOptions(opts...)
	m.logger = o.logger
	m.setInferenceOnly(o.inferenceOnly)
	if o.inferenceOnly && !transformer.NativeFusedAttentionAvailable() {
		m.logger.Warn().Msg(
			"the matrix backend provides no native fused multi-head attention; falling back to the explicitly-masked implementation")
	}
}

func (m *TransformerEncoder) setInferenceOnly(inferenceOnly bool) {
	m.InferenceOnly = inferenceOnly
	m.Drop.InferenceOnly = inferenceOnly
	m.FinalProcess.Drop.InferenceOnly = inferenceOnly
	for _, layer := range m.Transformer.Layers {
		layer.Attention.SetInferenceOnly(inferenceOnly)
		layer.FF.Drop.InferenceOnly = inferenceOnly
		for _, block := range []*transformer.ProcessBlock{layer.PreAttention, layer.PostAttention, layer.PreFF, layer.PostFF} {
			block.Drop.InferenceOnly = inferenceOnly
		}
	}
}

// Forward encodes a padded batch. data holds one embedded sequence per
// batch row, all padded to a common length; validLengths gives the true
// length of each row.
func (m *TransformerEncoder) Forward(data [][]mat.Tensor, validLengths []int) (Result, error) {
	if len(data) != len(validLengths) {
		return Result{}, fmt.Errorf("encoder: got %d batch rows but %d valid lengths", len(data), len(validLengths))
	}
	maxLen := 0
	for b, row := range data {
		if b == 0 {
			maxLen = len(row)
		} else if len(row) != maxLen {
			return Result{}, fmt.Errorf("encoder: padded batch rows must share one length: row %d has %d positions, row 0 has %d",
				b, len(row), maxLen)
		}
	}

	mask := transformer.NewLengthMask(validLengths, maxLen)

	encoded := make([][]mat.Tensor, len(data))
	for b, row := range data {
		xs, err := m.PosEmbedding.Forward(row)
		if err != nil {
			return Result{}, err
		}
		xs = m.Drop.Forward(xs...)
		xs = m.Transformer.Forward(xs, mask.AdditiveRow(b))
		encoded[b] = m.FinalProcess.Forward(xs, nil)
	}

	return Result{
		Encoded:      encoded,
		ValidLengths: validLengths,
		Mask:         mask,
	}, nil
}

// NumHidden returns the model size, constant across layers.
func (m *TransformerEncoder) NumHidden() int {
	return m.Config.ModelSize
}

// EncodedSeqLen returns seqLen: the encoder does not change the sequence
// length.
func (m *TransformerEncoder) EncodedSeqLen(seqLen int) int { return seqLen }

// MaxSeqLen returns the configured maximum source sequence length.
func (m *TransformerEncoder) MaxSeqLen() (int, bool) {
	if m.Config.MaxSeqLenSource <= 0 {
		return 0, false
	}
	return m.Config.MaxSeqLenSource, true
}
