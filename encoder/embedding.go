// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package encoder

import (
	"encoding/gob"
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/transflow/transformer"
)

// Factor combination modes.
const (
	CombineSum     = "sum"
	CombineAverage = "average"
	CombineConcat  = "concat"
)

// FactorConfig configures one auxiliary input stream of the embedding.
type FactorConfig struct {
	VocabSize int `json:"vocab_size"`
	NumEmbed  int `json:"num_embed"`
	// Combine is one of "sum", "average" or "concat".
	Combine string `json:"combine"`
	// ShareEmbedding makes the factor look up the primary token table
	// instead of owning one.
	ShareEmbedding bool `json:"share_embedding"`
}

// EmbeddingConfig configures the token embedding.
type EmbeddingConfig struct {
	VocabSize     int            `json:"vocab_size"`
	NumEmbed      int            `json:"num_embed"`
	Dropout       float64        `json:"dropout"`
	FactorConfigs []FactorConfig `json:"factor_configs,omitempty"`
	// AllowSparseGrad is retained for configuration compatibility with
	// checkpoints; spago embedding gradients are always dense.
	AllowSparseGrad bool `json:"allow_sparse_grad"`
}

// NumFactors returns the number of input streams: the primary tokens plus
// one per factor.
func (c EmbeddingConfig) NumFactors() int {
	return 1 + len(c.FactorConfigs)
}

// OutputDim returns the width of the embedded vectors: NumEmbed plus the
// sizes of the factors combined by concatenation.
func (c EmbeddingConfig) OutputDim() int {
	dim := c.NumEmbed
	for _, fc := range c.FactorConfigs {
		if fc.Combine == CombineConcat {
			dim += fc.NumEmbed
		}
	}
	return dim
}

// Validate reports the first configuration error found, if any.
func (c EmbeddingConfig) Validate() error {
	if c.VocabSize <= 0 || c.NumEmbed <= 0 {
		return fmt.Errorf("embedding: vocabulary size and embedding size must be positive, actual %d and %d",
			c.VocabSize, c.NumEmbed)
	}
	for i, fc := range c.FactorConfigs {
		switch fc.Combine {
		case CombineSum, CombineAverage, CombineConcat:
		default:
			return fmt.Errorf("embedding: unknown combine value for factor %d: %q", i, fc.Combine)
		}
		if fc.ShareEmbedding && fc.NumEmbed != c.NumEmbed {
			return fmt.Errorf("embedding: factor %d shares the token table but has size %d, expected %d",
				i, fc.NumEmbed, c.NumEmbed)
		}
		if fc.Combine != CombineConcat && fc.NumEmbed != c.NumEmbed {
			return fmt.Errorf("embedding: factor %d is combined by %s and must match the token embedding size %d, actual %d",
				i, fc.Combine, c.NumEmbed, fc.NumEmbed)
		}
	}
	return nil
}

var _ Encoder = &Embedding{}
var _ nn.Model = &Embedding{}

// Embedding maps token IDs, and optionally factor IDs, to dense vectors.
// Factor embeddings are folded into the token embedding according to each
// factor's combination mode: averaged factors are stacked with the token
// vector and averaged, summed factors are added elementwise, and
// concatenated factors are appended along the feature axis, in that order.
type Embedding struct {
	nn.Module
	Tokens *embedding.Model
	// Factors holds one table per factor; shared factors alias Tokens.
	Factors []*embedding.Model
	Drop    *transformer.Dropout
	Config  EmbeddingConfig
}

func init() {
	gob.Register(&Embedding{})
}

// NewEmbedding returns a new Embedding for the given configuration.
func NewEmbedding[T float.DType](c EmbeddingConfig, opts ...Option) (*Embedding, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts...)

	tokens := embedding.New[T](c.VocabSize, c.NumEmbed)
	factors := make([]*embedding.Model, len(c.FactorConfigs))
	for i, fc := range c.FactorConfigs {
		if fc.ShareEmbedding {
			factors[i] = tokens
		} else {
			factors[i] = embedding.New[T](fc.VocabSize, fc.NumEmbed)
		}
	}
	return &Embedding{
		Tokens:  tokens,
		Factors: factors,
		Drop:    transformer.NewDropout(c.Dropout, o.inferenceOnly),
		Config:  c,
	}, nil
}

// ApplyOptions re-applies construction options to an embedding restored
// from a dump.
func (m *Embedding) ApplyOptions(opts ...Option) {
	o := newOptions(opts...)
	m.Drop.InferenceOnly = o.inferenceOnly
}

// Forward embeds a padded batch of shape (batch, sequence length,
// NumFactors) and returns one vector sequence per batch row. The vectors
// are NumEmbed wide, widened by the concatenated factor sizes when
// concatenation is configured.
func (m *Embedding) Forward(data [][][]int) ([][]mat.Tensor, error) {
	encoded := make([][]mat.Tensor, len(data))
	for b, row := range data {
		seq, err := m.forwardRow(row)
		if err != nil {
			return nil, fmt.Errorf("embedding: batch row %d: %w", b, err)
		}
		encoded[b] = seq
	}
	return encoded, nil
}

func (m *Embedding) forwardRow(row [][]int) ([]mat.Tensor, error) {
	numFactors := m.Config.NumFactors()
	ids := make([][]int, numFactors)
	for t, factors := range row {
		if len(factors) != numFactors {
			return nil, fmt.Errorf("position %d has %d factor channels, expected %d", t, len(factors), numFactors)
		}
		for f, id := range factors {
			ids[f] = append(ids[f], id)
		}
	}

	embedded, err := m.Tokens.Encode(ids[0])
	if err != nil {
		return nil, err
	}

	if numFactors == 1 {
		return m.Drop.Forward(embedded...), nil
	}

	factorEmbedded := make([][]mat.Tensor, len(m.Factors))
	for f, table := range m.Factors {
		factorEmbedded[f], err = table.Encode(ids[f+1])
		if err != nil {
			return nil, err
		}
	}

	combined := make([]mat.Tensor, len(embedded))
	for t := range embedded {
		combined[t], err = m.combine(embedded[t], factorEmbedded, t)
		if err != nil {
			return nil, err
		}
	}
	return m.Drop.Forward(combined...), nil
}

// combine folds the factor embeddings of one position into its token
// embedding: average bucket first, then sum, then concatenation.
func (m *Embedding) combine(embedded mat.Tensor, factorEmbedded [][]mat.Tensor, t int) (mat.Tensor, error) {
	var averaged, summed, concatenated []mat.Tensor
	for f, fc := range m.Config.FactorConfigs {
		fe := factorEmbedded[f][t]
		switch fc.Combine {
		case CombineAverage:
			averaged = append(averaged, fe)
		case CombineSum:
			summed = append(summed, fe)
		case CombineConcat:
			concatenated = append(concatenated, fe)
		default:
			return nil, fmt.Errorf("unknown combine value for factors: %q", fc.Combine)
		}
	}

	if len(averaged) > 0 {
		sum := embedded
		for _, fe := range averaged {
			sum = ag.Add(sum, fe)
		}
		embedded = ag.DivScalar(sum, mat.Scalar(float64(1+len(averaged))))
	}
	for _, fe := range summed {
		embedded = ag.Add(embedded, fe)
	}
	if len(concatenated) > 0 {
		embedded = ag.Concat(append([]mat.Tensor{embedded}, concatenated...)...)
	}
	return embedded, nil
}

// NumHidden returns the configured token embedding size. Factors combined
// by concatenation widen the output beyond this value; see OutputDim.
func (m *Embedding) NumHidden() int {
	return m.Config.NumEmbed
}

// OutputDim returns the actual width of the vectors Forward produces,
// accounting for concatenated factors.
func (m *Embedding) OutputDim() int {
	return m.Config.OutputDim()
}

// EncodedSeqLen returns seqLen: embedding does not change the sequence
// length.
func (m *Embedding) EncodedSeqLen(seqLen int) int { return seqLen }

// MaxSeqLen returns no restriction.
func (m *Embedding) MaxSeqLen() (int, bool) { return 0, false }
