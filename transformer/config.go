// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transformer implements the building blocks of a transformer
// sequence encoder: multi-head self-attention, position-wise feed-forward
// layers, pre/post processing blocks and positional embeddings, following
// "Attention Is All You Need" (Vaswani et al., 2017).
package transformer

import (
	"fmt"
	"strings"
)

// Positional embedding types.
const (
	FixedPositionalEmbedding   = "fixed"
	LearnedPositionalEmbedding = "learned"
	NoPositionalEmbedding      = "none"
)

// Activation types for the feed-forward sublayer.
const (
	ActRelu        = "relu"
	ActGelu        = "gelu"
	ActSwish       = "swish"
	ActSquaredRelu = "squaredrelu"
)

// Config is the configuration of the transformer encoder.
type Config struct {
	// ModelSize is the width of the hidden representation. It must be
	// divisible by AttentionHeads.
	ModelSize int `json:"model_size"`
	// AttentionHeads is the number of self-attention heads per layer.
	AttentionHeads int `json:"attention_heads"`
	// FeedForwardNumHidden is the inner width of the feed-forward sublayer.
	FeedForwardNumHidden int `json:"feed_forward_num_hidden"`
	// ActType selects the feed-forward activation.
	ActType string `json:"act_type"`
	// NumLayers is the number of stacked encoder blocks.
	NumLayers int `json:"num_layers"`

	DropoutAttention float64 `json:"dropout_attention"`
	DropoutAct       float64 `json:"dropout_act"`
	DropoutPrepost   float64 `json:"dropout_prepost"`

	// PositionalEmbeddingType is one of "fixed", "learned" or "none".
	PositionalEmbeddingType string `json:"positional_embedding_type"`
	// PreprocessSequence and PostprocessSequence drive the process blocks
	// wrapping each sublayer. See NewProcessBlock.
	PreprocessSequence  string `json:"preprocess_sequence"`
	PostprocessSequence string `json:"postprocess_sequence"`

	// MaxSeqLenSource is the maximum supported source sequence length.
	MaxSeqLenSource int `json:"max_seq_len_source"`
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.ModelSize <= 0 {
		return fmt.Errorf("transformer: model size must be positive, actual %d", c.ModelSize)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("transformer: number of layers must be positive, actual %d", c.NumLayers)
	}
	if c.AttentionHeads <= 0 || c.ModelSize%c.AttentionHeads != 0 {
		return fmt.Errorf("transformer: model size %d must be divisible by the number of attention heads %d",
			c.ModelSize, c.AttentionHeads)
	}
	if c.FeedForwardNumHidden <= 0 {
		return fmt.Errorf("transformer: feed-forward hidden size must be positive, actual %d", c.FeedForwardNumHidden)
	}
	switch c.ActType {
	case ActRelu, ActGelu, ActSwish, ActSquaredRelu:
	default:
		return fmt.Errorf("transformer: unknown activation type %q", c.ActType)
	}
	switch c.PositionalEmbeddingType {
	case NoPositionalEmbedding:
	case FixedPositionalEmbedding, LearnedPositionalEmbedding:
		if c.MaxSeqLenSource <= 0 {
			return fmt.Errorf("transformer: %q positional embeddings require a positive max source length, actual %d",
				c.PositionalEmbeddingType, c.MaxSeqLenSource)
		}
	default:
		return fmt.Errorf("transformer: unknown positional embedding type %q", c.PositionalEmbeddingType)
	}
	if err := validateProcessSequence(c.PreprocessSequence); err != nil {
		return fmt.Errorf("transformer: invalid preprocess sequence: %w", err)
	}
	if err := validateProcessSequence(c.PostprocessSequence); err != nil {
		return fmt.Errorf("transformer: invalid postprocess sequence: %w", err)
	}
	return nil
}

// HeadSize returns the per-head width of queries, keys and values.
func (c Config) HeadSize() int {
	return c.ModelSize / c.AttentionHeads
}

func validateProcessSequence(sequence string) error {
	if i := strings.IndexFunc(sequence, func(r rune) bool {
		return r != 'n' && r != 'r' && r != 'd'
	}); i >= 0 {
		return fmt.Errorf("unknown processing step %q in sequence %q", sequence[i], sequence)
	}
	return nil
}
