// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transenc assembles the embedding and the transformer encoder
// into one model, with configuration loading, serialization and
// conversion from pickled PyTorch checkpoints.
package transenc

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/transflow/encoder"
	"github.com/nlpodyssey/transflow/transformer"
)

// Model is the encoder stack of a neural machine translation model.
type Model struct {
	nn.Module
	Embeddings *encoder.Embedding
	Encoder    *encoder.TransformerEncoder
	Config     Config
}

// Config is the configuration of the model.
type Config struct {
	Embedding   encoder.EmbeddingConfig `json:"embedding"`
	Transformer transformer.Config      `json:"transformer"`
}

// Validate reports the first configuration error found, if any. Besides
// the per-component checks it verifies that the embedded vectors,
// including concatenated factors, match the transformer model size.
func (c Config) Validate() error {
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Transformer.Validate(); err != nil {
		return err
	}
	if out := c.Embedding.OutputDim(); out != c.Transformer.ModelSize {
		return fmt.Errorf("embedded vectors are %d wide (including concatenated factors) but the transformer model size is %d",
			out, c.Transformer.ModelSize)
	}
	return nil
}

// LoadConfig reads the model configuration from a JSON file.
func LoadConfig(filePath string) (Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	jsonDecoder := json.NewDecoder(file)
	if err := jsonDecoder.Decode(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func init() {
	gob.Register(&Model{})
}

// New returns a new model with zeroed parameters.
func New[T float.DType](c Config, opts ...encoder.Option) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	embeddings, err := encoder.NewEmbedding[T](c.Embedding, opts...)
	if err != nil {
		return nil, err
	}
	enc, err := encoder.NewTransformerEncoder[T](c.Transformer, opts...)
	if err != nil {
		return nil, err
	}
	return &Model{
		Embeddings: embeddings,
		Encoder:    enc,
		Config:     c,
	}, nil
}

// Load loads a pre-trained model from the given directory.
func Load(dir string, opts ...encoder.Option) (*Model, error) {
	m, err := loadFromFile(filepath.Join(dir, DefaultOutputFilename))
	if err != nil {
		return nil, err
	}
	m.applyOptions(opts)
	return m, nil
}

// Encode embeds a padded batch of shape (batch, sequence length,
// NumFactors) and runs the transformer encoder over it.
func (m *Model) Encode(ctx context.Context, data [][][]int, validLengths []int) (encoder.Result, error) {
	if err := ctx.Err(); err != nil {
		return encoder.Result{}, err
	}
	embedded, err := m.Embeddings.Forward(data)
	if err != nil {
		return encoder.Result{}, err
	}
	return m.Encoder.Forward(embedded, validLengths)
}

// NumHidden returns the representation size of the encoded sequence.
func (m *Model) NumHidden() int {
	return m.Encoder.NumHidden()
}
