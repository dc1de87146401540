// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transflow

import (
	"context"
	"fmt"
	"os"

	"github.com/nlpodyssey/transflow/encoder"
	"github.com/nlpodyssey/transflow/transenc"
	"github.com/rs/zerolog/log"
)

// TransFlow is the core struct of the library: a source-sequence encoder
// loaded from a converted model directory.
type TransFlow struct {
	Model *transenc.Model
}

// Load loads a TransFlow model from the given directory.
func Load(modelDir string, opts ...encoder.Option) (*TransFlow, error) {
	model, err := transenc.Load(modelDir, opts...)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error: unable to find the model file or directory '%s'. Please ensure that the model has been successfully downloaded and converted before trying again", modelDir)
		}
		return nil, err
	}
	return &TransFlow{Model: model}, nil
}

// Encode encodes a batch of factorless token-ID sequences. The rows may
// have different lengths; they are padded to a common length with padID
// before encoding.
func (t *TransFlow) Encode(ctx context.Context, batch [][]int, padID int) (encoder.Result, error) {
	if numFactors := t.Model.Config.Embedding.NumFactors(); numFactors != 1 {
		return encoder.Result{}, fmt.Errorf("the model expects %d input factors per token; use EncodeFactored", numFactors)
	}
	factored := make([][][]int, len(batch))
	for b, row := range batch {
		factored[b] = make([][]int, len(row))
		for i, id := range row {
			factored[b][i] = []int{id}
		}
	}
	return t.EncodeFactored(ctx, factored, padID)
}

// EncodeFactored encodes a batch of factored token-ID sequences, one ID
// per factor channel at each position. The rows may have different
// lengths; they are padded to a common length with padID on every channel
// before encoding.
func (t *TransFlow) EncodeFactored(ctx context.Context, batch [][][]int, padID int) (encoder.Result, error) {
	log.Debug().Int("rows", len(batch)).Msg("Encoding batch")
	padded, validLengths := PadBatch(batch, padID, t.Model.Config.Embedding.NumFactors())
	return t.Model.Encode(ctx, padded, validLengths)
}

// NumHidden returns the width of the encoded vectors.
func (t *TransFlow) NumHidden() int {
	return t.Model.NumHidden()
}

// PadBatch pads factored rows to the length of the longest one, filling
// every factor channel of the appended positions with padID. It returns
// the padded batch and the original length of each row.
func PadBatch(batch [][][]int, padID, numFactors int) ([][][]int, []int) {
	maxLen := 0
	validLengths := make([]int, len(batch))
	for b, row := range batch {
		validLengths[b] = len(row)
		if len(row) > maxLen {
			maxLen = len(row)
		}
	}

	padding := make([]int, numFactors)
	for i := range padding {
		padding[i] = padID
	}

	padded := make([][][]int, len(batch))
	for b, row := range batch {
		padded[b] = make([][]int, maxLen)
		copy(padded[b], row)
		for i := len(row); i < maxLen; i++ {
			padded[b][i] = padding
		}
	}
	return padded, validLengths
}
