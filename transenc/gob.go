// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transenc

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/nlpodyssey/transflow/encoder"
	"github.com/nlpodyssey/transflow/transformer"
)

// DefaultOutputFilename is the name of the serialized model file inside a
// model directory.
const DefaultOutputFilename = "spago_model.bin"

// Dump saves the Model to a file.
// See gobEncode for further details.
func Dump(obj *Model, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = gobEncode(obj, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

// gobEncode writes the model as a sequence of independently-decodable
// chunks, one per encoder layer, keeping the encoder's working set small
// for large models.
func gobEncode(obj *Model, w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := gob.NewEncoder(bw)

	for _, chunk := range getChunksForGobEncoding(obj) {
		if err := enc.Encode(chunk); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func getChunksForGobEncoding(obj *Model) []interface{} {
	chunks := []interface{}{
		obj.Config,
		obj.Embeddings,
		obj.Encoder.PosEmbedding,
		obj.Encoder.Drop,
		obj.Encoder.FinalProcess,
	}
	for _, layer := range obj.Encoder.Transformer.Layers {
		chunks = append(chunks, layer)
	}
	return chunks
}

// loadFromFile uses Gob to deserialize objects files to memory.
// See gobDecoding for further details.
func loadFromFile(filename string) (*Model, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return gobDecoding(f)
}

func gobDecoding(r io.Reader) (*Model, error) {
	obj := &Model{}

	br := bufio.NewReader(r)
	dec := gob.NewDecoder(br)

	if err := dec.Decode(&obj.Config); err != nil {
		return nil, err
	}
	if err := dec.Decode(&obj.Embeddings); err != nil {
		return nil, err
	}

	obj.Encoder = &encoder.TransformerEncoder{
		Transformer: &transformer.Model{Config: obj.Config.Transformer},
		Config:      obj.Config.Transformer,
	}
	if err := dec.Decode(&obj.Encoder.PosEmbedding); err != nil {
		return nil, err
	}
	if err := dec.Decode(&obj.Encoder.Drop); err != nil {
		return nil, err
	}
	if err := dec.Decode(&obj.Encoder.FinalProcess); err != nil {
		return nil, err
	}

	obj.Encoder.Transformer.Layers = make([]*transformer.Layer, obj.Config.Transformer.NumLayers)
	for i := range obj.Encoder.Transformer.Layers {
		if err := dec.Decode(&obj.Encoder.Transformer.Layers[i]); err != nil {
			return nil, err
		}
	}

	return obj, nil
}

func (m *Model) applyOptions(opts []encoder.Option) {
	m.Embeddings.ApplyOptions(opts...)
	m.Encoder.ApplyOptions(opts...)
}
