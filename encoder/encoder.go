// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package encoder provides the encoder stack of a neural machine
// translation model: a factored token embedding and a transformer-based
// sequence encoder.
package encoder

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Encoder is the interface shared by the components of the encoder stack.
type Encoder interface {
	// NumHidden returns the representation size of the encoder.
	NumHidden() int
	// EncodedSeqLen returns the length of the encoded sequence for an
	// input of the given length.
	EncodedSeqLen(seqLen int) int
	// MaxSeqLen returns the maximum sequence length the encoder
	// supports, if such a restriction exists.
	MaxSeqLen() (int, bool)
}

// Option configures the construction of an encoder component.
type Option func(*options)

type options struct {
	logger        zerolog.Logger
	inferenceOnly bool
}

func newOptions(opts ...Option) options {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger injects the structured logger the component reports through.
// The process-wide logger is used by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithInferenceOnly marks the component as inference-only: dropout is
// disabled and the attention implementation may use the backend's fused
// kernel when one is available.
func WithInferenceOnly(inferenceOnly bool) Option {
	return func(o *options) { o.inferenceOnly = inferenceOnly }
}
