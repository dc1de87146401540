// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transenc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
	"github.com/nlpodyssey/transflow/encoder"
	"github.com/nlpodyssey/transflow/transformer"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPyModelFilename = "pytorch_model.pt"
	DefaultConfigFilename  = "config.json"
)

type ConverterConfig struct {
	// The path to the directory where the models will be read from and written to.
	ModelDir string
	// The path to the input model file (default "pytorch_model.pt")
	PyModelFilename string
	// The path to the output model file (default "spago_model.bin")
	GoModelFilename string
	// If true, overwrite the model file if it already exists (default "false")
	OverwriteIfExist bool
}

// ConvertPickledModel converts a pickled PyTorch encoder checkpoint to a
// native model. It expects a configuration file "config.json" in the same
// directory as the model file containing the model configuration.
func ConvertPickledModel[T float.DType](config ConverterConfig) error {
	if config.PyModelFilename == "" {
		config.PyModelFilename = DefaultPyModelFilename
	}
	if config.GoModelFilename == "" {
		config.GoModelFilename = DefaultOutputFilename
	}

	outputFilename := filepath.Join(config.ModelDir, config.GoModelFilename)

	if !config.OverwriteIfExist && fileExists(outputFilename) {
		log.Debug().Str("model", outputFilename).Msg("Model file already exists, skipping conversion")
		return nil
	}

	configFilename := filepath.Join(config.ModelDir, DefaultConfigFilename)
	modelConfig, err := LoadConfig(configFilename)
	if err != nil {
		return fmt.Errorf("failed to load config file %q: %w", configFilename, err)
	}

	inFilename := filepath.Join(config.ModelDir, config.PyModelFilename)
	conv := newConverter[T](modelConfig, inFilename, outputFilename)
	if err = conv.run(); err != nil {
		return fmt.Errorf("model conversion failed: %w", err)
	}
	return nil
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}

type converter[T float.DType] struct {
	config      Config
	model       *Model
	inFilename  string
	outFilename string
	params      paramsMap
}

func newConverter[T float.DType](conf Config, inFilename, outFilename string) *converter[T] {
	return &converter[T]{
		config:      conf,
		inFilename:  inFilename,
		outFilename: outFilename,
	}
}

func (c *converter[T]) run() error {
	funcs := []func() error{
		c.loadTorchModelParams,
		c.deduceConfigSizes,
		c.buildModel,
		c.convEmbeddings,
		c.convPosEmbeddings,
		c.convLayers,
		c.convFinalProcess,
		c.dumpModel,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter[T]) loadTorchModelParams() error {
	torchModel, err := pytorch.Load(c.inFilename)
	if err != nil {
		return fmt.Errorf("failed to load torch model %q: %w", c.inFilename, err)
	}
	c.params, err = makeParamsMap(torchModel)
	if err != nil {
		return fmt.Errorf("failed to read model params: %w", err)
	}
	return nil
}

// deduceConfigSizes fills vocabulary and embedding sizes left zero in the
// configuration from the shapes of the checkpoint tensors.
func (c *converter[T]) deduceConfigSizes() error {
	embWeight, ok := c.params["embedding_source.embedding.weight"]
	if !ok {
		return fmt.Errorf("parameter %q not found", "embedding_source.embedding.weight")
	}
	if len(embWeight.Size) != 2 {
		return fmt.Errorf("expected embedding weight to have 2 dimensions, actual %d", len(embWeight.Size))
	}

	if vs := c.config.Embedding.VocabSize; vs == 0 {
		c.config.Embedding.VocabSize = embWeight.Size[0]
	} else if vs != embWeight.Size[0] {
		return fmt.Errorf("expected embedding rows to match vocabulary size %d, actual %d", vs, embWeight.Size[0])
	}

	if ne := c.config.Embedding.NumEmbed; ne == 0 {
		c.config.Embedding.NumEmbed = embWeight.Size[1]
	} else if ne != embWeight.Size[1] {
		return fmt.Errorf("expected embedding columns to match configured size %d, actual %d", ne, embWeight.Size[1])
	}
	return nil
}

func (c *converter[T]) buildModel() (err error) {
	c.model, err = New[T](c.config, encoder.WithInferenceOnly(true))
	return err
}

func (c *converter[T]) convEmbeddings() error {
	if err := c.convEmbeddingTable("embedding_source.embedding.weight", c.model.Embeddings.Tokens,
		c.config.Embedding.VocabSize, c.config.Embedding.NumEmbed); err != nil {
		return fmt.Errorf("failed to convert embeddings: %w", err)
	}
	for i, fc := range c.config.Embedding.FactorConfigs {
		if fc.ShareEmbedding {
			continue
		}
		name := fmt.Sprintf("embedding_source.factor_embeds.%d.weight", i)
		if err := c.convEmbeddingTable(name, c.model.Embeddings.Factors[i], fc.VocabSize, fc.NumEmbed); err != nil {
			return fmt.Errorf("failed to convert factor %d embeddings: %w", i, err)
		}
	}
	return nil
}

func (c *converter[T]) convEmbeddingTable(name string, table *embedding.Model, vocabSize, numEmbed int) error {
	t, err := c.params.fetch(name)
	if err != nil {
		return err
	}
	vecs, err := c.tensorToVectors(t)
	if err != nil {
		return err
	}
	if len(vecs) != vocabSize {
		return fmt.Errorf("expected %d embedding vectors, actual %d", vocabSize, len(vecs))
	}
	if vecs[0].Size() != numEmbed {
		return fmt.Errorf("expected embedding vectors of size %d, actual %d", numEmbed, vecs[0].Size())
	}
	for i, vec := range vecs {
		table.Weights[i].ReplaceValue(vec)
	}
	return nil
}

func (c *converter[T]) convPosEmbeddings() error {
	if c.config.Transformer.PositionalEmbeddingType != transformer.LearnedPositionalEmbedding {
		return nil
	}
	if err := c.convEmbeddingTable("encoder.pos_embedding.weight", c.model.Encoder.PosEmbedding.Learned,
		c.config.Transformer.MaxSeqLenSource, c.config.Transformer.ModelSize); err != nil {
		return fmt.Errorf("failed to convert positional embeddings: %w", err)
	}
	return nil
}

func (c *converter[T]) convLayers() error {
	allLayersParams := c.params.fetchPrefixed("encoder.layers.")
	for i, layer := range c.model.Encoder.Transformer.Layers {
		layerParams := allLayersParams.fetchPrefixed(fmt.Sprintf("%d.", i))
		if err := c.convLayer(layer, layerParams); err != nil {
			return fmt.Errorf("failed to convert layer %d: %w", i, err)
		}
	}
	return nil
}

func (c *converter[T]) convLayer(layer *transformer.Layer, params paramsMap) error {
	blocks := map[string]*transformer.ProcessBlock{
		"pre_self_attention":  layer.PreAttention,
		"post_self_attention": layer.PostAttention,
		"pre_ff":              layer.PreFF,
		"post_ff":             layer.PostFF,
	}
	for name, block := range blocks {
		if err := c.convProcessBlock(block, name, params); err != nil {
			return err
		}
	}
	if err := c.convSelfAttention(layer.Attention, params.fetchPrefixed("self_attention.")); err != nil {
		return fmt.Errorf("failed to convert self-attention: %w", err)
	}
	if err := c.convFeedForward(layer.FF, params.fetchPrefixed("ff.")); err != nil {
		return fmt.Errorf("failed to convert feed-forward: %w", err)
	}
	return nil
}

func (c *converter[T]) convProcessBlock(block *transformer.ProcessBlock, name string, params paramsMap) error {
	if block.Norm == nil {
		return nil
	}
	if err := c.convLayerNorm(block.Norm, name+".layer_norm", params); err != nil {
		return fmt.Errorf("failed to convert %s layer-norm: %w", name, err)
	}
	return nil
}

func (c *converter[T]) convLayerNorm(norm *layernorm.Model, name string, params paramsMap) error {
	dm := c.config.Transformer.ModelSize

	w, err := c.fetchParamToVector(params, name+".weight", dm)
	if err != nil {
		return err
	}
	b, err := c.fetchParamToVector(params, name+".bias", dm)
	if err != nil {
		return err
	}
	norm.W.ReplaceValue(w)
	norm.B.ReplaceValue(b)
	return nil
}

// convSelfAttention splits the interleaved query/key/value input
// projection of the checkpoint into the per-head parameters of the native
// attention module.
func (c *converter[T]) convSelfAttention(att *transformer.MultiHeadSelfAttention, params paramsMap) error {
	dm := c.config.Transformer.ModelSize
	headSize := c.config.Transformer.HeadSize()

	ffIn, err := params.fetch("ff_in.weight")
	if err != nil {
		return err
	}
	data, err := c.tensorData(ffIn)
	if err != nil {
		return err
	}
	if len(ffIn.Size) != 2 || ffIn.Size[0] != 3*dm || ffIn.Size[1] != dm {
		return fmt.Errorf("expected ff_in.weight of size %dx%d, actual %v", 3*dm, dm, ffIn.Size)
	}

	for h, head := range att.Heads {
		for p, param := range []*nn.Param{head.Query, head.Key, head.Value} {
			from := (p*dm + h*headSize) * dm
			to := from + headSize*dm
			param.ReplaceValue(mat.NewDense[T](
				mat.WithShape(headSize, dm),
				mat.WithBacking(c.castMatrixData(data[from:to])),
			))
		}
	}

	out, err := c.fetchParamToMatrix(params, "ff_out.weight", [2]int{dm, dm})
	if err != nil {
		return err
	}
	att.Output.ReplaceValue(out)
	return nil
}

func (c *converter[T]) convFeedForward(ff *transformer.FeedForward, params paramsMap) error {
	dm := c.config.Transformer.ModelSize
	dff := c.config.Transformer.FeedForwardNumHidden

	w1, err := c.fetchParamToMatrix(params, "ff1.weight", [2]int{dff, dm})
	if err != nil {
		return err
	}
	b1, err := c.fetchParamToVector(params, "ff1.bias", dff)
	if err != nil {
		return err
	}
	w2, err := c.fetchParamToMatrix(params, "ff2.weight", [2]int{dm, dff})
	if err != nil {
		return err
	}
	b2, err := c.fetchParamToVector(params, "ff2.bias", dm)
	if err != nil {
		return err
	}
	ff.W1.ReplaceValue(w1)
	ff.B1.ReplaceValue(b1)
	ff.W2.ReplaceValue(w2)
	ff.B2.ReplaceValue(b2)
	return nil
}

func (c *converter[T]) convFinalProcess() error {
	block := c.model.Encoder.FinalProcess
	if block.Norm == nil {
		return nil
	}
	if err := c.convLayerNorm(block.Norm, "encoder.final_process.layer_norm", c.params); err != nil {
		return fmt.Errorf("failed to convert final process block: %w", err)
	}
	return nil
}

func (c *converter[T]) dumpModel() error {
	return Dump(c.model, c.outFilename)
}

func (c *converter[T]) tensorToVectors(t *pytorch.Tensor) ([]mat.Matrix, error) {
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, actual %d", len(t.Size))
	}

	data, err := c.tensorData(t)
	if err != nil {
		return nil, err
	}

	rows := t.Size[0]
	cols := t.Size[1]

	vecs := make([]mat.Matrix, rows)
	for i := range vecs {
		d := data[i*cols : (i*cols)+cols]
		vecs[i] = mat.NewDense[T](mat.WithShape(cols), mat.WithBacking(c.castMatrixData(d)))
	}

	return vecs, nil
}

func (c *converter[T]) tensorToMatrix(t *pytorch.Tensor) (mat.Matrix, error) {
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, actual %d", len(t.Size))
	}

	data, err := c.tensorData(t)
	if err != nil {
		return nil, err
	}

	return mat.NewDense[T](mat.WithShape(t.Size[0], t.Size[1]), mat.WithBacking(c.castMatrixData(data))), nil
}

func (c *converter[T]) tensorToVector(t *pytorch.Tensor) (mat.Matrix, error) {
	if len(t.Size) != 1 {
		return nil, fmt.Errorf("expected 1 dimension, actual %d", len(t.Size))
	}

	data, err := c.tensorData(t)
	if err != nil {
		return nil, err
	}

	return mat.NewDense[T](mat.WithShape(t.Size[0]), mat.WithBacking(c.castMatrixData(data))), nil
}

func (c *converter[T]) castMatrixData(d []float32) []T {
	return float.SliceValueOf[T](float.Make(d...))
}

func (c *converter[T]) tensorData(t *pytorch.Tensor) ([]float32, error) {
	size := tensorDataSize(t)
	switch st := t.Source.(type) {
	case *pytorch.FloatStorage:
		return st.Data[t.StorageOffset : t.StorageOffset+size], nil
	case *pytorch.BFloat16Storage:
		return st.Data[t.StorageOffset : t.StorageOffset+size], nil
	default:
		return nil, fmt.Errorf("only float32 and bfloat16 storage is supported, actual %T", t.Source)
	}
}

func (c *converter[T]) fetchParamToVector(params paramsMap, name string, expectedSize int) (mat.Matrix, error) {
	t, err := params.fetch(name)
	if err != nil {
		return nil, err
	}
	v, err := c.tensorToVector(t)
	if err != nil {
		return nil, err
	}
	if v.Size() != expectedSize {
		return nil, fmt.Errorf("expected vector size %d, actual %d", expectedSize, v.Size())
	}
	return v, nil
}

func (c *converter[T]) fetchParamToMatrix(params paramsMap, name string, expectedSize [2]int) (mat.Matrix, error) {
	t, err := params.fetch(name)
	if err != nil {
		return nil, err
	}
	m, err := c.tensorToMatrix(t)
	if err != nil {
		return nil, err
	}
	if sh := m.Shape(); sh[0] != expectedSize[0] || sh[1] != expectedSize[1] {
		return nil, fmt.Errorf("expected matrix size %dx%d, actual %dx%d",
			expectedSize[0], expectedSize[1], sh[0], sh[1])
	}
	return m, nil
}

func tensorDataSize(t *pytorch.Tensor) int {
	size := t.Size[0]
	for _, v := range t.Size[1:] {
		size *= v
	}
	return size
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

type paramsMap map[string]*pytorch.Tensor

func makeParamsMap(torchModel any) (paramsMap, error) {
	od, err := cast[*types.OrderedDict](torchModel)
	if err != nil {
		return nil, err
	}

	params := make(paramsMap, od.Len())

	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		tensor, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		params[name] = tensor
	}

	return params, nil
}

// fetch gets a value from params by its name, removing the entry
// from the map.
func (p paramsMap) fetch(name string) (*pytorch.Tensor, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q not found", name)
	}
	delete(p, name)
	return t, nil
}

func (p paramsMap) fetchPrefixed(prefix string) paramsMap {
	out := make(paramsMap, len(p))
	for k, v := range p {
		if after, ok := strings.CutPrefix(k, prefix); ok {
			out[after] = v
			delete(p, k)
		}
	}
	return out
}
