// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nlpodyssey/transflow"
	"github.com/nlpodyssey/transflow/downloader"
	"github.com/nlpodyssey/transflow/transenc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "transflow",
		Usage: "Perform various operations with a translation encoder model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"TRANSFLOW_LOGLEVEL"},
			},
			&cli.StringFlag{
				Name:     "model-dir",
				Usage:    "directory of the model to operate on",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "download",
				Usage: "Download model to directory",
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, os.Kill)
					defer stop()

					if err := download(ctx, c.String("model-dir")); err != nil {
						log.Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "convert",
				Usage: "Convert model in directory",
				Action: func(c *cli.Context) error {
					if err := convert(c.String("model-dir")); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "encode",
				Usage: "Encode token-ID sequences read from standard input, one sequence per line",
				Action: func(c *cli.Context) error {
					opts, err := encodeOptionsFromFile(c.String("econfig"))
					if err != nil {
						return fmt.Errorf("error reading encoding options: %w", err)
					}

					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, os.Kill)
					defer stop()

					if err := encode(ctx, c.String("model-dir"), opts); err != nil {
						log.Err(err).Send()
					}
					return nil
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "econfig",
						Usage:    "the path to the YAML configuration file for the encoding options",
						Required: false,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

func download(ctx context.Context, modelDir string) error {
	log.Debug().Msgf("Downloading model in dir: %s", modelDir)
	dir, name, err := splitPathAndModelName(modelDir)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	err = downloader.Download(ctx, dir, name, false, "")
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	log.Debug().Msg("Done.")
	return nil
}

func convert(modelDir string) error {
	log.Debug().Msgf("Converting model in dir: %s", modelDir)
	err := transenc.ConvertPickledModel[float32](transenc.ConverterConfig{
		ModelDir:         modelDir,
		OverwriteIfExist: false,
	})
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	log.Debug().Msg("Done.")
	return nil
}

// encodeOptions are the options of the "encode" command.
type encodeOptions struct {
	// PadID is the token ID used to pad shorter sequences of the batch.
	PadID int `yaml:"pad_id"`
	// BatchSize is the number of input lines encoded together.
	BatchSize int `yaml:"batch_size"`
	// OutputVectors prints the full encoded vectors instead of a summary.
	OutputVectors bool `yaml:"output_vectors"`
}

func defaultEncodeOptions() encodeOptions {
	return encodeOptions{
		PadID:     0,
		BatchSize: 8,
	}
}

func encodeOptionsFromFile(filename string) (encodeOptions, error) {
	opts := defaultEncodeOptions()
	if filename == "" {
		return opts, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return opts, err
	}
	if err = yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse encoding options: %w", err)
	}
	return opts, nil
}

func encode(ctx context.Context, modelDir string, opts encodeOptions) error {
	log.Debug().Msgf("Loading model from dir: %s", modelDir)
	tf, err := transflow.Load(modelDir)
	if err != nil {
		return err
	}
	numFactors := tf.Model.Config.Embedding.NumFactors()

	scanner := bufio.NewScanner(os.Stdin)
	batch := make([][][]int, 0, opts.BatchSize)
	for scanner.Scan() {
		row, err := parseTokenLine(scanner.Text(), numFactors)
		if err != nil {
			return err
		}
		batch = append(batch, row)
		if len(batch) == opts.BatchSize {
			if err = encodeBatch(ctx, tf, batch, opts); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	if len(batch) > 0 {
		return encodeBatch(ctx, tf, batch, opts)
	}
	return nil
}

func encodeBatch(ctx context.Context, tf *transflow.TransFlow, batch [][][]int, opts encodeOptions) error {
	result, err := tf.EncodeFactored(ctx, batch, opts.PadID)
	if err != nil {
		return err
	}
	for b, row := range result.Encoded {
		validLen := result.ValidLengths[b]
		if !opts.OutputVectors {
			fmt.Printf("%d\t%d\t%d\n", validLen, len(row), tf.NumHidden())
			continue
		}
		for t := 0; t < validLen; t++ {
			fmt.Println(formatVector(row[t].Value().Data().F64()))
		}
		fmt.Println()
	}
	return nil
}

func formatVector(values []float64) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}

// parseTokenLine parses one whitespace-separated sequence of token IDs.
// Factored tokens carry one ID per factor channel, separated by '|'.
func parseTokenLine(line string, numFactors int) ([][]int, error) {
	fields := strings.Fields(line)
	row := make([][]int, len(fields))
	for i, field := range fields {
		channels := strings.Split(field, "|")
		if len(channels) != numFactors {
			return nil, fmt.Errorf("token %q has %d factor channels, expected %d", field, len(channels), numFactors)
		}
		ids := make([]int, len(channels))
		for f, ch := range channels {
			id, err := strconv.Atoi(ch)
			if err != nil {
				return nil, fmt.Errorf("invalid token ID %q: %w", ch, err)
			}
			ids[f] = id
		}
		row[i] = ids
	}
	return row, nil
}

// splitPathAndModelName separate the models directory from the model name, which format is "organization/model"
func splitPathAndModelName(path string) (string, string, error) {
	dirs := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(dirs) < 3 {
		return "", "", fmt.Errorf("path must have at least three levels of directories")
	}
	lastDir := dirs[len(dirs)-1]
	secondLastDir := dirs[len(dirs)-2]

	pathExceptLastTwo := strings.Join(dirs[:len(dirs)-2], "/")
	return pathExceptLastTwo, filepath.Join(secondLastDir, lastDir), nil
}
