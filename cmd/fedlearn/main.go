/*
 *	Copyright 2025 The FedLearn Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// fedlearn trains a contribution for a FedLearn project from a local image
// directory and optionally uploads it.
//
// The data directory is expected to hold one subdirectory per class, each
// with the images of that class:
//
//	data/
//	  cats/ img001.png img002.jpg ...
//	  dogs/ img101.png ...
//
// Typical usage:
//
//	fedlearn -data ./data -epochs 5 -output contribution.zip
//	fedlearn -data ./data -project 1234 -server https://fedlearn.example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/Quanta30/FedLearn/contrib"
	"github.com/Quanta30/FedLearn/dataset"
	"github.com/Quanta30/FedLearn/model"
	"github.com/Quanta30/FedLearn/pipeline"
	"github.com/Quanta30/FedLearn/progress"
	"github.com/Quanta30/FedLearn/trainer"
)

var (
	flagData         = flag.String("data", "", "Directory with one subdirectory of images per class. Required.")
	flagEpochs       = flag.Int("epochs", 5, "Number of training epochs.")
	flagBatchSize    = flag.Int("batch", trainer.MaxBatchSize, fmt.Sprintf("Batch size, capped at %d.", trainer.MaxBatchSize))
	flagLearningRate = flag.Float64("learning_rate", 0.001, "Adam learning rate.")
	flagActivation   = flag.String("activation", "relu", "Activation for convolution and hidden layers.")
	flagDropout      = flag.Float64("dropout", 0.2, "Dropout rate after each hidden dense layer, 0 disables.")
	flagLayers       = flag.Int("layers", 2, "Number of hidden dense layers.")
	flagUnits        = flag.Int("units", 128, "Units per hidden dense layer.")
	flagMaxSamples   = flag.Int("max_samples", 0, "Optional cap on the number of images used, 0 for the default.")

	flagServer  = flag.String("server", "", "FedLearn server base URL. When set with -project, the current project model is fetched before training and the result is uploaded after.")
	flagProject = flag.String("project", "", "Project ID on the server.")
	flagResume  = flag.String("resume", "", "Path of a local model artifact to resume from, instead of fetching one.")
	flagOutput  = flag.String("output", "", "Path to write the trained artifact to.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" {
		fmt.Fprintln(os.Stderr, "Flag -data is required.")
		flag.Usage()
		os.Exit(1)
	}
	useServer := *flagServer != "" && *flagProject != ""
	if !useServer && *flagOutput == "" {
		fmt.Fprintln(os.Stderr, "Nothing to do with the trained model: set -output, or -server and -project.")
		os.Exit(1)
	}

	files := must.M1(collectFiles(*flagData))
	fmt.Printf("Found %d files under %s.\n", len(files), *flagData)

	var client *contrib.Client
	var prior []byte
	if useServer {
		client = contrib.New(*flagServer, nil)
	}
	switch {
	case *flagResume != "":
		prior = must.M1(os.ReadFile(*flagResume))
	case useServer:
		prior = must.M1(client.FetchModel(context.Background(), *flagProject))
	}

	cfg := pipeline.Config{
		Model: model.Config{
			Activation:    *flagActivation,
			NumLayers:     *flagLayers,
			UnitsPerLayer: *flagUnits,
			DropoutRate:   *flagDropout,
			LearningRate:  *flagLearningRate,
		},
		Train: trainer.Config{
			Epochs:    *flagEpochs,
			BatchSize: *flagBatchSize,
		},
		MaxSamples: *flagMaxSamples,
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Training contribution"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
	)
	reporter := &progress.Reporter{
		OnPercent: func(p float64) { _ = bar.Set(int(p)) },
		OnStatus: func(status string) {
			_ = bar.Clear()
			fmt.Println(status)
		},
	}

	backend := backends.MustNew()
	result := must.M1(pipeline.Run(backend, files, cfg, prior,
		pipeline.WithProgress(reporter)))
	_ = bar.Finish()
	fmt.Printf("\nTrained on %s examples across %d classes: accuracy %.4f, loss %.4f.\n",
		humanize.Comma(int64(result.NumExamples)), result.NumClasses,
		result.FinalAccuracy, result.FinalLoss)
	fmt.Printf("Artifact: %s (%s)\n", result.Checksum, humanize.Bytes(uint64(len(result.Archive))))

	if *flagOutput != "" {
		must.M(os.WriteFile(*flagOutput, result.Archive, 0644))
		fmt.Printf("Wrote artifact to %s.\n", *flagOutput)
	}
	if useServer {
		id := must.M1(client.Contribute(context.Background(), result.Archive, contrib.Metadata{
			ProjectID:     *flagProject,
			Checksum:      result.Checksum,
			NumExamples:   result.NumExamples,
			Epochs:        result.EffectiveEpochs,
			FinalAccuracy: result.FinalAccuracy,
			FinalLoss:     result.FinalLoss,
			ElapsedMillis: result.ElapsedMillis,
		}))
		fmt.Printf("Contribution %s uploaded to project %s.\n", id, *flagProject)
	}
}

// collectFiles walks the data directory and reads every regular file with a
// recognizable image extension. The class label is derived later from each
// file's parent directory, so the directory layout is preserved in the
// paths.
func collectFiles(root string) ([]dataset.File, error) {
	var files []dataset.File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		contentType := mime.TypeByExtension(filepath.Ext(path))
		if !strings.HasPrefix(contentType, "image/") {
			klog.V(2).Infof("Skipping non-image file %s", path)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, dataset.File{
			Path:        filepath.ToSlash(path),
			ContentType: contentType,
			Data:        data,
		})
		return nil
	})
	return files, err
}
