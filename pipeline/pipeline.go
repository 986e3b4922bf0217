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

// Package pipeline runs the full contribution flow end to end: load and
// decode the selected images, build or resume the model, train it, and
// package the trained weights into a portable artifact.
//
// Overall progress is a single percentage: loading covers 0-30, training
// 35-90, packaging 90-100.
package pipeline

import (
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Quanta30/FedLearn/bundle"
	"github.com/Quanta30/FedLearn/dataset"
	"github.com/Quanta30/FedLearn/model"
	"github.com/Quanta30/FedLearn/progress"
	"github.com/Quanta30/FedLearn/trainer"
)

// Config aggregates the knobs of every stage.
type Config struct {
	Model model.Config
	Train trainer.Config

	// MaxSamples optionally overrides the dataset sampling budget.
	MaxSamples int
}

// Result is everything a caller needs after a successful run: the artifact,
// its content hash, and the training metrics to display or report.
type Result struct {
	Bundle   *bundle.Bundle
	Archive  []byte
	Checksum string

	// Resume reports whether and why a prior artifact was (not) used.
	Resume model.ParseOutcome

	FinalLoss     float64
	FinalAccuracy float64
	History       []trainer.EpochStats

	NumExamples        int
	NumClasses         int
	EffectiveEpochs    int
	EffectiveBatchSize int
	ElapsedMillis      int64
}

type options struct {
	reporter *progress.Reporter
	epochFn  progress.EpochFn
	reclaim  func()
}

// Option configures a pipeline run.
type Option func(*options)

// WithProgress attaches a reporter receiving percent and status updates
// across all stages.
func WithProgress(r *progress.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithEpochFn registers a per-epoch metrics callback, forwarded to the
// training stage.
func WithEpochFn(fn progress.EpochFn) Option {
	return func(o *options) { o.epochFn = fn }
}

// WithReclaim registers a memory reclaim hook, invoked between decode
// chunks while loading and periodically between training steps.
func WithReclaim(fn func()) Option {
	return func(o *options) { o.reclaim = fn }
}

// Run executes the whole contribution flow. The prior artifact bytes may be
// nil to always train from scratch; an unusable prior artifact is not an
// error, the run falls back to fresh weights and records why in
// Result.Resume. All intermediate tensors are released before returning,
// on success and on failure.
func Run(backend backends.Backend, files []dataset.File, cfg Config, prior []byte, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	reporter := o.reporter
	start := time.Now()

	reporter.Percent(0)
	reporter.Statusf("Loading dataset...")
	dsOpts := []dataset.Option{
		dataset.WithProgress(reporter),
		dataset.WithReclaim(o.reclaim),
	}
	if cfg.MaxSamples > 0 {
		dsOpts = append(dsOpts, dataset.WithMaxSamples(cfg.MaxSamples))
	}
	ds, err := dataset.Load(files, dsOpts...)
	if err != nil {
		return nil, err
	}
	defer ds.FinalizeAll()

	modelCfg := cfg.Model
	modelCfg.NumClasses = ds.NumClasses
	m, outcome, err := model.Resume(prior, modelCfg)
	if err != nil {
		return nil, err
	}
	defer m.FinalizeAll()
	switch {
	case outcome.Loaded:
		reporter.Statusf("Resuming from the current project model.")
	case outcome.Reason != "":
		reporter.Statusf("Project model not reusable (%s), training from scratch.", outcome.Reason)
	default:
		reporter.Statusf("Training a new model from scratch.")
	}

	reporter.Percent(35)
	stats, err := trainer.Run(backend, m, ds, cfg.Train,
		trainer.WithProgress(reporter),
		trainer.WithEpochFn(o.epochFn),
		trainer.WithReclaim(o.reclaim))
	if err != nil {
		return nil, err
	}

	reporter.Percent(90)
	reporter.Statusf("Packaging trained model...")
	b, err := bundle.Build(m.Topology(), m.Ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "packaging trained model")
	}
	archive, err := b.Bytes()
	if err != nil {
		return nil, errors.WithMessage(err, "packaging trained model")
	}
	checksum, err := b.Checksum()
	if err != nil {
		return nil, errors.WithMessage(err, "packaging trained model")
	}

	elapsed := time.Since(start)
	reporter.Percent(100)
	reporter.Statusf("Done: accuracy %.4f after %d epochs in %s.",
		stats.FinalAccuracy, len(stats.History), elapsed.Round(time.Millisecond))
	klog.V(1).Infof("Contribution trained: %d examples, %d classes, accuracy %.4f, checksum %s",
		ds.NumExamples, ds.NumClasses, stats.FinalAccuracy, checksum)

	return &Result{
		Bundle:             b,
		Archive:            archive,
		Checksum:           checksum,
		Resume:             outcome,
		FinalLoss:          stats.FinalLoss,
		FinalAccuracy:      stats.FinalAccuracy,
		History:            stats.History,
		NumExamples:        ds.NumExamples,
		NumClasses:         ds.NumClasses,
		EffectiveEpochs:    len(stats.History),
		EffectiveBatchSize: stats.EffectiveBatchSize,
		ElapsedMillis:      elapsed.Milliseconds(),
	}, nil
}
