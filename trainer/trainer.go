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

// Package trainer drives the training loop of a classification model over an
// in-memory dataset, with a held-out validation split evaluated at the end
// of each epoch.
package trainer

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Quanta30/FedLearn/dataset"
	"github.com/Quanta30/FedLearn/model"
	"github.com/Quanta30/FedLearn/progress"
)

const (
	// MaxBatchSize caps the requested batch size. Contributions run on
	// commodity machines, and larger batches only grow peak memory without
	// helping the few-epoch training regimes used here.
	MaxBatchSize = 16

	// ValidationSplit is the fraction of examples held out for per-epoch
	// evaluation. The split is the tail of the (already shuffled) dataset.
	ValidationSplit = 0.15

	// Training advances overall progress through this range; dataset
	// loading owns everything before it, bundling everything after.
	trainPercentStart = 35.0
	trainPercentEnd   = 90.0

	// How many train steps between memory reclaim hook invocations.
	reclaimEverySteps = 10
)

// Config are the run-level knobs. Zero values get defaults.
type Config struct {
	// Epochs is the number of full passes over the training split.
	Epochs int

	// BatchSize is the requested batch size; it is clamped to MaxBatchSize.
	BatchSize int
}

// EpochStats records the metrics observed for one completed epoch.
type EpochStats struct {
	// Epoch counts from 1.
	Epoch int

	// Loss and Accuracy are the training metrics at the end of the epoch.
	Loss     float64
	Accuracy float64

	// ValidationLoss and ValidationAccuracy come from evaluating the
	// held-out split. When no examples could be held out they repeat the
	// training metrics.
	ValidationLoss     float64
	ValidationAccuracy float64
}

// Stats summarizes a finished training run.
type Stats struct {
	History []EpochStats

	// FinalLoss and FinalAccuracy are the validation metrics of the last
	// epoch.
	FinalLoss     float64
	FinalAccuracy float64

	NumTrainExamples      int
	NumValidationExamples int
	EffectiveBatchSize    int
}

// Error is returned for any failure inside the training loop proper, after
// the model and datasets were set up. Unwrap exposes the cause.
type Error struct {
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("training failed: %v", e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

type options struct {
	reporter *progress.Reporter
	epochFn  progress.EpochFn
	reclaim  func()
}

// Option configures a training run.
type Option func(*options)

// WithProgress attaches a reporter that receives overall percent and status
// updates at epoch boundaries.
func WithProgress(r *progress.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithEpochFn registers a callback invoked after every completed epoch with
// the epoch number (from 1) and its validation loss and accuracy. The
// callback is dispatched on a dedicated goroutine and may lag behind the
// loop; all events are flushed before Run returns.
func WithEpochFn(fn progress.EpochFn) Option {
	return func(o *options) { o.epochFn = fn }
}

// WithReclaim registers a hook invoked every few training steps, giving the
// host a chance to release memory between graph executions.
func WithReclaim(fn func()) Option {
	return func(o *options) { o.reclaim = fn }
}

// Run trains m on ds and returns per-epoch and final metrics. The model
// context is left holding the trained weights; optimizer state is removed
// once training ends, successfully or not, so only model weights remain for
// bundling. Failures inside the loop come back as *Error.
func Run(backend backends.Backend, m *model.Model, ds *dataset.Dataset, cfg Config, opts ...Option) (*Stats, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	reporter := o.reporter

	if ds.NumExamples == 0 {
		return nil, errors.New("dataset has no examples to train on")
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 1
	}
	trainXs, trainYs, valXs, valYs := split(ds)
	numTrain := trainXs.Shape().Dimensions[0]
	numVal := 0
	if valXs != nil {
		numVal = valXs.Shape().Dimensions[0]
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	// Incomplete batches are dropped, so a batch larger than the training
	// split would leave the loop with zero steps per epoch.
	if batchSize > numTrain {
		batchSize = numTrain
	}
	klog.V(1).Infof("Training on %d examples, validating on %d, batch size %d, %d epochs",
		numTrain, numVal, batchSize, cfg.Epochs)

	trainDS, err := data.InMemoryFromData(backend, "train", []any{trainXs}, []any{trainYs})
	if err != nil {
		return nil, errors.Wrap(err, "failed to stage training examples")
	}
	trainDS.BatchSize(batchSize, true).Shuffle()
	var valDS *data.InMemoryDataset
	if numVal > 0 {
		valDS, err = data.InMemoryFromData(backend, "validation", []any{valXs}, []any{valYs})
		if err != nil {
			return nil, errors.Wrap(err, "failed to stage validation examples")
		}
		valDS.BatchSize(min(batchSize, numVal), false)
	}

	lossFn := losses.CategoricalCrossEntropyLogits
	optimizer := optimizers.Adam().LearningRate(m.Config.LearningRate).Done()
	trainer := train.NewTrainer(backend, m.Ctx, m.Fn, lossFn, optimizer,
		[]metrics.Interface{newAccuracyMetric()},
		[]metrics.Interface{newAccuracyMetric()})
	defer optimizer.Clear(m.Ctx)

	stats := &Stats{
		NumTrainExamples:      numTrain,
		NumValidationExamples: numVal,
		EffectiveBatchSize:    batchSize,
	}

	// Epoch callbacks run on the observer's goroutine, so a slow receiver
	// never stalls the loop. Closing drains whatever is still buffered.
	var epochObserver *progress.Observer
	if o.epochFn != nil {
		epochObserver = progress.NewObserver(o.epochFn)
		defer epochObserver.Close()
	}

	loop := train.NewLoop(trainer)
	var lastStepMetrics []*tensors.Tensor
	endOfEpoch := func(loop *train.Loop, epoch int) error {
		loss, acc := metricValues(trainer.TrainMetrics(), lastStepMetrics)
		es := EpochStats{
			Epoch:              epoch,
			Loss:               loss,
			Accuracy:           acc,
			ValidationLoss:     loss,
			ValidationAccuracy: acc,
		}
		if valDS != nil {
			var evalMetrics []*tensors.Tensor
			err := exceptions.TryCatch[error](func() { evalMetrics = trainer.Eval(valDS) })
			if err != nil {
				return errors.WithMessagef(err, "evaluation after epoch %d", epoch)
			}
			es.ValidationLoss, es.ValidationAccuracy = metricValues(trainer.EvalMetrics(), evalMetrics)
		}
		stats.History = append(stats.History, es)
		fraction := float64(epoch) / float64(cfg.Epochs)
		reporter.Percent(trainPercentStart + (trainPercentEnd-trainPercentStart)*fraction)
		reporter.Statusf("Epoch %d/%d: loss=%.4f accuracy=%.4f val_loss=%.4f val_accuracy=%.4f",
			epoch, cfg.Epochs, es.Loss, es.Accuracy, es.ValidationLoss, es.ValidationAccuracy)
		epochObserver.Notify(epoch, es.ValidationLoss, es.ValidationAccuracy)
		return nil
	}

	lastEpochSeen := 0
	loop.OnStep("epoch-tracker", 100, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		if loop.Epoch > lastEpochSeen {
			// First step of a new epoch: the previous one just finished.
			if err := endOfEpoch(loop, loop.Epoch); err != nil {
				return err
			}
			lastEpochSeen = loop.Epoch
		}
		lastStepMetrics = stepMetrics
		if o.reclaim != nil && (loop.LoopStep+1)%reclaimEverySteps == 0 {
			o.reclaim()
		}
		return nil
	})
	loop.OnEnd("final-epoch", 100, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		if len(stepMetrics) > 0 {
			lastStepMetrics = stepMetrics
		}
		return endOfEpoch(loop, cfg.Epochs)
	})

	err = exceptions.TryCatch[error](func() {
		_, runErr := loop.RunEpochs(trainDS, cfg.Epochs)
		if runErr != nil {
			panic(runErr)
		}
	})
	trainXs.FinalizeAll()
	trainYs.FinalizeAll()
	if valXs != nil {
		valXs.FinalizeAll()
		valYs.FinalizeAll()
	}
	if err != nil {
		return nil, &Error{cause: err}
	}

	last := stats.History[len(stats.History)-1]
	stats.FinalLoss = last.ValidationLoss
	stats.FinalAccuracy = last.ValidationAccuracy
	return stats, nil
}

// split carves the validation tail off the dataset tensors. The loader has
// already shuffled the examples, so a positional split is unbiased. When
// the dataset is too small to give up any examples, the validation tensors
// are nil.
func split(ds *dataset.Dataset) (trainXs, trainYs, valXs, valYs *tensors.Tensor) {
	n := ds.NumExamples
	numVal := int(float64(n) * ValidationSplit)
	if n-numVal < 1 {
		numVal = 0
	}
	numTrain := n - numVal
	trainXs = sliceRows(ds.Xs, 0, numTrain)
	trainYs = sliceRows(ds.Ys, 0, numTrain)
	if numVal > 0 {
		valXs = sliceRows(ds.Xs, numTrain, n)
		valYs = sliceRows(ds.Ys, numTrain, n)
	}
	return
}

// sliceRows copies rows [from, to) of a leading-axis batched tensor into a
// fresh tensor.
func sliceRows(t *tensors.Tensor, from, to int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	rowSize := t.Shape().Size() / dims[0]
	out := make([]float32, (to-from)*rowSize)
	tensors.ConstFlatData[float32](t, func(flat []float32) {
		copy(out, flat[from*rowSize:to*rowSize])
	})
	newDims := append([]int{to - from}, dims[1:]...)
	return tensors.FromFlatDataAndDimensions(out, newDims...)
}

// newAccuracyMetric builds a mean categorical accuracy over one-hot labels:
// the fraction of examples whose top logit matches the top label.
func newAccuracyMetric() metrics.Interface {
	return metrics.NewMeanMetric("accuracy", "acc", "accuracy",
		func(_ *context.Context, labels, predictions []*Node) *Node {
			labelIdx := ArgMax(labels[0], -1, dtypes.Int32)
			predictedIdx := ArgMax(predictions[0], -1, dtypes.Int32)
			hits := ConvertDType(Equal(labelIdx, predictedIdx), dtypes.Float32)
			return ReduceAllMean(hits)
		}, nil)
}

// metricValues extracts loss and accuracy from a metrics tensor slice,
// matching metric specs by name. Both the "acc" and "accuracy" spellings
// identify the accuracy metric, and any metric whose name mentions loss
// provides the loss.
func metricValues(specs []metrics.Interface, values []*tensors.Tensor) (loss, acc float64) {
	for ii, spec := range specs {
		if ii >= len(values) || values[ii] == nil {
			continue
		}
		value := shapes.ConvertTo[float64](values[ii].Value())
		name := strings.ToLower(spec.ShortName())
		switch {
		case name == "acc" || name == "accuracy":
			acc = value
		case strings.Contains(name, "loss") || strings.Contains(strings.ToLower(spec.Name()), "loss"):
			loss = value
		case ii == 0:
			// By convention the first metric is the batch loss.
			loss = value
		}
	}
	return
}
