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

// Package model builds the image classification network and resumes it from
// previously contributed artifacts.
//
// The architecture is fixed up to a few hyperparameters: two convolution
// blocks (32 then 64 channels, 3x3 kernels, each followed by 2x2 max
// pooling), flatten, a configurable stack of dense+dropout blocks, and a
// final dense layer producing one logit per class. The loss applies softmax,
// so the graph itself outputs logits.
package model

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Quanta30/FedLearn/bundle"
)

// Config holds the tunable hyperparameters of the network. Zero values are
// replaced by defaults in Validate.
type Config struct {
	// NumClasses is the size of the output layer. Required, >= 2.
	NumClasses int

	// Activation is the name of the activation used after each convolution
	// and hidden dense layer, e.g. "relu", "tanh", "sigmoid".
	Activation string

	// NumLayers is the number of dense+dropout blocks between the flattened
	// convolution output and the logits layer.
	NumLayers int

	// UnitsPerLayer is the width of each hidden dense layer.
	UnitsPerLayer int

	// DropoutRate in [0, 1) applied after each hidden dense layer during
	// training. Zero disables dropout.
	DropoutRate float64

	// LearningRate for the Adam optimizer.
	LearningRate float64
}

// Validate fills in defaults and rejects configurations the network cannot
// be built from.
func (c *Config) Validate() error {
	if c.NumClasses < 2 {
		return errors.Errorf("model needs at least 2 classes, got %d", c.NumClasses)
	}
	if c.Activation == "" {
		c.Activation = "relu"
	}
	if _, err := activations.TypeString(c.Activation); err != nil {
		return errors.Errorf("unknown activation %q: options are %v", c.Activation, activations.TypeValues())
	}
	if c.NumLayers <= 0 {
		c.NumLayers = 2
	}
	if c.UnitsPerLayer <= 0 {
		c.UnitsPerLayer = 128
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("dropout rate must be in [0, 1), got %g", c.DropoutRate)
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.001
	}
	return nil
}

// ParseOutcome reports how resuming from a prior artifact went. A failed
// parse is an expected state, not an error: the caller gets a fresh model
// and can surface Reason to the user.
type ParseOutcome struct {
	// Loaded is true if the prior artifact's weights were installed.
	Loaded bool

	// Reason explains why the artifact was not usable, when Loaded is false
	// and an artifact was given.
	Reason string
}

// Model is a classification network bound to a variable context.
type Model struct {
	// Ctx holds the model variables, under the "model" scope.
	Ctx *context.Context

	Config Config

	// Resumed is true if the variables were seeded from a prior artifact.
	Resumed bool
}

const (
	imageSize   = 28
	numChannels = 1
)

// New creates a model with freshly initialized variables.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{Ctx: context.New(), Config: cfg}, nil
}

// Resume builds a model from a previously contributed artifact, falling
// back to a fresh model when the artifact cannot serve. The fallback cases
// are: raw is empty, raw does not parse as a bundle, the bundle's class
// count disagrees with cfg.NumClasses, or the bundle carries a topology or
// weights no valid model can be built from. On a successful resume the
// architecture hyperparameters are taken from the bundle so the stored
// weights fit the graph; cfg then only pins the expected class count.
func Resume(raw []byte, cfg Config) (*Model, ParseOutcome, error) {
	if len(raw) == 0 {
		m, err := New(cfg)
		return m, ParseOutcome{}, err
	}
	b, err := bundle.Parse(raw)
	if err != nil {
		klog.Warningf("Prior model artifact is unusable, training from scratch: %v", err)
		m, newErr := New(cfg)
		return m, ParseOutcome{Reason: err.Error()}, newErr
	}
	if b.Topology.NumClasses != cfg.NumClasses {
		reason := errors.Errorf("prior model has %d classes, dataset has %d",
			b.Topology.NumClasses, cfg.NumClasses).Error()
		klog.Warningf("Prior model artifact is incompatible, training from scratch: %s", reason)
		m, newErr := New(cfg)
		return m, ParseOutcome{Reason: reason}, newErr
	}

	resumed := Config{
		NumClasses:    b.Topology.NumClasses,
		Activation:    b.Topology.Activation,
		NumLayers:     b.Topology.NumLayers,
		UnitsPerLayer: b.Topology.UnitsPerLayer,
		DropoutRate:   b.Topology.DropoutRate,
		LearningRate:  cfg.LearningRate,
	}
	if resumed.LearningRate <= 0 {
		resumed.LearningRate = b.Topology.LearningRate
	}
	m, err := New(resumed)
	if err != nil {
		reason := errors.WithMessage(err, "prior model topology is invalid").Error()
		klog.Warningf("Prior model artifact is incompatible, training from scratch: %s", reason)
		m, newErr := New(cfg)
		return m, ParseOutcome{Reason: reason}, newErr
	}
	values, err := b.WeightTensors()
	if err != nil {
		klog.Warningf("Prior model weights are unusable, training from scratch: %v", err)
		m, newErr := New(cfg)
		return m, ParseOutcome{Reason: err.Error()}, newErr
	}
	m.Ctx.SetLoader(&bundleLoader{values: values})
	m.Resumed = true
	return m, ParseOutcome{Loaded: true}, nil
}

// bundleLoader feeds stored weight tensors into variables as the graph
// first uses them, overriding the random initializers. Implements
// context.Loader.
type bundleLoader struct {
	values map[string]*tensors.Tensor
}

func (l *bundleLoader) LoadVariable(_ *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	key := scope + context.ScopeSeparator + name
	value, found = l.values[key]
	if !found {
		return nil, false
	}
	return value, true
}

func (l *bundleLoader) DeleteVariable(_ *context.Context, scope, name string) {
	delete(l.values, scope+context.ScopeSeparator+name)
}

// Forward builds the network graph for a batch of images shaped
// [batch, 28, 28, 1] and returns the logits, shaped [batch, NumClasses].
// Usable directly as a train.ModelFn body.
func (m *Model) Forward(ctx *context.Context, images *Node) *Node {
	cfg := m.Config
	activation := activations.FromName(cfg.Activation)
	ctx = ctx.In("model")

	x := images
	for ii, channels := range []int{32, 64} {
		scope := ctx.In(fmt.Sprintf("conv-%02d", ii))
		x = layers.Convolution(scope, x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Apply(activation, x)
		x = MaxPool(x).Window(2).Done()
	}

	batchSize := x.Shape().Dimensions[0]
	x = Reshape(x, batchSize, -1)

	for ii := 0; ii < cfg.NumLayers; ii++ {
		scope := ctx.In(fmt.Sprintf("dense-%02d", ii))
		x = layers.Dense(scope, x, true, cfg.UnitsPerLayer)
		x = activations.Apply(activation, x)
		if cfg.DropoutRate > 0 {
			x = layers.DropoutStatic(scope, x, cfg.DropoutRate)
		}
	}
	return layers.Dense(ctx.In("logits"), x, true, cfg.NumClasses)
}

// Fn adapts Forward to the inputs/outputs signature the training loop
// expects: one input tensor (images), one output tensor (logits).
func (m *Model) Fn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{m.Forward(ctx, inputs[0])}
}

// Topology describes the architecture for bundling.
func (m *Model) Topology() bundle.Topology {
	cfg := m.Config
	return bundle.Topology{
		Arch:          bundle.ArchName,
		InputShape:    []int{imageSize, imageSize, numChannels},
		NumClasses:    cfg.NumClasses,
		Activation:    cfg.Activation,
		NumLayers:     cfg.NumLayers,
		UnitsPerLayer: cfg.UnitsPerLayer,
		DropoutRate:   cfg.DropoutRate,
		LearningRate:  cfg.LearningRate,
	}
}

// FinalizeAll immediately releases the memory backing all model and
// optimizer variables.
func (m *Model) FinalizeAll() {
	if m == nil || m.Ctx == nil {
		return
	}
	m.Ctx.EnumerateVariables(func(v *context.Variable) {
		if value := v.Value(); value != nil {
			value.FinalizeAll()
		}
	})
}

// NumWeights counts the trainable parameter values under the model scope.
func (m *Model) NumWeights() int {
	total := 0
	m.Ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), context.ScopeSeparator+"model") {
			total += v.Shape().Size()
		}
	})
	return total
}
