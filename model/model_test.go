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

package model

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quanta30/FedLearn/bundle"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{NumClasses: 4}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "relu", cfg.Activation)
	assert.Equal(t, 2, cfg.NumLayers)
	assert.Equal(t, 128, cfg.UnitsPerLayer)
	assert.Equal(t, 0.001, cfg.LearningRate)

	assert.Error(t, (&Config{NumClasses: 1}).Validate())
	assert.Error(t, (&Config{NumClasses: 3, Activation: "no-such-activation"}).Validate())
	assert.Error(t, (&Config{NumClasses: 3, DropoutRate: 1.5}).Validate())
}

func TestNew(t *testing.T) {
	m, err := New(Config{NumClasses: 3, Activation: "tanh", NumLayers: 1, UnitsPerLayer: 32})
	require.NoError(t, err)
	assert.False(t, m.Resumed)
	assert.NotNil(t, m.Ctx)

	top := m.Topology()
	assert.Equal(t, bundle.ArchName, top.Arch)
	assert.Equal(t, []int{28, 28, 1}, top.InputShape)
	assert.Equal(t, 3, top.NumClasses)
	assert.Equal(t, "tanh", top.Activation)
}

// priorArtifact builds a valid serialized bundle with a couple of fake
// weight tensors under the model scope.
func priorArtifact(t *testing.T, numClasses int) []byte {
	t.Helper()
	ctx := context.New()
	_ = ctx.In("model").In("logits").VariableWithValue("weights", [][]float32{{1, 2, 3}})
	b, err := bundle.Build(bundle.Topology{
		Arch:          bundle.ArchName,
		InputShape:    []int{28, 28, 1},
		NumClasses:    numClasses,
		Activation:    "sigmoid",
		NumLayers:     3,
		UnitsPerLayer: 64,
		DropoutRate:   0.1,
		LearningRate:  0.005,
	}, ctx)
	require.NoError(t, err)
	data, err := b.Bytes()
	require.NoError(t, err)
	return data
}

func TestResumeFresh(t *testing.T) {
	m, outcome, err := Resume(nil, Config{NumClasses: 3})
	require.NoError(t, err)
	assert.False(t, outcome.Loaded)
	assert.Empty(t, outcome.Reason)
	assert.False(t, m.Resumed)
}

func TestResumeFromGarbage(t *testing.T) {
	m, outcome, err := Resume([]byte("this is not a model artifact"), Config{NumClasses: 3})
	require.NoError(t, err)
	assert.False(t, outcome.Loaded)
	assert.NotEmpty(t, outcome.Reason)
	assert.False(t, m.Resumed)
	// The fallback model uses the requested configuration.
	assert.Equal(t, 3, m.Config.NumClasses)
}

func TestResumeClassMismatch(t *testing.T) {
	raw := priorArtifact(t, 5)
	m, outcome, err := Resume(raw, Config{NumClasses: 3})
	require.NoError(t, err)
	assert.False(t, outcome.Loaded)
	assert.Contains(t, outcome.Reason, "5 classes")
	assert.False(t, m.Resumed)
	assert.Equal(t, 3, m.Config.NumClasses)
}

func TestResumeInvalidTopology(t *testing.T) {
	// A parseable artifact whose stored hyperparameters no model can be
	// built from must fall back to a fresh model, not fail the run.
	ctx := context.New()
	_ = ctx.In("model").In("logits").VariableWithValue("weights", [][]float32{{1, 2, 3}})
	b, err := bundle.Build(bundle.Topology{
		Arch:          bundle.ArchName,
		InputShape:    []int{28, 28, 1},
		NumClasses:    3,
		Activation:    "no-such-activation",
		NumLayers:     2,
		UnitsPerLayer: 64,
		DropoutRate:   1.5,
		LearningRate:  0.005,
	}, ctx)
	require.NoError(t, err)
	raw, err := b.Bytes()
	require.NoError(t, err)

	m, outcome, err := Resume(raw, Config{NumClasses: 3})
	require.NoError(t, err)
	assert.False(t, outcome.Loaded)
	assert.Contains(t, outcome.Reason, "topology is invalid")
	assert.False(t, m.Resumed)
	assert.Equal(t, 3, m.Config.NumClasses)
	assert.Equal(t, "relu", m.Config.Activation)
}

func TestResumeLoads(t *testing.T) {
	raw := priorArtifact(t, 3)
	m, outcome, err := Resume(raw, Config{NumClasses: 3, LearningRate: 0.01})
	require.NoError(t, err)
	assert.True(t, outcome.Loaded)
	assert.True(t, m.Resumed)
	// Architecture comes from the artifact, so the stored weights fit.
	assert.Equal(t, "sigmoid", m.Config.Activation)
	assert.Equal(t, 3, m.Config.NumLayers)
	assert.Equal(t, 64, m.Config.UnitsPerLayer)
	assert.Equal(t, 0.1, m.Config.DropoutRate)
	// The requested learning rate wins over the stored one.
	assert.Equal(t, 0.01, m.Config.LearningRate)
}
