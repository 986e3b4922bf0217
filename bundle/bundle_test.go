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

package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTopology() Topology {
	return Topology{
		Arch:          ArchName,
		InputShape:    []int{28, 28, 1},
		NumClasses:    3,
		Activation:    "relu",
		NumLayers:     2,
		UnitsPerLayer: 16,
		DropoutRate:   0.2,
		LearningRate:  0.001,
	}
}

func testContext(t *testing.T) *context.Context {
	t.Helper()
	ctx := context.New()
	modelCtx := ctx.In("model")
	_ = modelCtx.In("dense-00").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	_ = modelCtx.In("dense-00").VariableWithValue("biases", []float32{0.5, -0.5})
	_ = modelCtx.In("logits").VariableWithValue("weights", [][]float32{{1, 0, -1}, {0.25, 0.5, 0.75}})
	// Optimizer state outside the model scope must not be bundled.
	_ = ctx.In("optimizers").In("adam").VariableWithValue("moments", []float32{9, 9, 9})
	return ctx
}

func TestBuild(t *testing.T) {
	b, err := Build(testTopology(), testContext(t))
	require.NoError(t, err)

	require.Len(t, b.Manifest, 3)
	// Manifest is sorted by parameter name.
	names := make([]string, 0, len(b.Manifest))
	for _, spec := range b.Manifest {
		assert.Equal(t, "float32", spec.DType)
		names = append(names, spec.Name)
	}
	assert.IsIncreasing(t, names)
	for _, name := range names {
		assert.NotContains(t, name, "adam")
	}
	// 4 + 2 + 6 float32 values.
	assert.Equal(t, 12, b.NumWeightValues())
}

func TestBuildEmptyContext(t *testing.T) {
	_, err := Build(testTopology(), context.New())
	assert.Error(t, err)
}

func TestBytesDeterministic(t *testing.T) {
	b1, err := Build(testTopology(), testContext(t))
	require.NoError(t, err)
	b2, err := Build(testTopology(), testContext(t))
	require.NoError(t, err)
	data1, err := b1.Bytes()
	require.NoError(t, err)
	data2, err := b2.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data1, data2, "identical model state must produce identical archives")
}

func TestArchiveLayout(t *testing.T) {
	b, err := Build(testTopology(), testContext(t))
	require.NoError(t, err)
	data, err := b.Bytes()
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, ModelFileName, zr.File[0].Name)
	assert.Equal(t, WeightsFileName, zr.File[1].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(rc).Decode(&decoded))
	assert.Contains(t, decoded, "modelTopology")
	assert.Contains(t, decoded, "weightsManifest")
}

func TestChecksum(t *testing.T) {
	b, err := Build(testTopology(), testContext(t))
	require.NoError(t, err)
	sum, err := b.Checksum()
	require.NoError(t, err)
	assert.Len(t, sum, 40)
	sum2, err := b.Checksum()
	require.NoError(t, err)
	assert.Equal(t, sum, sum2)
}

func TestParseRoundtrip(t *testing.T) {
	b, err := Build(testTopology(), testContext(t))
	require.NoError(t, err)
	data, err := b.Bytes()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, b.Topology, parsed.Topology)
	assert.Equal(t, b.Manifest, parsed.Manifest)
	assert.Equal(t, b.WeightBytes, parsed.WeightBytes)

	values, err := parsed.WeightTensors()
	require.NoError(t, err)
	require.Len(t, values, 3)
	for _, spec := range parsed.Manifest {
		value, found := values[spec.Name]
		require.True(t, found, "missing weight %q", spec.Name)
		assert.Equal(t, spec.Shape, value.Shape().Dimensions)
	}
	var dense00 []float32
	tensors.ConstFlatData[float32](values["/model/dense-00/weights"], func(flat []float32) {
		dense00 = append(dense00, flat...)
	})
	assert.Equal(t, []float32{1, 2, 3, 4}, dense00)
}

func TestParseRejectsGarbage(t *testing.T) {
	for name, raw := range map[string][]byte{
		"not a zip": []byte("hello world"),
		"empty":     {},
	} {
		_, err := Parse(raw)
		assert.Error(t, err, name)
	}
}

func TestParseRejectsIncompleteArchives(t *testing.T) {
	makeZip := func(entries map[string][]byte) []byte {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for name, data := range entries {
			w, err := zw.Create(name)
			require.NoError(t, err)
			_, err = w.Write(data)
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
		return buf.Bytes()
	}

	// No model.json at all.
	_, err := Parse(makeZip(map[string][]byte{"weights.bin": {0, 0, 0, 0}}))
	assert.Error(t, err)

	// model.json that is not JSON.
	_, err = Parse(makeZip(map[string][]byte{ModelFileName: []byte("not json")}))
	assert.Error(t, err)

	// Manifest references a missing weights file.
	manifest, _ := json.Marshal(&modelJSON{
		ModelTopology: testTopology(),
		WeightsManifest: []manifestGroup{{
			Paths:   []string{"missing.bin"},
			Weights: []WeightSpec{{Name: "w", Shape: []int{1}, DType: "float32"}},
		}},
	})
	_, err = Parse(makeZip(map[string][]byte{ModelFileName: manifest}))
	assert.Error(t, err)

	// Weights shorter than the manifest promises.
	_, err = Parse(makeZip(map[string][]byte{
		ModelFileName: manifestWithPath(t, "weights.bin", []int{4}),
		"weights.bin": {0, 0, 0, 0},
	}))
	assert.Error(t, err)
}

func manifestWithPath(t *testing.T, weightsPath string, shape []int) []byte {
	t.Helper()
	manifest, err := json.Marshal(&modelJSON{
		ModelTopology: testTopology(),
		WeightsManifest: []manifestGroup{{
			Paths:   []string{weightsPath},
			Weights: []WeightSpec{{Name: "w", Shape: shape, DType: "float32"}},
		}},
	})
	require.NoError(t, err)
	return manifest
}
