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

// Package bundle serializes a trained model into the portable artifact
// exchanged with the project service, and parses such artifacts back for
// resuming.
//
// A bundle is a single zip archive with exactly two entries:
//
//   - model.json: UTF-8 JSON with the model topology and a weights manifest
//     listing every weight tensor's name, shape and dtype, in the byte
//     layout order of the weight file;
//   - weights.bin: all weight tensors concatenated row-major, little-endian
//     float32, in manifest order.
//
// The server-side merge process only requires that model.json carries a
// weightsManifest whose referenced paths exist in the archive; keeping all
// weights in one file satisfies that trivially and keeps the on-disk shape
// predictable. Output is deterministic: identical model state produces
// byte-identical archives.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// ModelFileName is the archive entry holding topology and manifest.
	ModelFileName = "model.json"

	// WeightsFileName is the archive entry holding the flat weight bytes.
	WeightsFileName = "weights.bin"

	// modelScope is the context scope under which model weights live;
	// optimizer slots and counters outside it are not bundled.
	modelScope = "/model"
)

// Topology is the declarative architecture description stored in
// model.json. It is sufficient to rebuild the network graph from scratch.
type Topology struct {
	Arch          string  `json:"arch"`
	InputShape    []int   `json:"inputShape"`
	NumClasses    int     `json:"numClasses"`
	Activation    string  `json:"activation"`
	NumLayers     int     `json:"numLayers"`
	UnitsPerLayer int     `json:"unitsPerLayer"`
	DropoutRate   float64 `json:"dropoutRate"`
	LearningRate  float64 `json:"learningRate"`
}

// ArchName identifies the bundled network family.
const ArchName = "fedlearn-cnn-v1"

// WeightSpec describes one weight tensor inside the manifest. Order of
// specs defines the byte layout of weights.bin.
type WeightSpec struct {
	// Name is the variable's scope and name joined by the scope separator,
	// e.g. "/model/dense-00/weights".
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// manifestGroup mirrors the on-disk weightsManifest entry: a list of weight
// file paths plus the specs laid out across them.
type manifestGroup struct {
	Paths   []string     `json:"paths"`
	Weights []WeightSpec `json:"weights"`
}

// modelJSON is the exact shape of the model.json archive entry.
type modelJSON struct {
	ModelTopology   Topology        `json:"modelTopology"`
	WeightsManifest []manifestGroup `json:"weightsManifest"`
}

// Bundle is a parsed or freshly built artifact. Immutable after creation.
type Bundle struct {
	Topology Topology

	// Manifest lists the weight tensors in weights.bin layout order.
	Manifest []WeightSpec

	// WeightBytes is the flat little-endian float32 buffer, manifest order.
	WeightBytes []byte

	// archive caches the serialized zip so Bytes and Checksum agree.
	archive []byte
}

// Build extracts topology and weights from the trained model context
// without mutating it. Weight tensors are taken from the model scope in
// sorted parameter-name order, which is stable for a fixed architecture.
func Build(topology Topology, ctx *context.Context) (*Bundle, error) {
	type namedTensor struct {
		name  string
		value *tensors.Tensor
	}
	var weights []namedTensor
	var badVar error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if badVar != nil {
			return
		}
		if v.Scope() != modelScope && !strings.HasPrefix(v.Scope(), modelScope+context.ScopeSeparator) {
			return
		}
		name := v.Scope() + context.ScopeSeparator + v.Name()
		value := v.Value()
		if value == nil {
			badVar = errors.Errorf("variable %q has no value to serialize", name)
			return
		}
		if value.DType() != dtypes.Float32 {
			badVar = errors.Errorf("variable %q has dtype %s, only float32 weights can be bundled", name, value.DType())
			return
		}
		weights = append(weights, namedTensor{name: name, value: value})
	})
	if badVar != nil {
		return nil, badVar
	}
	if len(weights) == 0 {
		return nil, errors.Errorf("model context holds no weights under scope %q", modelScope)
	}
	sort.Slice(weights, func(i, j int) bool { return weights[i].name < weights[j].name })

	b := &Bundle{Topology: topology}
	var buf bytes.Buffer
	for _, w := range weights {
		shape := w.value.Shape()
		b.Manifest = append(b.Manifest, WeightSpec{
			Name:  w.name,
			Shape: append([]int{}, shape.Dimensions...),
			DType: "float32",
		})
		tensors.ConstFlatData[float32](w.value, func(flat []float32) {
			var scratch [4]byte
			for _, value := range flat {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(value))
				buf.Write(scratch[:])
			}
		})
	}
	b.WeightBytes = buf.Bytes()
	return b, nil
}

// Bytes serializes the bundle as a zip archive containing exactly
// model.json and weights.bin. The output is byte-identical across calls.
func (b *Bundle) Bytes() ([]byte, error) {
	if b.archive != nil {
		return b.archive, nil
	}
	manifest, err := json.Marshal(&modelJSON{
		ModelTopology: b.Topology,
		WeightsManifest: []manifestGroup{{
			Paths:   []string{WeightsFileName},
			Weights: b.Manifest,
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode model.json")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// Fixed entry order and zeroed timestamps keep the archive
	// deterministic for identical model state.
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{ModelFileName, manifest},
		{WeightsFileName, b.WeightBytes},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   entry.name,
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create archive entry %q", entry.name)
		}
		if _, err = w.Write(entry.data); err != nil {
			return nil, errors.Wrapf(err, "failed to write archive entry %q", entry.name)
		}
	}
	if err = zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish archive")
	}
	b.archive = buf.Bytes()
	return b.archive, nil
}

// Checksum returns the hex-encoded SHA-1 over the exact archive bytes --
// the content hash the project service expects alongside the upload.
func (b *Bundle) Checksum() (string, error) {
	data, err := b.Bytes()
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// NumWeightValues is the total number of float32 values across all weight
// tensors.
func (b *Bundle) NumWeightValues() int {
	return len(b.WeightBytes) / 4
}

// WeightTensors materializes the manifest into tensors, in manifest order.
// The caller owns the returned tensors.
func (b *Bundle) WeightTensors() (map[string]*tensors.Tensor, error) {
	values := make(map[string]*tensors.Tensor, len(b.Manifest))
	offset := 0
	for _, spec := range b.Manifest {
		size := shapes.Make(dtypes.Float32, spec.Shape...).Size()
		end := offset + size*4
		if end > len(b.WeightBytes) {
			return nil, errors.Errorf("weights buffer too short for tensor %q: needs %d bytes, %d left",
				spec.Name, size*4, len(b.WeightBytes)-offset)
		}
		flat := make([]float32, size)
		for ii := range flat {
			flat[ii] = math.Float32frombits(binary.LittleEndian.Uint32(b.WeightBytes[offset+ii*4:]))
		}
		values[spec.Name] = tensors.FromFlatDataAndDimensions(flat, spec.Shape...)
		offset = end
	}
	return values, nil
}

// Parse reads back an archive produced by Bytes (or by any other client
// honoring the same format). Anything that does not look like a complete
// bundle -- wrong container format, broken JSON, missing topology or
// manifest, truncated weights -- is an error; callers on the resume path
// treat all of them as recoverable.
func Parse(raw []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "artifact is not a zip archive")
	}
	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open archive entry %q", f.Name)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read archive entry %q", f.Name)
		}
		entries[f.Name] = data
	}

	manifest, found := entries[ModelFileName]
	if !found {
		return nil, errors.Errorf("archive has no %s entry", ModelFileName)
	}
	var decoded modelJSON
	if err = json.Unmarshal(manifest, &decoded); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", ModelFileName)
	}
	if decoded.ModelTopology.NumClasses <= 0 {
		return nil, errors.Errorf("%s is missing the model topology", ModelFileName)
	}
	if len(decoded.WeightsManifest) == 0 || len(decoded.WeightsManifest[0].Weights) == 0 {
		return nil, errors.Errorf("%s has no weights manifest", ModelFileName)
	}

	b := &Bundle{Topology: decoded.ModelTopology, archive: raw}
	var weightBytes bytes.Buffer
	for _, group := range decoded.WeightsManifest {
		for _, weightPath := range group.Paths {
			data, found := entries[weightPath]
			if !found {
				return nil, errors.Errorf("manifest references %q but the archive has no such entry", weightPath)
			}
			weightBytes.Write(data)
		}
		b.Manifest = append(b.Manifest, group.Weights...)
	}
	b.WeightBytes = weightBytes.Bytes()

	var expected int
	for _, spec := range b.Manifest {
		expected += shapes.Make(dtypes.Float32, spec.Shape...).Size() * 4
	}
	if expected != len(b.WeightBytes) {
		return nil, errors.Errorf("weights buffer holds %d bytes, manifest expects %d",
			len(b.WeightBytes), expected)
	}
	return b, nil
}
