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

// Package dataset turns a user-supplied selection of labeled image files
// into tensors ready for training.
//
// The selection is the flat list of file handles produced by a directory
// picker: each entry carries a relative path, a declared content type and
// the payload bytes. The label of each image is the name of its immediate
// parent directory. Images are decoded in bounded chunks, resized to
// 28x28 grayscale, normalized to [0, 1] and stacked into a single
// `[N, 28, 28, 1]` input tensor with a matching one-hot label tensor.
package dataset

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Quanta30/FedLearn/progress"
)

const (
	// ImageSize is the fixed width and height every image is resized to.
	ImageSize = 28

	// NumChannels is the depth of the input tensor: grayscale only.
	NumChannels = 1

	// DefaultMaxSamples caps how many images are kept from one selection.
	DefaultMaxSamples = 5000

	// DefaultChunkSize bounds how many images are decoded concurrently
	// before their pixel buffers are handed over for stacking.
	DefaultChunkSize = 100

	// loadPercentRange is the portion of the overall progress range owned
	// by loading: [0, 30].
	loadPercentRange = 30.0
)

// ErrEmptyDataset is returned by Load when not a single image could be
// decoded from the selection.
var ErrEmptyDataset = errors.New("no images could be decoded from the selection")

// File is one entry of the caller's directory selection.
type File struct {
	// Path is the file's relative path with forward slashes; its parent
	// directory names the class label.
	Path string

	// ContentType is the declared MIME type. Only "image/*" entries are
	// considered, everything else is silently skipped.
	ContentType string

	// Data is the full file payload.
	Data []byte
}

// Dataset holds the decoded selection as tensors. Both tensors are owned
// exclusively by the call chain that created them; call FinalizeAll once
// done, on every exit path, to release the backing buffers.
type Dataset struct {
	// Xs is shaped [NumExamples, ImageSize, ImageSize, NumChannels], with
	// float32 intensities in [0, 1].
	Xs *tensors.Tensor

	// Ys is the one-hot label tensor shaped [NumExamples, NumClasses].
	Ys *tensors.Tensor

	// Labels maps label strings to the class indices used in Ys.
	Labels *LabelMap

	NumExamples int
	NumClasses  int
}

// FinalizeAll immediately releases the tensors' backing buffers. The
// Dataset must not be used afterwards.
func (ds *Dataset) FinalizeAll() {
	if ds.Xs != nil {
		ds.Xs.FinalizeAll()
	}
	if ds.Ys != nil {
		ds.Ys.FinalizeAll()
	}
}

type loaderOptions struct {
	maxSamples int
	chunkSize  int
	rng        *rand.Rand
	reporter   *progress.Reporter
	reclaim    func()
}

// Option configures Load.
type Option func(*loaderOptions)

// WithMaxSamples overrides the sample budget (default 5000). When the
// selection holds more images than the budget, an unbiased random subsample
// is kept.
func WithMaxSamples(n int) Option {
	return func(o *loaderOptions) { o.maxSamples = n }
}

// WithChunkSize overrides how many images are decoded per chunk
// (default 100).
func WithChunkSize(n int) Option {
	return func(o *loaderOptions) { o.chunkSize = n }
}

// WithRand sets the random generator used for subsampling, for
// reproducibility.
func WithRand(rng *rand.Rand) Option {
	return func(o *loaderOptions) { o.rng = rng }
}

// WithProgress attaches a progress reporter; loading reports into the
// [0, 30] percent sub-range.
func WithProgress(reporter *progress.Reporter) Option {
	return func(o *loaderOptions) { o.reporter = reporter }
}

// WithReclaim sets an optional memory-reclamation hook invoked after each
// decode chunk. Absence of the hook is fine.
func WithReclaim(fn func()) Option {
	return func(o *loaderOptions) { o.reclaim = fn }
}

// labeledSample is one decoded image: 28x28 grayscale intensities plus the
// class index. Pixel buffers live only until stacking.
type labeledSample struct {
	pixels []float32
	label  int
}

// Load scans the selection and builds the Dataset.
//
// Entries without an image content type are skipped. The label map is built
// over all accepted entries in first-seen order; if the accepted count
// exceeds the sample budget, a Fisher-Yates shuffled index permutation is
// taken and the first `budget` entries kept -- the subsample is not
// stratified by class. Individual decode failures are logged and dropped;
// only a selection yielding zero decoded images fails, with
// ErrEmptyDataset.
func Load(files []File, opts ...Option) (*Dataset, error) {
	options := &loaderOptions{
		maxSamples: DefaultMaxSamples,
		chunkSize:  DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.rng == nil {
		options.rng = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	}
	if options.maxSamples < 1 {
		return nil, errors.Errorf("sample budget must be at least 1, got %d", options.maxSamples)
	}
	if options.chunkSize < 1 {
		return nil, errors.Errorf("chunk size must be at least 1, got %d", options.chunkSize)
	}

	// Single pass: accept image entries and assign labels in first-seen
	// order.
	labels := NewLabelMap()
	type pendingFile struct {
		file  *File
		label int
	}
	var accepted []pendingFile
	for ii := range files {
		f := &files[ii]
		if !strings.HasPrefix(f.ContentType, "image/") {
			continue
		}
		accepted = append(accepted, pendingFile{
			file:  f,
			label: labels.Add(labelFromPath(f.Path)),
		})
	}

	// Over budget: keep the head of a shuffled index permutation. Class
	// distribution is only incidentally preserved.
	if len(accepted) > options.maxSamples {
		klog.V(1).Infof("selection has %d images, subsampling down to %d", len(accepted), options.maxSamples)
		perm := options.rng.Perm(len(accepted))
		subsample := make([]pendingFile, options.maxSamples)
		for ii, idx := range perm[:options.maxSamples] {
			subsample[ii] = accepted[idx]
		}
		accepted = subsample
	}

	// Decode in chunks to bound peak memory. Within a chunk items decode
	// independently and are joined before the next chunk starts.
	samples := make([]*labeledSample, 0, len(accepted))
	for start := 0; start < len(accepted); start += options.chunkSize {
		end := min(start+options.chunkSize, len(accepted))
		chunk := make([]*labeledSample, end-start)
		var wg sync.WaitGroup
		for ii := start; ii < end; ii++ {
			wg.Add(1)
			go func(ii int) {
				defer wg.Done()
				pending := accepted[ii]
				pixels, err := decodeImage(pending.file.Data)
				if err != nil {
					klog.Warningf("skipping %q: %v", pending.file.Path, err)
					return
				}
				chunk[ii-start] = &labeledSample{pixels: pixels, label: pending.label}
			}(ii)
		}
		wg.Wait()
		for _, sample := range chunk {
			if sample != nil {
				samples = append(samples, sample)
			}
		}
		options.reporter.Percent(loadPercentRange * float64(end) / float64(len(accepted)))
		if options.reclaim != nil {
			options.reclaim()
		}
	}

	if len(samples) == 0 {
		return nil, ErrEmptyDataset
	}
	ds, err := stack(samples, labels)
	// Drop the per-sample pixel buffers on success and failure alike.
	for _, sample := range samples {
		sample.pixels = nil
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %d examples over %d classes (%s of tensors)",
		ds.NumExamples, ds.NumClasses,
		humanize.Bytes(uint64(ds.Xs.Memory()+ds.Ys.Memory())))
	return ds, nil
}

// labelFromPath extracts the name of the immediate parent directory. Files
// at the selection root all share the label ".".
func labelFromPath(filePath string) string {
	return path.Base(path.Dir(filePath))
}

// decodeImage decodes, resizes to 28x28 and converts to grayscale, returning
// the flattened intensities normalized to [0, 1].
func decodeImage(data []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	gray := imaging.Grayscale(imaging.Resize(img, ImageSize, ImageSize, imaging.Lanczos))
	pixels := make([]float32, ImageSize*ImageSize)
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			// Grayscale output has R == G == B.
			pixels[y*ImageSize+x] = float32(gray.NRGBAAt(x, y).R) / 255.0
		}
	}
	return pixels, nil
}

// stack joins the per-sample buffers into the [N, 28, 28, 1] input tensor
// and builds the one-hot label tensor with width = number of distinct
// labels.
func stack(samples []*labeledSample, labels *LabelMap) (*Dataset, error) {
	numExamples := len(samples)
	numClasses := labels.Len()
	if numClasses == 0 {
		return nil, ErrEmptyDataset
	}

	xs := tensors.FromShape(shapes.Make(dtypes.Float32, numExamples, ImageSize, ImageSize, NumChannels))
	tensors.MutableFlatData[float32](xs, func(flat []float32) {
		for ii, sample := range samples {
			copy(flat[ii*ImageSize*ImageSize:], sample.pixels)
		}
	})
	ys := tensors.FromShape(shapes.Make(dtypes.Float32, numExamples, numClasses))
	tensors.MutableFlatData[float32](ys, func(flat []float32) {
		for ii, sample := range samples {
			flat[ii*numClasses+sample.label] = 1
		}
	})
	return &Dataset{
		Xs:          xs,
		Ys:          ys,
		Labels:      labels,
		NumExamples: numExamples,
		NumClasses:  numClasses,
	}, nil
}
