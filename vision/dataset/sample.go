package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caljoseph/photochrom-ai/tensor"
	"github.com/caljoseph/photochrom-ai/vision/preprocessing"
)

// ErrLatentCache reports a latent cache file that cannot be used for the
// configured image size.
var ErrLatentCache = errors.New("invalid latent cache entry")

// LatentExtension is the filename extension of latent cache entries.
const LatentExtension = ".lat"

// Tensor names inside a latent cache file.
const (
	latentL  = "L"
	latentAB = "ab"
)

// Sample is one encoded training example: lightness L (1,H,W) in [0,100]
// and chrominance AB (2,H,W) in roughly [-1,1]. Key is the source pair's
// ImagePair.Key.
type Sample struct {
	ID  string
	Key string
	L   *tensor.Tensor
	AB  *tensor.Tensor
}

// SampleOptions configures how pairs are turned into samples.
type SampleOptions struct {
	Height, Width int

	// LatentCacheDir, when set, is checked for <key>.lat before decoding.
	LatentCacheDir string

	// Cache, when set, keeps decoded samples in memory.
	Cache *SampleCache

	// MaxLightnessDrift > 0 rejects pairs whose grayscale image differs from
	// the color image's lightness by more than this mean, in L units.
	MaxLightnessDrift float64
}

// SampleDataset decodes image pairs into samples. Sample is safe for
// concurrent calls.
type SampleDataset struct {
	store     *PairedImageStore
	processor *preprocessing.ImageProcessor
	opts      SampleOptions
}

// NewSampleDataset creates a dataset over store.
func NewSampleDataset(store *PairedImageStore, opts SampleOptions) (*SampleDataset, error) {
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %dx%d", opts.Height, opts.Width)
	}
	return &SampleDataset{
		store:     store,
		processor: preprocessing.NewImageProcessor(opts.Height, opts.Width),
		opts:      opts,
	}, nil
}

// Len returns the number of samples
func (d *SampleDataset) Len() int {
	return d.store.Len()
}

// Store returns the underlying pair store.
func (d *SampleDataset) Store() *PairedImageStore {
	return d.store
}

// Sample returns the encoded sample at index. A latent cache entry, when
// present, replaces decoding.
func (d *SampleDataset) Sample(index int) (*Sample, error) {
	pair, err := d.store.PairAt(index)
	if err != nil {
		return nil, err
	}
	key := pair.Key()
	if d.opts.Cache != nil {
		if s, ok := d.opts.Cache.Get(key); ok {
			return s, nil
		}
	}

	var sample *Sample
	if d.opts.LatentCacheDir != "" {
		sample, err = ReadLatent(LatentPath(d.opts.LatentCacheDir, key), d.opts.Height, d.opts.Width)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if sample != nil {
			sample.ID, sample.Key = pair.ID, key
		}
	}
	if sample == nil {
		if sample, err = d.Encode(pair); err != nil {
			return nil, err
		}
	}

	if d.opts.Cache != nil {
		d.opts.Cache.Put(key, sample)
	}
	return sample, nil
}

// Encode decodes both images of pair, resizes them and converts them into
// a sample, ignoring every cache.
func (d *SampleDataset) Encode(pair ImagePair) (*Sample, error) {
	gray, err := d.processor.LoadGray(pair.GrayPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
	}
	rgb, err := d.processor.LoadRGB(pair.ColorPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
	}

	l, ab, err := preprocessing.Encode(rgb, gray)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", pair.ID, err)
	}
	if d.opts.MaxLightnessDrift > 0 {
		drift, err := preprocessing.LightnessDrift(l, rgb)
		if err != nil {
			return nil, err
		}
		if drift > d.opts.MaxLightnessDrift {
			return nil, fmt.Errorf("%w: %s lightness drift %.2f exceeds %.2f",
				ErrDatasetIntegrity, pair.ID, drift, d.opts.MaxLightnessDrift)
		}
	}
	return &Sample{ID: pair.ID, Key: pair.Key(), L: l, AB: ab}, nil
}

// LatentPath returns the cache file for a pair key. Split-qualified keys
// map to a subdirectory per split.
func LatentPath(dir, key string) string {
	return filepath.Join(dir, filepath.FromSlash(key)+LatentExtension)
}

// ReadLatent loads a cached sample and checks it against the expected size.
// A missing file returns an error matching fs.ErrNotExist.
func ReadLatent(path string, height, width int) (*Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	items, err := tensor.DecodeBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLatentCache, path, err)
	}

	id := latentID(path)
	sample := &Sample{ID: id, Key: id}
	for _, item := range items {
		switch item.Name {
		case latentL:
			sample.L = item.Tensor
		case latentAB:
			sample.AB = item.Tensor
		}
	}
	if sample.L == nil || sample.AB == nil {
		return nil, fmt.Errorf("%w: %s is missing a tensor", ErrLatentCache, path)
	}
	if !tensor.ShapesEqual(sample.L.Shape, []int{1, height, width}) ||
		!tensor.ShapesEqual(sample.AB.Shape, []int{2, height, width}) {
		return nil, fmt.Errorf("%w: %s holds L %v and ab %v, want %dx%d",
			ErrLatentCache, path, sample.L.Shape, sample.AB.Shape, height, width)
	}
	return sample, nil
}

func latentID(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// WriteLatent stores sample under LatentPath(dir, sample.Key), or its ID
// when Key is empty, replacing any previous entry atomically.
func WriteLatent(dir string, sample *Sample) error {
	key := sample.Key
	if key == "" {
		key = sample.ID
	}
	target := LatentPath(dir, key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create latent cache dir: %w", err)
	}
	data := tensor.EncodeBundle([]tensor.Named{
		{Name: latentL, Tensor: sample.L},
		{Name: latentAB, Tensor: sample.AB},
	})

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+sample.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write latent %s: %w", sample.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write latent %s: %w", sample.ID, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to store latent %s: %w", sample.ID, err)
	}
	return nil
}
