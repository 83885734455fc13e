package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caljoseph/photochrom-ai/vision/preprocessing"
)

var (
	// ErrDatasetIntegrity reports a directory whose grayscale and color
	// images do not pair up one to one.
	ErrDatasetIntegrity = errors.New("dataset integrity violation")

	// ErrImageDecode reports an image that cannot be opened or decoded.
	ErrImageDecode = errors.New("image decode failed")
)

// DefaultExtensions are the image extensions a store accepts when none are
// given. Matching is case-insensitive.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// ImagePair is one grayscale image and its colorized counterpart, identified
// by their shared filename stem. Split names the presplit directory the pair
// came from, if any.
type ImagePair struct {
	ID        string
	Split     string
	GrayPath  string
	ColorPath string
}

// Key identifies the pair across every store of one data root. IDs repeat
// between presplit directories, so the split is part of the key.
func (p ImagePair) Key() string {
	if p.Split == "" {
		return p.ID
	}
	return p.Split + "/" + p.ID
}

// PairedImageStore lists the <id>_bw / <id>_color image pairs of a directory.
type PairedImageStore struct {
	root  string
	pairs []ImagePair
}

// NewPairedImageStore scans root (non-recursively) for <id>_bw.<ext> and
// <id>_color.<ext> files. Both lists are sorted by stem, then filename, and
// paired by position; a length difference or a stem mismatch at any
// position fails with ErrDatasetIntegrity.
func NewPairedImageStore(root string, extensions []string) (*PairedImageStore, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	var grayFiles, colorFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if !allowed[strings.ToLower(ext)] {
			continue
		}
		switch base := strings.TrimSuffix(name, ext); {
		case strings.HasSuffix(base, preprocessing.GraySuffix):
			grayFiles = append(grayFiles, name)
		case strings.HasSuffix(base, preprocessing.ColorSuffix):
			colorFiles = append(colorFiles, name)
		}
	}
	sortByStem(grayFiles, preprocessing.GraySuffix)
	sortByStem(colorFiles, preprocessing.ColorSuffix)

	if len(grayFiles) != len(colorFiles) {
		return nil, fmt.Errorf("%w: %s has %d grayscale and %d color images",
			ErrDatasetIntegrity, root, len(grayFiles), len(colorFiles))
	}
	if len(grayFiles) == 0 {
		return nil, fmt.Errorf("%w: no image pairs found in %s", ErrDatasetIntegrity, root)
	}

	store := &PairedImageStore{root: root, pairs: make([]ImagePair, len(grayFiles))}
	for i := range grayFiles {
		grayID := stem(grayFiles[i], preprocessing.GraySuffix)
		colorID := stem(colorFiles[i], preprocessing.ColorSuffix)
		if grayID != colorID {
			return nil, fmt.Errorf("%w: %s pairs %s with %s",
				ErrDatasetIntegrity, root, grayFiles[i], colorFiles[i])
		}
		store.pairs[i] = ImagePair{
			ID:        grayID,
			GrayPath:  filepath.Join(root, grayFiles[i]),
			ColorPath: filepath.Join(root, colorFiles[i]),
		}
	}
	return store, nil
}

func stem(name, suffix string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, filepath.Ext(name)), suffix)
}

// sortByStem orders names by their stem so that "a" precedes "a_c" in both
// lists, whatever the suffix sorts like.
func sortByStem(names []string, suffix string) {
	sort.Slice(names, func(i, j int) bool {
		si, sj := stem(names[i], suffix), stem(names[j], suffix)
		if si != sj {
			return si < sj
		}
		return names[i] < names[j]
	})
}

// Root returns the scanned directory.
func (s *PairedImageStore) Root() string {
	return s.root
}

// Len returns the number of pairs in the store
func (s *PairedImageStore) Len() int {
	return len(s.pairs)
}

// PairAt returns the pair at the given index
func (s *PairedImageStore) PairAt(index int) (ImagePair, error) {
	if index < 0 || index >= len(s.pairs) {
		return ImagePair{}, fmt.Errorf("index %d out of range [0, %d)", index, len(s.pairs))
	}
	return s.pairs[index], nil
}

// Subset creates a store holding the pairs at the specified indices, in the
// order given.
func (s *PairedImageStore) Subset(indices []int) (*PairedImageStore, error) {
	subset := &PairedImageStore{root: s.root, pairs: make([]ImagePair, len(indices))}
	for i, idx := range indices {
		pair, err := s.PairAt(idx)
		if err != nil {
			return nil, err
		}
		subset.pairs[i] = pair
	}
	return subset, nil
}

// WithSplit returns a copy of the store whose pairs are tagged with split.
func (s *PairedImageStore) WithSplit(split string) *PairedImageStore {
	tagged := &PairedImageStore{root: s.root, pairs: make([]ImagePair, len(s.pairs))}
	for i, pair := range s.pairs {
		pair.Split = split
		tagged.pairs[i] = pair
	}
	return tagged
}

// String returns a string representation of the store
func (s *PairedImageStore) String() string {
	return fmt.Sprintf("PairedImageStore: %d pairs in %s", len(s.pairs), s.root)
}
