package dataloader

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"github.com/caljoseph/photochrom-ai/vision/dataset"
)

// Split policies accepted by NewSplitStrategy.
const (
	SplitAuto     = "auto"
	SplitPresplit = "presplit"
	SplitRatio    = "ratio"
)

// Default partition parameters.
const (
	DefaultValFraction = 0.1
	DefaultSplitSeed   = 42
)

// SplitStrategy partitions a data root into train and validation stores.
type SplitStrategy interface {
	Name() string
	Split(root string) (train, val *dataset.PairedImageStore, err error)
}

// PresplitStrategy reads root/train and root/val as separate stores. Pairs
// are tagged with their directory so equal IDs in both stay distinct.
type PresplitStrategy struct {
	Extensions []string
}

// Name implements SplitStrategy.
func (PresplitStrategy) Name() string { return SplitPresplit }

// Split implements SplitStrategy.
func (s PresplitStrategy) Split(root string) (*dataset.PairedImageStore, *dataset.PairedImageStore, error) {
	train, err := dataset.NewPairedImageStore(filepath.Join(root, "train"), s.Extensions)
	if err != nil {
		return nil, nil, fmt.Errorf("train split: %w", err)
	}
	val, err := dataset.NewPairedImageStore(filepath.Join(root, "val"), s.Extensions)
	if err != nil {
		return nil, nil, fmt.Errorf("val split: %w", err)
	}
	return train.WithSplit("train"), val.WithSplit("val"), nil
}

// RatioSplitStrategy holds out a seeded random fraction of a single store
// for validation.
type RatioSplitStrategy struct {
	ValFraction float64
	Seed        uint64
	Extensions  []string
}

// Name implements SplitStrategy.
func (RatioSplitStrategy) Name() string { return SplitRatio }

// Indices partitions [0,n) into ascending train and validation indices.
// floor(ValFraction·n) indices go to validation; the two sets are disjoint
// and cover every index.
func (s RatioSplitStrategy) Indices(n int) (train, val []int) {
	perm := rand.New(rand.NewPCG(s.Seed, 0)).Perm(n)
	numVal := int(s.ValFraction * float64(n))
	val = slices.Clone(perm[:numVal])
	train = slices.Clone(perm[numVal:])
	slices.Sort(val)
	slices.Sort(train)
	return train, val
}

// Split implements SplitStrategy.
func (s RatioSplitStrategy) Split(root string) (*dataset.PairedImageStore, *dataset.PairedImageStore, error) {
	if s.ValFraction < 0 || s.ValFraction >= 1 {
		return nil, nil, fmt.Errorf("val fraction must be in [0, 1), got %g", s.ValFraction)
	}
	store, err := dataset.NewPairedImageStore(root, s.Extensions)
	if err != nil {
		return nil, nil, err
	}
	trainIdx, valIdx := s.Indices(store.Len())
	train, err := store.Subset(trainIdx)
	if err != nil {
		return nil, nil, err
	}
	val, err := store.Subset(valIdx)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// NewSplitStrategy resolves a split policy for root. "auto" picks presplit
// when root holds both train/ and val/ directories, ratio otherwise.
func NewSplitStrategy(policy, root string, valFraction float64, seed uint64, extensions []string) (SplitStrategy, error) {
	if policy == SplitAuto || policy == "" {
		policy = SplitRatio
		if isDir(filepath.Join(root, "train")) && isDir(filepath.Join(root, "val")) {
			policy = SplitPresplit
		}
	}
	switch policy {
	case SplitPresplit:
		return PresplitStrategy{Extensions: extensions}, nil
	case SplitRatio:
		return RatioSplitStrategy{ValFraction: valFraction, Seed: seed, Extensions: extensions}, nil
	default:
		return nil, fmt.Errorf("unknown split policy %q", policy)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
