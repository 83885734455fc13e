package preprocessing

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/caljoseph/photochrom-ai/logging"
)

// Filename suffixes that pair a grayscale scan with its colorized version.
const (
	GraySuffix  = "_bw"
	ColorSuffix = "_color"
)

// PrepareConfig controls raw-image preparation.
type PrepareConfig struct {
	CropSize      int     // output side length in pixels
	BorderPercent float64 // fraction trimmed from each edge before cropping
	ValFraction   float64 // share of pairs written to val/; 0 writes a flat directory
	Seed          uint64
	Workers       int
	JPEGQuality   int
}

// DefaultPrepareConfig returns the settings used for the photochrom corpus.
func DefaultPrepareConfig() PrepareConfig {
	return PrepareConfig{
		CropSize:      512,
		BorderPercent: 0.03,
		ValFraction:   0.1,
		Seed:          42,
		Workers:       4,
		JPEGQuality:   95,
	}
}

// PrepareResult summarizes a Prepare run.
type PrepareResult struct {
	Train    int
	Val      int
	Unpaired []string // stems with only one of the two images
}

// Preparer turns raw scan pairs into square training images.
type Preparer struct {
	cfg    PrepareConfig
	logger *slog.Logger

	// Progress, when set, is called after each pair is written.
	Progress func(done, total int)
}

// NewPreparer creates a preparer. A nil logger discards output.
func NewPreparer(cfg PrepareConfig, logger *slog.Logger) (*Preparer, error) {
	if cfg.CropSize <= 0 {
		return nil, fmt.Errorf("crop size must be positive, got %d", cfg.CropSize)
	}
	if cfg.BorderPercent < 0 || cfg.BorderPercent >= 0.5 {
		return nil, fmt.Errorf("border percent must be in [0, 0.5), got %g", cfg.BorderPercent)
	}
	if cfg.ValFraction < 0 || cfg.ValFraction >= 1 {
		return nil, fmt.Errorf("val fraction must be in [0, 1), got %g", cfg.ValFraction)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 95
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Preparer{cfg: cfg, logger: logger}, nil
}

type rawPair struct {
	stem      string
	grayPath  string
	colorPath string
}

// Prepare processes every complete pair in rawDir into outDir. With a
// positive ValFraction, pairs are split into outDir/train and outDir/val by a
// seeded shuffle.
func (p *Preparer) Prepare(ctx context.Context, rawDir, outDir string) (*PrepareResult, error) {
	pairs, unpaired, err := scanRawPairs(rawDir)
	if err != nil {
		return nil, err
	}
	result := &PrepareResult{Unpaired: unpaired}
	for _, stem := range unpaired {
		p.logger.Warn("skipping unpaired image", slog.String("stem", stem))
	}
	if len(pairs) == 0 {
		return result, fmt.Errorf("no image pairs found in %s", rawDir)
	}

	destinations := make([]string, len(pairs))
	if p.cfg.ValFraction > 0 {
		order := rand.New(rand.NewPCG(p.cfg.Seed, p.cfg.Seed)).Perm(len(pairs))
		numVal := int(p.cfg.ValFraction * float64(len(pairs)))
		for rank, idx := range order {
			if rank < numVal {
				destinations[idx] = filepath.Join(outDir, "val")
				result.Val++
			} else {
				destinations[idx] = filepath.Join(outDir, "train")
				result.Train++
			}
		}
	} else {
		for i := range destinations {
			destinations[i] = outDir
		}
		result.Train = len(pairs)
	}
	for _, dir := range []string{outDir, filepath.Join(outDir, "train"), filepath.Join(outDir, "val")} {
		if dir != outDir && p.cfg.ValFraction == 0 {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	p.logger.Info("preparing image pairs",
		slog.Int("pairs", len(pairs)),
		slog.Int("train", result.Train),
		slog.Int("val", result.Val),
		slog.Int("crop_size", p.cfg.CropSize))

	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, pair := range pairs {
		dest := destinations[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.processImage(pair.grayPath, filepath.Join(dest, pair.stem+GraySuffix+".jpg")); err != nil {
				return err
			}
			if err := p.processImage(pair.colorPath, filepath.Join(dest, pair.stem+ColorSuffix+".jpg")); err != nil {
				return err
			}
			if p.Progress != nil {
				p.Progress(int(done.Add(1)), len(pairs))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// processImage trims the border, center-crops to the largest square and
// resizes to the crop size.
func (p *Preparer) processImage(src, dst string) error {
	img, err := LoadImage(src)
	if err != nil {
		return err
	}
	out := CropSquare(img, p.cfg.BorderPercent, p.cfg.CropSize)

	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := jpeg.Encode(file, out, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", dst, err)
	}
	return file.Close()
}

// CropSquare removes borderPercent of the width and height from each edge,
// takes the centered largest square, and scales it to size x size.
func CropSquare(img image.Image, borderPercent float64, size int) *image.RGBA {
	b := img.Bounds()
	bx := int(float64(b.Dx()) * borderPercent)
	by := int(float64(b.Dy()) * borderPercent)
	inner := image.Rect(b.Min.X+bx, b.Min.Y+by, b.Max.X-bx, b.Max.Y-by)

	side := min(inner.Dx(), inner.Dy())
	left := inner.Min.X + (inner.Dx()-side)/2
	top := inner.Min.Y + (inner.Dy()-side)/2
	square := image.Rect(left, top, left+side, top+side)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, square, draw.Src, nil)
	return dst
}

// scanRawPairs finds <stem>_bw.<ext> / <stem>_color.<ext> files, returning
// complete pairs sorted by stem and the stems missing a partner.
func scanRawPairs(dir string) ([]rawPair, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	gray := map[string]string{}
	colored := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stem, kind, ok := SplitPairName(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if kind == GraySuffix {
			gray[stem] = path
		} else {
			colored[stem] = path
		}
	}

	var pairs []rawPair
	var unpaired []string
	for stem, g := range gray {
		if c, ok := colored[stem]; ok {
			pairs = append(pairs, rawPair{stem: stem, grayPath: g, colorPath: c})
		} else {
			unpaired = append(unpaired, stem)
		}
	}
	for stem := range colored {
		if _, ok := gray[stem]; !ok {
			unpaired = append(unpaired, stem)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].stem < pairs[j].stem })
	sort.Strings(unpaired)
	return pairs, unpaired, nil
}

// SplitPairName parses "<stem>_bw.<ext>" or "<stem>_color.<ext>" where ext is
// jpg, jpeg or png in any case. kind is GraySuffix or ColorSuffix.
func SplitPairName(name string) (stem, kind string, ok bool) {
	ext := filepath.Ext(name)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png":
	default:
		return "", "", false
	}
	base := strings.TrimSuffix(name, ext)
	switch {
	case strings.HasSuffix(base, GraySuffix):
		return strings.TrimSuffix(base, GraySuffix), GraySuffix, true
	case strings.HasSuffix(base, ColorSuffix):
		return strings.TrimSuffix(base, ColorSuffix), ColorSuffix, true
	}
	return "", "", false
}
