package autofc

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"iter"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".bmp": {}, ".tif": {}, ".tiff": {}, ".webp": {},
}

// SourceOptions controls how a directory is turned into batches.
type SourceOptions struct {
	TargetSize int
	BatchSize  int
	Mean       [3]float32
	Std        [3]float32
	// Shuffle reorders samples at the start of every pass.
	Shuffle bool
	Seed    int64
	// Classes restricts and orders the class subdirectories, so a validation
	// source can share the label indices of its training source.
	Classes []string
}

type sample struct {
	path  string
	label int
	mtime int64
}

// DirectorySource reads a directory holding one subdirectory per class.
// Classes are indexed in sorted subdirectory order.
type DirectorySource struct {
	dir     string
	classes []string
	samples []sample
	opts    SourceOptions

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDirectorySource scans dir once. Files that are not images by extension
// are ignored; decoding happens lazily per batch.
func NewDirectorySource(dir string, opts SourceOptions) (*DirectorySource, error) {
	if opts.TargetSize <= 0 {
		return nil, fmt.Errorf("%w: target size must be > 0", ErrInvalidConfig)
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be > 0", ErrInvalidConfig)
	}
	if opts.Std == [3]float32{} {
		opts.Std = [3]float32{1, 1, 1}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	if len(opts.Classes) > 0 {
		byLabel := make(map[string]string, len(dirs))
		for _, d := range dirs {
			byLabel[NormalizeLabel(d)] = d
		}
		picked := make([]string, 0, len(opts.Classes))
		for _, c := range opts.Classes {
			d, ok := byLabel[NormalizeLabel(c)]
			if !ok {
				return nil, fmt.Errorf("class %q not found in %s", c, dir)
			}
			picked = append(picked, d)
		}
		dirs = picked
	}

	src := &DirectorySource{dir: dir, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
	for label, d := range dirs {
		src.classes = append(src.classes, NormalizeLabel(d))
		files, err := os.ReadDir(filepath.Join(dir, d))
		if err != nil {
			return nil, fmt.Errorf("read class dir %s: %w", d, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if _, ok := imageExts[strings.ToLower(filepath.Ext(f.Name()))]; !ok {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
			}
			src.samples = append(src.samples, sample{
				path:  filepath.Join(dir, d, f.Name()),
				label: label,
				mtime: info.ModTime().UnixNano(),
			})
		}
	}
	return src, nil
}

// Classes returns the normalized class names in label order.
func (s *DirectorySource) Classes() []string {
	return append([]string(nil), s.classes...)
}

// Len returns the number of images.
func (s *DirectorySource) Len() int {
	return len(s.samples)
}

// Batches yields one full pass over the directory. The final batch may be
// short. A pass is never cut short; callers stop between passes.
func (s *DirectorySource) Batches(_ context.Context) iter.Seq2[Batch, error] {
	order := make([]int, len(s.samples))
	for i := range order {
		order[i] = i
	}
	if s.opts.Shuffle {
		s.mu.Lock()
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		s.mu.Unlock()
	}
	return func(yield func(Batch, error) bool) {
		for start := 0; start < len(order); start += s.opts.BatchSize {
			end := min(start+s.opts.BatchSize, len(order))
			b := Batch{
				Images: make([]Image, 0, end-start),
				Labels: make([]int, 0, end-start),
			}
			for _, idx := range order[start:end] {
				smp := s.samples[idx]
				b.Images = append(b.Images, &fileImage{sample: smp, size: s.opts.TargetSize, mean: s.opts.Mean, std: s.opts.Std})
				b.Labels = append(b.Labels, smp.label)
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// fileImage decodes an image file on demand.
type fileImage struct {
	sample
	size      int
	mean, std [3]float32
}

func (f *fileImage) Key() string {
	return f.path + "@" + strconv.Itoa(f.size) + "#" + strconv.FormatInt(f.mtime, 10)
}

func (f *fileImage) Pixels() ([]float32, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return ToCHW(img, f.size, f.mean, f.std), nil
}

// ToCHW resizes img to size x size with bilinear interpolation and returns
// channel-major RGB values scaled to [0,1] and normalized by mean and std.
func ToCHW(img image.Image, size int, mean, std [3]float32) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := dst.PixOffset(x, y)
			p := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(dst.Pix[off+c]) / 255
				sd := std[c]
				if sd == 0 {
					sd = 1
				}
				out[c*plane+p] = (v - mean[c]) / sd
			}
		}
	}
	return out
}
