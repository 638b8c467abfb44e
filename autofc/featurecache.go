package autofc

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// featureCache keeps backbone outputs per image. Entries live in memory and,
// when dir is set, as little-endian files (uint32 length + float32 values)
// named after sha1(namespace|image key).
type featureCache struct {
	namespace string
	dir       string
	width     int

	mu  sync.RWMutex
	mem map[string][]float32
}

func newFeatureCache(cfg BackboneConfig) (*featureCache, error) {
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &featureCache{
		namespace: cfg.ModelID + "|" + cfg.OutputName,
		dir:       cfg.CacheDir,
		width:     cfg.FeatureDim,
		mem:       make(map[string][]float32),
	}, nil
}

func (c *featureCache) digest(imageKey string) string {
	sum := sha1.Sum([]byte(c.namespace + "|" + imageKey))
	return hex.EncodeToString(sum[:])
}

// lookup returns a private copy of the cached vector. Disk hits of the wrong
// width are ignored.
func (c *featureCache) lookup(imageKey string) ([]float32, bool) {
	d := c.digest(imageKey)
	c.mu.RLock()
	vec, ok := c.mem[d]
	c.mu.RUnlock()
	if ok {
		return slices.Clone(vec), true
	}
	vec, err := c.readFile(d)
	if err != nil || len(vec) != c.width {
		return nil, false
	}
	c.remember(d, vec)
	return vec, true
}

// store records vec in memory and, best effort, on disk.
func (c *featureCache) store(imageKey string, vec []float32) {
	d := c.digest(imageKey)
	c.remember(d, vec)
	if c.dir == "" {
		return
	}
	_ = replaceFile(c.path(d), func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(vec))); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, vec); err != nil {
			return err
		}
		return bw.Flush()
	})
}

func (c *featureCache) remember(d string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem != nil {
		c.mem[d] = slices.Clone(vec)
	}
}

func (c *featureCache) readFile(d string) ([]float32, error) {
	if c.dir == "" {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(c.path(d))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int(n) != c.width {
		return nil, fmt.Errorf("cached vector has %d values, want %d", n, c.width)
	}
	vec := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (c *featureCache) path(d string) string {
	return filepath.Join(c.dir, d+".bin")
}

func (c *featureCache) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem = nil
}
