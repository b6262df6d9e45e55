// Package bloomstore implements the concrete Bloom filter backing that the
// filter manager treats as an external collaborator: an in-memory bitset
// (github.com/willf/bloom) durable on disk, with an mmap-backed proxied
// state so a cold filter can sit on disk without holding its bitset in
// process memory.
package bloomstore

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/willf/bloom"
	"gopkg.in/yaml.v3"
)

// Config holds the parameters used to size a filter's bitset, plus whether
// the filter should ever touch disk at all.
type Config struct {
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	InMemory          bool    `yaml:"in_memory"`
}

// DefaultConfig mirrors the values bloomd has historically shipped with.
var DefaultConfig = Config{
	Capacity:          100_000,
	FalsePositiveRate: 1e-4,
}

const (
	bitmapFileName = "filter.bin"
	configFileName = "config.yaml"
)

// Filter is one on-disk (or purely in-memory) Bloom filter. Every method
// holds Filter's own mutex for its whole duration, so calls on one Filter
// are serialized and the materialize/release transition, IsProxied and
// the disk lifecycle stay internally consistent. The filter manager's
// FilterHandle rwlock additionally orders reads against writes.
type Filter struct {
	name string
	dir  string
	cfg  Config

	mu      sync.Mutex
	bf      *bloom.BloomFilter
	file    *os.File
	mapping mmap.MMap
	proxied bool
}

// Init opens or creates the filter named name under dataDir. isHot mirrors
// the underlying library contract in spec §6: true means "create if
// missing", false means "open existing only".
func Init(dataDir, name string, cfg Config, isHot bool) (*Filter, error) {
	f := &Filter{
		name: name,
		dir:  filepath.Join(dataDir, "bloomd."+name),
		cfg:  cfg,
	}

	if cfg.InMemory {
		f.bf = bloom.NewWithEstimates(cfg.Capacity, cfg.FalsePositiveRate)
		return f, nil
	}

	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create directory for filter %q", name)
	}

	exists, err := fileExists(f.bitmapPath())
	if err != nil {
		return nil, err
	}

	switch {
	case exists:
		if err := f.loadSidecarConfig(); err != nil {
			return nil, err
		}
		f.proxied = true
	case isHot:
		f.bf = bloom.NewWithEstimates(cfg.Capacity, cfg.FalsePositiveRate)
		if err := f.writeSidecarConfig(); err != nil {
			return nil, err
		}
		if err := f.flushLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("filter %q does not exist", name)
	}

	return f, nil
}

func (f *Filter) bitmapPath() string { return filepath.Join(f.dir, bitmapFileName) }
func (f *Filter) configPath() string { return filepath.Join(f.dir, configFileName) }

// Contains reports whether key is (probably) a member of the set.
func (f *Filter) Contains(key []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.materializeLocked(); err != nil {
		return false, err
	}
	return f.bf.Test(key), nil
}

// Add inserts key and reports whether it was newly added (false if it was
// already present, matching the bloomd wire semantics of 0/1).
func (f *Filter) Add(key []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.materializeLocked(); err != nil {
		return false, err
	}
	alreadyPresent := f.bf.TestAndAdd(key)
	return !alreadyPresent, nil
}

// Flush persists the in-memory bitset to disk without releasing it. A
// proxied (unmapped) filter has nothing dirty to flush and is a no-op.
func (f *Filter) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.InMemory || f.proxied {
		return nil
	}
	return f.flushLocked()
}

// Close releases the in-memory bitset and mmap, keeping the on-disk file
// intact. In-memory-only filters have no files to release to, so Close is
// a no-op for them (spec §6 in_memory contract).
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.InMemory {
		return nil
	}
	return f.releaseLocked()
}

// Delete removes the on-disk representation entirely.
func (f *Filter) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.InMemory {
		return nil
	}
	if f.mapping != nil {
		_ = f.mapping.Unmap()
		f.mapping = nil
	}
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	if err := os.RemoveAll(f.dir); err != nil {
		return errors.Wrapf(err, "delete filter %q", f.name)
	}
	return nil
}

// IsProxied reports whether the filter is currently unmapped from memory.
func (f *Filter) IsProxied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.cfg.InMemory && f.proxied
}

// IsInMemory reports whether the filter was created with no on-disk
// backing at all, so it has nothing an Unmap could ever release.
func (f *Filter) IsInMemory() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.InMemory
}

// Destroy releases the handle object itself. Any resident state should
// already have gone through Close or Delete; Destroy is defensive cleanup.
func (f *Filter) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mapping != nil {
		_ = f.mapping.Unmap()
		f.mapping = nil
	}
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	f.bf = nil
	return nil
}

// materializeLocked ensures f.bf is populated, remapping from disk if the
// filter is currently proxied. Callers must hold f.mu.
func (f *Filter) materializeLocked() error {
	if f.cfg.InMemory || !f.proxied {
		return nil
	}

	file, err := os.OpenFile(f.bitmapPath(), os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrapf(err, "reopen filter %q", f.name)
	}

	mapping, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return errors.Wrapf(err, "mmap filter %q", f.name)
	}

	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(mapping)); err != nil {
		mapping.Unmap()
		file.Close()
		return errors.Wrapf(err, "decode filter %q", f.name)
	}

	f.file = file
	f.mapping = mapping
	f.bf = bf
	f.proxied = false
	return nil
}

// flushLocked writes the in-memory bitset to the backing file in place.
// Callers must hold f.mu and know the filter is materialized.
func (f *Filter) flushLocked() error {
	var buf bytes.Buffer
	if _, err := f.bf.WriteTo(&buf); err != nil {
		return errors.Wrapf(err, "serialize filter %q", f.name)
	}

	if err := os.WriteFile(f.bitmapPath(), buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "write filter %q", f.name)
	}
	return nil
}

// releaseLocked flushes and drops the in-memory bitset and mmap, putting
// the filter into its proxied state. Callers must hold f.mu.
func (f *Filter) releaseLocked() error {
	if f.proxied {
		return nil
	}

	if err := f.flushLocked(); err != nil {
		return err
	}

	if f.mapping != nil {
		if err := f.mapping.Unmap(); err != nil {
			return errors.Wrapf(err, "unmap filter %q", f.name)
		}
		f.mapping = nil
	}
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			return errors.Wrapf(err, "close filter %q", f.name)
		}
		f.file = nil
	}
	f.bf = nil
	f.proxied = true
	return nil
}

func (f *Filter) loadSidecarConfig() error {
	data, err := os.ReadFile(f.configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read config for filter %q", f.name)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return errors.Wrapf(err, "parse config for filter %q", f.name)
	}
	f.cfg = cfg
	return nil
}

func (f *Filter) writeSidecarConfig() error {
	data, err := yaml.Marshal(f.cfg)
	if err != nil {
		return errors.Wrapf(err, "encode config for filter %q", f.name)
	}
	if err := os.WriteFile(f.configPath(), data, 0o600); err != nil {
		return errors.Wrapf(err, "write config for filter %q", f.name)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
