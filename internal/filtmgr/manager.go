// Package filtmgr is the in-memory control plane of the Bloom filter
// service: a named, MVCC-versioned directory of filters plus the
// background reaper that reclaims old versions and finalizes deleted
// filters once no reader can still be looking at them.
package filtmgr

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/armon/bloomd/internal/bloomstore"
	"github.com/armon/bloomd/internal/config"
	"github.com/armon/bloomd/internal/metrics"
)

// Manager is the public façade over the filter directory. All mutating
// operations are serialized through writeMu; reads resolve against the
// atomically-published head version and never block behind a mutation.
type Manager struct {
	dataDir       string
	defaultConfig bloomstore.Config

	head    atomic.Pointer[directoryVersion]
	writeMu sync.Mutex
	nextVsn atomic.Uint64

	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	reaper  *reaper
}

// New loads any filters left over in cfg.DataDir from a previous run,
// publishes them as the initial directory version, and starts the reaper.
func New(cfg config.Config, logger logrus.FieldLogger, m *metrics.Metrics) (*Manager, error) {
	defaultCfg := cfg.FilterDefaults()

	entries, err := loadExistingFilters(cfg.DataDir, defaultCfg, cfg.LoaderConcurrency, logger)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{
		dataDir:       cfg.DataDir,
		defaultConfig: defaultCfg,
		logger:        logger,
		metrics:       m,
	}
	mgr.head.Store(newInitialVersion(entries))
	mgr.nextVsn.Store(1)
	m.VersionPublished()
	for range entries {
		m.FilterCreated()
	}

	mgr.reaper = newReaper(mgr.headVersion, cfg.VersionCooldown, logger, m)
	mgr.reaper.start()

	return mgr, nil
}

func (m *Manager) headVersion() *directoryVersion {
	return m.head.Load()
}

func (m *Manager) publish(v *directoryVersion) {
	m.head.Store(v)
	m.metrics.VersionPublished()
}

func (m *Manager) nextVersionID() uint64 {
	return m.nextVsn.Add(1)
}

// Create adds a new, empty filter named name. customConfig may be nil to
// use the manager's default filter parameters.
func (m *Manager) Create(name string, customConfig *bloomstore.Config) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	head := m.headVersion()
	// Presence in the map is the sole test, regardless of is_active --
	// an inactive entry is never left in the head map.
	if _, ok := head.entries[name]; ok {
		return ErrAlreadyExists
	}

	cfg := m.defaultConfig
	if customConfig != nil {
		cfg = *customConfig
	}

	filter, err := bloomstore.Init(m.dataDir, name, cfg, true)
	if err != nil {
		return wrapInternal(err)
	}

	handle := newFilterHandle(filter, customConfig)

	next := head.derive(m.nextVersionID())
	next.entries[name] = handle
	m.publish(next)

	m.metrics.FilterCreated()
	return nil
}

// Drop removes name from the directory and marks its filter for on-disk
// deletion once the reaper finalizes it.
func (m *Manager) Drop(name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	head := m.headVersion()
	handle, ok := head.entries[name]
	if !ok || !handle.isActive.Load() {
		return ErrNotFound
	}

	handle.isActive.Store(false)
	handle.shouldDelete.Store(true)

	// The tombstone goes on the predecessor (the version being replaced),
	// not the new head: the reaper finalizes a version's tombstone when
	// that version itself is reaped, and head is what becomes a
	// predecessor next. Tombstoning next instead would defer finalization
	// until some later mutation republished the directory again.
	head.tombstone = handle

	next := head.derive(m.nextVersionID())
	delete(next.entries, name)
	m.publish(next)

	return nil
}

// Clear removes name from the directory without deleting its on-disk
// data, but only when the filter is currently proxied (unmapped from
// memory) -- clearing a resident filter would silently drop live writes.
func (m *Manager) Clear(name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	head := m.headVersion()
	handle, ok := head.entries[name]
	if !ok || !handle.isActive.Load() {
		return ErrNotFound
	}
	if !handle.filter.IsProxied() {
		return ErrNotProxied
	}

	handle.isActive.Store(false)
	handle.shouldDelete.Store(false)

	// See the comment in Drop: the tombstone belongs to the predecessor.
	head.tombstone = handle

	next := head.derive(m.nextVersionID())
	delete(next.entries, name)
	m.publish(next)

	return nil
}

// Unmap releases name's in-memory bitset while keeping its on-disk file,
// without publishing a new directory version.
func (m *Manager) Unmap(name string) error {
	handle := m.headVersion().takeFilter(name)
	if handle == nil {
		return ErrNotFound
	}

	if handle.filter.IsInMemory() {
		return nil
	}

	handle.rwlock.Lock()
	defer handle.rwlock.Unlock()

	if err := handle.filter.Close(); err != nil {
		return wrapInternal(err)
	}
	return nil
}

// Flush persists name's in-memory bitset to disk.
func (m *Manager) Flush(name string) error {
	handle := m.headVersion().takeFilter(name)
	if handle == nil {
		return ErrNotFound
	}

	handle.rwlock.RLock()
	defer handle.rwlock.RUnlock()

	if err := handle.filter.Flush(); err != nil {
		return wrapInternal(err)
	}
	return nil
}

// CheckKeys tests each key for membership in name's filter. On the first
// underlying error it stops and returns ErrInternal, retaining whatever
// results were produced before the failing key.
func (m *Manager) CheckKeys(name string, keys [][]byte) ([]bool, error) {
	start := time.Now()
	handle := m.headVersion().takeFilter(name)
	if handle == nil {
		return nil, ErrNotFound
	}

	handle.rwlock.RLock()
	defer handle.rwlock.RUnlock()
	defer handle.isHot.Store(true)
	defer func() { m.metrics.ObserveKeyOp("check", time.Since(start)) }()

	results := make([]bool, 0, len(keys))
	for _, key := range keys {
		present, err := handle.filter.Contains(key)
		if err != nil {
			return results, wrapInternal(err)
		}
		results = append(results, present)
	}
	return results, nil
}

// SetKeys adds each key to name's filter. On the first underlying error
// it stops and returns ErrInternal, retaining whatever results were
// produced before the failing key.
func (m *Manager) SetKeys(name string, keys [][]byte) ([]bool, error) {
	start := time.Now()
	handle := m.headVersion().takeFilter(name)
	if handle == nil {
		return nil, ErrNotFound
	}

	handle.rwlock.Lock()
	defer handle.rwlock.Unlock()
	defer handle.isHot.Store(true)
	defer func() { m.metrics.ObserveKeyOp("set", time.Since(start)) }()

	results := make([]bool, 0, len(keys))
	for _, key := range keys {
		added, err := handle.filter.Add(key)
		if err != nil {
			return results, wrapInternal(err)
		}
		results = append(results, added)
	}
	return results, nil
}

// ListAll returns the names of every active filter as of the sampled head.
func (m *Manager) ListAll() []string {
	head := m.headVersion()
	head.isHot.Store(true)

	names := make([]string, 0, len(head.entries))
	for name, h := range head.entries {
		if h.isActive.Load() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListCold returns the names of filters that have seen no activity since
// the previous ListCold call and are not already proxied. Calling it
// clears the hot flag on every entry it inspects, so a filter only
// reappears after a full quiet interval.
func (m *Manager) ListCold() []string {
	head := m.headVersion()
	head.isHot.Store(true)

	var cold []string
	for name, h := range head.entries {
		if !h.isActive.Load() {
			continue
		}
		if h.isHot.Load() {
			h.isHot.Store(false)
			continue
		}
		if h.filter.IsProxied() {
			continue
		}
		cold = append(cold, name)
	}
	sort.Strings(cold)
	for range cold {
		m.metrics.ColdScanHit()
	}
	return cold
}

// WithFilter resolves name and invokes fn with the raw filter reference,
// without taking the handle's lock. fn must treat the filter as read-only
// metadata; it exists so the serving layer can cheaply expose size/stats.
func (m *Manager) WithFilter(name string, fn func(*bloomstore.Filter)) error {
	handle := m.headVersion().takeFilter(name)
	if handle == nil {
		return ErrNotFound
	}
	fn(handle.filter)
	return nil
}

// Shutdown stops the reaper and closes every filter still reachable from
// the head, without deleting any on-disk data -- shutdown never destroys
// files regardless of any drop that raced with it.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.reaper.stopAndWait(ctx); err != nil {
		return err
	}

	head := m.headVersion()
	for name, h := range head.entries {
		h.shouldDelete.Store(false)
		if err := h.filter.Close(); err != nil {
			m.logger.WithError(err).WithField("filter", name).
				Warn("failed to close filter during shutdown")
		}
	}
	return nil
}
