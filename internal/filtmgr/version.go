package filtmgr

import "sync/atomic"

// directoryVersion is a snapshot of the name to FilterHandle directory: a
// version number, the mapping itself, an optional tombstone handle, and a
// back-link to the version it was derived from. entries is immutable once
// a version is published; tombstone is the one exception, written on a
// version just before it is superseded (see below).
type directoryVersion struct {
	vsn     uint64
	entries map[string]*filterHandle

	// tombstone holds a handle dropped or cleared while this version was
	// still head, set on the outgoing head immediately before deriving
	// and publishing its successor -- not on the successor itself. The
	// reaper destroys it once this version is detached and cools, which
	// happens on the very next cycle after the successor is published,
	// with no further mutation required.
	tombstone *filterHandle

	prev *directoryVersion

	isHot atomic.Bool
}

func newInitialVersion(entries map[string]*filterHandle) *directoryVersion {
	if entries == nil {
		entries = make(map[string]*filterHandle)
	}
	return &directoryVersion{vsn: 1, entries: entries}
}

// derive builds a new version by copying v's mapping entries verbatim
// (same handle identities, not the handles themselves) into a fresh map,
// ready for exactly one local edit before being published.
func (v *directoryVersion) derive(vsn uint64) *directoryVersion {
	entries := make(map[string]*filterHandle, len(v.entries))
	for name, h := range v.entries {
		entries[name] = h
	}
	return &directoryVersion{vsn: vsn, entries: entries, prev: v}
}

// takeFilter implements the resolution algorithm: mark v hot, look up
// name, and return the handle only if it is present and active. It never
// walks prev -- readers see the directory exactly as of the version they
// sampled.
func (v *directoryVersion) takeFilter(name string) *filterHandle {
	v.isHot.Store(true)

	h, ok := v.entries[name]
	if !ok || !h.isActive.Load() {
		return nil
	}
	return h
}
