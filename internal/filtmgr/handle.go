package filtmgr

import (
	"sync"
	"sync/atomic"

	"github.com/armon/bloomd/internal/bloomstore"
)

// filterHandle wraps one Bloom filter with the read/write lock, activity
// flags, and deletion intent spec'd for FilterHandle. It has no public
// operations of its own; all access goes through Manager.
type filterHandle struct {
	filter       *bloomstore.Filter
	customConfig *bloomstore.Config // nil when using the manager's default

	rwlock sync.RWMutex

	isActive     atomic.Bool
	isHot        atomic.Bool
	shouldDelete atomic.Bool
}

func newFilterHandle(filter *bloomstore.Filter, customConfig *bloomstore.Config) *filterHandle {
	h := &filterHandle{
		filter:       filter,
		customConfig: customConfig,
	}
	h.isActive.Store(true)
	// A just-created filter starts hot, matching add_filter's is_hot=1 on
	// creation: it shouldn't be reported by the very next list_cold sweep.
	h.isHot.Store(true)
	return h
}

// destroy runs the destruction protocol: destroy-or-close the underlying
// filter depending on shouldDelete, release the custom config, then the
// handle itself. Only the reaper calls this, and only once a handle is no
// longer reachable from the head version.
func (h *filterHandle) destroy() error {
	var err error
	if h.shouldDelete.Load() {
		err = h.filter.Delete()
	} else {
		err = h.filter.Close()
	}

	if destroyErr := h.filter.Destroy(); err == nil {
		err = destroyErr
	}

	h.customConfig = nil
	return err
}
