package filtmgr

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/armon/bloomd/internal/bloomstore"
)

// folderPrefix is the reserved prefix the loader looks for: a directory
// dataDir/bloomd.<name> holds the persisted state of filter <name>.
const folderPrefix = "bloomd."

// loadExistingFilters scans dataDir for filters left over from a previous
// run and materializes them as non-hot handles for the initial directory
// version. Failures on individual filters are logged and skipped rather
// than aborting the whole scan, so one corrupt filter can't take the
// service down at startup.
func loadExistingFilters(dataDir string, defaultCfg bloomstore.Config, concurrency int, logger logrus.FieldLogger) (map[string]*filterHandle, error) {
	entries := make(map[string]*filterHandle)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), folderPrefix) {
			continue
		}
		names = append(names, strings.TrimPrefix(e.Name(), folderPrefix))
	}

	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)

	for _, name := range names {
		name := name
		g.Go(func() error {
			filter, err := bloomstore.Init(dataDir, name, defaultCfg, false)
			if err != nil {
				logger.WithError(err).WithField("filter", name).
					Warn("skipping filter that failed to load")
				return nil
			}

			handle := newFilterHandle(filter, nil)
			handle.isHot.Store(false)

			mu.Lock()
			entries[name] = handle
			mu.Unlock()
			return nil
		})
	}

	// Individual load failures are swallowed above and every goroutine
	// returns nil, so Wait only waits for them to finish; its error is
	// still propagated should that ever change.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return entries, nil
}
