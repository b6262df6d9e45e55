package filtmgr

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/armon/bloomd/internal/bloomstore"
	"github.com/armon/bloomd/internal/config"
	"github.com/armon/bloomd/internal/metrics"
)

func testManager(t *testing.T) *Manager {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DefaultCapacity = 1000
	cfg.DefaultFalsePositiveRate = 0.01
	cfg.VersionCooldown = 30 * time.Millisecond
	cfg.LoaderConcurrency = 2

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := New(cfg, logger, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return m
}

func TestCreateThenCheckSetKeys(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("users", nil))

	results, err := m.SetKeys("users", [][]byte{[]byte("a"), []byte("b"), []byte("a")})
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, false}, results)

	present, err := m.CheckKeys("users", [][]byte{[]byte("a"), []byte("missing")})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, present)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("dup", nil))
	err := m.Create("dup", nil)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOperationsOnMissingFilterReturnNotFound(t *testing.T) {
	m := testManager(t)

	_, err := m.CheckKeys("ghost", [][]byte{[]byte("k")})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.SetKeys("ghost", [][]byte{[]byte("k")})
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, m.Drop("ghost"), ErrNotFound)
	require.ErrorIs(t, m.Flush("ghost"), ErrNotFound)
	require.ErrorIs(t, m.Unmap("ghost"), ErrNotFound)
}

func TestDropRemovesFromListAllImmediately(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("a", nil))
	require.NoError(t, m.Create("b", nil))
	require.NoError(t, m.Drop("a"))

	require.Equal(t, []string{"b"}, m.ListAll())

	// The name becomes immediately available for reuse (spec's post-drop
	// invariant), even though the old handle may still be cooling down.
	require.NoError(t, m.Create("a", nil))
	require.ElementsMatch(t, []string{"a", "b"}, m.ListAll())
}

func TestClearRequiresProxiedFilter(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("hot", nil))
	err := m.Clear("hot")
	require.ErrorIs(t, err, ErrNotProxied)

	require.NoError(t, m.Unmap("hot"))
	require.NoError(t, m.Clear("hot"))
	require.Empty(t, m.ListAll())
}

func TestFlushThenUnmapRoundTrip(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("f", nil))
	_, err := m.SetKeys("f", [][]byte{[]byte("k1")})
	require.NoError(t, err)

	require.NoError(t, m.Flush("f"))
	require.NoError(t, m.Unmap("f"))

	present, err := m.CheckKeys("f", [][]byte{[]byte("k1")})
	require.NoError(t, err)
	require.Equal(t, []bool{true}, present)
}

func TestListColdRequiresAQuietInterval(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("idle", nil))

	// A freshly created filter starts hot, so the very first sweep should
	// skip it (and clear the flag) rather than reporting it cold.
	cold := m.ListCold()
	require.NotContains(t, cold, "idle")

	// With no activity since, the following sweep reports it cold.
	cold = m.ListCold()
	require.Contains(t, cold, "idle")

	_, err := m.CheckKeys("idle", [][]byte{[]byte("k")})
	require.NoError(t, err)

	// A read just happened, so the next sweep should see it as hot and
	// clear the flag rather than reporting it cold.
	cold = m.ListCold()
	require.NotContains(t, cold, "idle")

	// With no activity since, the following sweep reports it cold again.
	cold = m.ListCold()
	require.Contains(t, cold, "idle")
}

func TestWithFilterExposesRawFilter(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Create("w", nil))

	var sawProxied bool
	err := m.WithFilter("w", func(f *bloomstore.Filter) {
		sawProxied = f.IsProxied()
	})
	require.NoError(t, err)
	require.False(t, sawProxied)
}

func TestReaperReclaimsDroppedFilterAfterCooldown(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("gone", nil))
	require.NoError(t, m.Drop("gone"))

	// The reaper only samples the head once per poll interval (1s,
	// hardcoded), so these waits must span at least a couple of ticks.
	require.Eventually(t, func() bool {
		return m.headVersion().prev == nil
	}, 3*time.Second, 10*time.Millisecond, "reaper should detach the predecessor version")

	// The dropped filter's on-disk data should eventually disappear too,
	// once the tombstoned handle has cooled down and been destroyed.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(m.dataDir, folderPrefix+"gone"))
		return os.IsNotExist(err)
	}, 3*time.Second, 10*time.Millisecond)
}

// Regression test for a re-create landing on a predecessor's tombstone
// before it finalizes: the tombstone must belong to the version being
// replaced, not the one just published, or a same-named re-create can
// reopen stale on-disk data and later have its directory deleted out from
// under it when that stale tombstone is finally reaped.
func TestCreateDropCreateSurvivesReaperReclamation(t *testing.T) {
	m := testManager(t)

	require.NoError(t, m.Create("gone", nil))
	_, err := m.SetKeys("gone", [][]byte{[]byte("stale")})
	require.NoError(t, err)
	require.NoError(t, m.Drop("gone"))

	// Wait until the reaper has actually finalized the drop and removed
	// the on-disk directory -- same pattern as
	// TestReaperReclaimsDroppedFilterAfterCooldown. Create itself succeeds
	// as soon as the name has left the head (reopening any files still on
	// disk), so the directory is what tells the drop apart; absent the fix
	// under test, it would never be removed.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(m.dataDir, folderPrefix+"gone"))
		return os.IsNotExist(err)
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Create("gone", nil))

	present, err := m.CheckKeys("gone", [][]byte{[]byte("stale")})
	require.NoError(t, err)
	require.Equal(t, []bool{false}, present, "re-create must start from an empty filter, not the dropped one's data")

	_, err = m.SetKeys("gone", [][]byte{[]byte("fresh")})
	require.NoError(t, err)

	// Give the reaper several more cycles to work through the resulting
	// predecessor chain. The live re-created "gone" handle must survive
	// untouched throughout -- it must never have been tombstoned.
	require.Never(t, func() bool {
		_, err := m.CheckKeys("gone", [][]byte{[]byte("fresh")})
		return err != nil
	}, 3*time.Second, 50*time.Millisecond, "live re-created filter must not be destroyed by the reaper")

	present, err = m.CheckKeys("gone", [][]byte{[]byte("fresh")})
	require.NoError(t, err)
	require.Equal(t, []bool{true}, present)
}

func TestShutdownStopsReaperAndClosesFilters(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DefaultCapacity = 1000
	cfg.DefaultFalsePositiveRate = 0.01
	cfg.VersionCooldown = 30 * time.Millisecond
	cfg.LoaderConcurrency = 2

	logger := logrus.New()
	m, err := New(cfg, logger, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, m.Create("persist", nil))
	_, err = m.SetKeys("persist", [][]byte{[]byte("k")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	// A second shutdown call would block forever on an already-stopped
	// reaper's channel if stop() weren't idempotent; guard with a timeout.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, m.Shutdown(ctx2))
}

func TestRestartReloadsPersistedFilters(t *testing.T) {
	dataDir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.DefaultCapacity = 1000
	cfg.DefaultFalsePositiveRate = 0.01
	cfg.VersionCooldown = time.Minute
	cfg.LoaderConcurrency = 2

	logger := logrus.New()
	m1, err := New(cfg, logger, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, m1.Create("survivor", nil))
	_, err = m1.SetKeys("survivor", [][]byte{[]byte("k")})
	require.NoError(t, err)
	require.NoError(t, m1.Flush("survivor"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m1.Shutdown(ctx))

	m2, err := New(cfg, logger, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m2.Shutdown(ctx)
	})

	require.Contains(t, m2.ListAll(), "survivor")
	present, err := m2.CheckKeys("survivor", [][]byte{[]byte("k")})
	require.NoError(t, err)
	require.Equal(t, []bool{true}, present)
}

func TestErrorsAreComparableWithErrorsIs(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Create("e", nil))
	require.NoError(t, m.Drop("e"))

	err := m.Drop("e")
	require.True(t, errors.Is(err, ErrNotFound))
}
