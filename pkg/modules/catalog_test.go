package modules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/stream"
)

func newTestCatalog(t *testing.T, src *fakeSource) (*Catalog, *cachestore.Cache, string) {
	t.Helper()
	enum, cache := newTestEnumerator(src)
	lockDir := t.TempDir()
	guard := flight.New(flight.Options{LockDir: lockDir, Persistent: []string{cachestore.KeyModules}})
	return NewCatalog(enum, cache, guard, nil), cache, lockDir
}

func TestCatalog_StreamReplaysFreshCache(t *testing.T) {
	src := &fakeSource{}
	cat, cache, _ := newTestCatalog(t, src)
	require.NoError(t, cache.Write(cachestore.KeyModules, BuildSnapshot([]Family{
		{Name: "GCC", Category: "Compilers", Description: "GNU compilers"},
		{Name: "zlib", Category: CategoryMisc},
	})))

	rec := &stream.Recorder{}
	require.NoError(t, cat.Stream(context.Background(), rec, false))

	assert.Equal(t, []string{stream.TypeProgress, stream.TypeItem, stream.TypeItem, stream.TypeComplete}, rec.Types())
	assert.Empty(t, src.described())

	sum := rec.Events()[3].Data.(stream.Complete).Summary.(Summary)
	assert.Equal(t, 2, sum.UniqueCount)
	assert.Equal(t, 1, sum.Described)
}

func TestCatalog_StreamRunsScanWhenEmpty(t *testing.T) {
	listing, descs := manyFamilies(15)
	cat, _, _ := newTestCatalog(t, &fakeSource{listing: listing, descs: descs})

	rec := &stream.Recorder{}
	require.NoError(t, cat.Stream(context.Background(), rec, false))
	cat.Wait()

	assertStreamOrdering(t, rec.Events())
	snap, v := cat.Snapshot()
	assert.True(t, v.Present)
	assert.Equal(t, 15, snap.UniqueCount)
	assert.False(t, cat.InProgress())
}

func TestCatalog_StartIsSingleFlight(t *testing.T) {
	listing, descs := manyFamilies(3)
	src := &fakeSource{listing: listing, descs: descs, block: make(chan struct{})}
	cat, _, _ := newTestCatalog(t, src)

	hub1, started1 := cat.Start(context.Background(), false)
	hub2, started2 := cat.Start(context.Background(), false)

	assert.True(t, started1)
	assert.False(t, started2)
	assert.Same(t, hub1, hub2)
	assert.True(t, cat.InProgress())

	late := &stream.Recorder{}
	done := make(chan error, 1)
	go func() { done <- hub2.Subscribe().Forward(context.Background(), late) }()

	close(src.block)
	cat.Wait()
	require.NoError(t, <-done)

	assert.False(t, cat.InProgress())
	assertStreamOrdering(t, late.Events())
}

func TestCatalog_ClientDisconnectStillWritesCache(t *testing.T) {
	listing, descs := manyFamilies(4)
	src := &fakeSource{listing: listing, descs: descs, block: make(chan struct{})}
	cat, cache, _ := newTestCatalog(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cat.Stream(ctx, &stream.Recorder{}, false)
	assert.ErrorIs(t, err, context.Canceled)

	close(src.block)
	cat.Wait()

	_, err = cache.Read(cachestore.KeyModules)
	assert.NoError(t, err)
}

func TestCatalog_ScanHeldByAnotherProcess(t *testing.T) {
	cat, _, lockDir := newTestCatalog(t, &fakeSource{})

	other := flight.New(flight.Options{LockDir: lockDir, Persistent: []string{cachestore.KeyModules}})
	require.True(t, other.TryAcquire(cachestore.KeyModules))
	defer other.Release(cachestore.KeyModules)

	rec := &stream.Recorder{}
	err := cat.Stream(context.Background(), rec, false)
	assert.ErrorIs(t, err, flight.ErrInProgress)
	assert.Equal(t, []string{stream.TypeError}, rec.Types())
	assert.True(t, cat.InProgress())
}

func TestCatalog_ForcedStreamRescans(t *testing.T) {
	listing, descs := manyFamilies(2)
	src := &fakeSource{listing: listing, descs: descs}
	cat, cache, _ := newTestCatalog(t, src)
	require.NoError(t, cache.Write(cachestore.KeyModules, BuildSnapshot([]Family{{Name: "old", Category: CategoryMisc}})))

	rec := &stream.Recorder{}
	require.NoError(t, cat.Stream(context.Background(), rec, true))
	cat.Wait()

	assert.Len(t, src.described(), 2)
	snap, _ := cat.Snapshot()
	assert.Equal(t, 2, snap.UniqueCount)
}

func TestCatalog_ScanFeedsHubAndEmitter(t *testing.T) {
	listing, descs := manyFamilies(3)
	cat, _, _ := newTestCatalog(t, &fakeSource{listing: listing, descs: descs})

	rec := &stream.Recorder{}
	_, sum, err := cat.Scan(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.UniqueCount)
	assertStreamOrdering(t, rec.Events())
	assert.Nil(t, cat.activeHub())
}

func TestCatalog_FollowsScanClaimedBeforeItStarts(t *testing.T) {
	listing, descs := manyFamilies(3)
	cat, _, _ := newTestCatalog(t, &fakeSource{listing: listing, descs: descs})

	// The refresh scheduler claims the key and prepares before its runner
	// gets to Scan.
	require.True(t, cat.guard.TryAcquire(cachestore.KeyModules))
	cat.Prepare()

	hub, started := cat.Start(context.Background(), false)
	require.NotNil(t, hub, "follower joins the claimed scan")
	assert.False(t, started)

	rec := &stream.Recorder{}
	done := make(chan error, 1)
	go func() { done <- hub.Subscribe().Forward(context.Background(), rec) }()

	_, _, err := cat.Scan(context.Background(), nil)
	require.NoError(t, err)
	cat.guard.Release(cachestore.KeyModules)

	require.NoError(t, <-done)
	assertStreamOrdering(t, rec.Events())
	assert.Nil(t, cat.activeHub())
}

func TestCatalog_WaitsForLocalScanHub(t *testing.T) {
	listing, descs := manyFamilies(2)
	src := &fakeSource{listing: listing, descs: descs, block: make(chan struct{})}
	cat, _, _ := newTestCatalog(t, src)

	require.True(t, cat.guard.TryAcquire(cachestore.KeyModules))

	scanned := make(chan error, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _, err := cat.Scan(context.Background(), nil)
		cat.guard.Release(cachestore.KeyModules)
		scanned <- err
	}()

	hub, started := cat.Start(context.Background(), false)
	require.NotNil(t, hub)
	assert.False(t, started)

	rec := &stream.Recorder{}
	done := make(chan error, 1)
	go func() { done <- hub.Subscribe().Forward(context.Background(), rec) }()

	close(src.block)
	require.NoError(t, <-scanned)
	require.NoError(t, <-done)
	assertStreamOrdering(t, rec.Events())
}

func TestCatalog_StaleClaimWithoutHubGivesUp(t *testing.T) {
	cat, _, _ := newTestCatalog(t, &fakeSource{})
	require.True(t, cat.guard.TryAcquire(cachestore.KeyModules))
	defer cat.guard.Release(cachestore.KeyModules)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	hub, started := cat.Start(ctx, false)
	assert.Nil(t, hub)
	assert.False(t, started)
}
