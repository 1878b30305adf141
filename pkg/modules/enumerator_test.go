package modules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/clock"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/gateway/gatewaytest"
	"github.com/3leaps/hpcdash/pkg/stream"
)

type fakeSource struct {
	listing string
	listErr error
	descs   map[string]string
	fail    map[string]bool
	block   chan struct{}

	mu    sync.Mutex
	calls []string
}

func (f *fakeSource) ListFamilies(ctx context.Context) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.listing, f.listErr
}

func (f *fakeSource) Describe(_ context.Context, family string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, family)
	f.mu.Unlock()
	if f.fail[family] {
		return "", &gateway.CommandError{Kind: gateway.KindTimeout, Command: "module-describe"}
	}
	return f.descs[family], nil
}

func (f *fakeSource) described() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func manyFamilies(n int) (string, map[string]string) {
	var b strings.Builder
	descs := map[string]string{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("pkg%02d", i)
		fmt.Fprintf(&b, "%s/1.0\n%s/1.10\n", name, name)
		descs[name] = "Description of " + name
	}
	return b.String(), descs
}

func newTestEnumerator(src Source) (*Enumerator, *cachestore.Cache) {
	cache := cachestore.New(cachestore.NewMemoryStore(), cachestore.WithClock(clock.NewFake(time.Now())))
	return &Enumerator{
		Source:       src,
		Cache:        cache,
		Descriptions: cachestore.NewCollection[string](cache, cachestore.KeyDescriptions),
		Categorizer:  NewCategorizer(map[string]string{"pkg00": "Tools"}, nil),
		Workers:      4,
	}, cache
}

// assertStreamOrdering checks that every item_update follows an item with the
// same key and nothing follows complete.
func assertStreamOrdering(t *testing.T, events []stream.Event) {
	t.Helper()
	seen := map[string]bool{}
	completed := false
	for i, ev := range events {
		require.False(t, completed, "event %d (%s) after complete", i, ev.Type)
		switch ev.Type {
		case stream.TypeItem:
			seen[ev.Key()] = true
		case stream.TypeItemUpdate:
			assert.True(t, seen[ev.Key()], "item_update for %q before its item", ev.Key())
		case stream.TypeComplete:
			completed = true
		}
	}
	assert.True(t, completed, "stream never completed")
}

func TestEnumerator_StreamOrdering(t *testing.T) {
	listing, descs := manyFamilies(25)
	src := &fakeSource{listing: listing, descs: descs}
	enum, cache := newTestEnumerator(src)
	rec := &stream.Recorder{}

	snap, sum, err := enum.Run(context.Background(), "scan-1", rec)
	require.NoError(t, err)

	events := rec.Events()
	assertStreamOrdering(t, events)

	items, updates, progress := 0, 0, 0
	for _, ev := range events {
		switch ev.Type {
		case stream.TypeItem:
			items++
			assert.Empty(t, ev.Data.(stream.Item).Record.(Family).Description)
		case stream.TypeItemUpdate:
			updates++
		case stream.TypeProgress:
			progress++
		}
	}
	assert.Equal(t, 25, items)
	assert.Equal(t, 25, updates)
	// listing, found, then every 10 of 25 plus the final count
	assert.Equal(t, 5, progress)

	assert.Equal(t, StateComplete, enum.State())
	assert.Equal(t, 25, sum.UniqueCount)
	assert.Equal(t, 25, sum.Fetched)
	assert.Equal(t, 25, sum.Described)
	assert.Equal(t, 25, snap.UniqueCount)
	assert.Equal(t, []string{"Tools", CategoryMisc}, snap.CategoryOrder)

	var cached Snapshot
	v := cache.Lookup(cachestore.KeyModules, &cached)
	require.True(t, v.Present)
	assert.False(t, v.Stale)
	assert.Equal(t, 25, cached.UniqueCount)
	assert.Equal(t, []string{"pkg03/1.0", "pkg03/1.10"}, cached.ModulesByCategory[CategoryMisc][2].Versions)

	last := events[len(events)-1]
	assert.Equal(t, 25, last.Data.(stream.Complete).Summary.(Summary).UniqueCount)
}

func TestEnumerator_FailedDetailsAreSkipped(t *testing.T) {
	listing, descs := manyFamilies(12)
	src := &fakeSource{listing: listing, descs: descs, fail: map[string]bool{"pkg03": true, "pkg07": true}}
	enum, _ := newTestEnumerator(src)

	snap, sum, err := enum.Run(context.Background(), "scan-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 10, sum.Fetched)
	assert.Equal(t, 12, snap.UniqueCount)
	assert.False(t, enum.Descriptions.Has("pkg03"))
	assert.True(t, enum.Descriptions.Has("pkg04"))
}

func TestEnumerator_CachedDescriptionsSkipFetch(t *testing.T) {
	listing, descs := manyFamilies(5)
	src := &fakeSource{listing: listing, descs: descs}
	enum, _ := newTestEnumerator(src)

	_, err := enum.Descriptions.Merge(map[string]string{"pkg00": "cached zero", "pkg01": ""})
	require.NoError(t, err)

	rec := &stream.Recorder{}
	snap, sum, err := enum.Run(context.Background(), "scan-1", rec)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"pkg02", "pkg03", "pkg04"}, src.described())
	assert.Equal(t, 2, sum.Cached)
	assert.Equal(t, 3, sum.Fetched)
	assert.Equal(t, 4, sum.Described)
	assertStreamOrdering(t, rec.Events())

	for _, m := range snap.Modules {
		if m.Name == "pkg00" {
			assert.Equal(t, "cached zero", m.Description)
		}
	}
}

func TestEnumerator_SecondRunFetchesNothing(t *testing.T) {
	listing, descs := manyFamilies(8)
	src := &fakeSource{listing: listing, descs: descs}
	enum, _ := newTestEnumerator(src)

	_, _, err := enum.Run(context.Background(), "scan-1", nil)
	require.NoError(t, err)
	before, err := enum.Descriptions.All()
	require.NoError(t, err)

	_, sum, err := enum.Run(context.Background(), "scan-2", nil)
	require.NoError(t, err)
	after, err := enum.Descriptions.All()
	require.NoError(t, err)

	assert.Len(t, src.described(), 8)
	assert.Equal(t, 8, sum.Cached)
	assert.Equal(t, before, after)
}

func TestEnumerator_DescriptionsPersistLeniently(t *testing.T) {
	listing, descs := manyFamilies(3)
	src := &fakeSource{listing: listing, descs: descs}
	enum, _ := newTestEnumerator(src)
	_, err := enum.Descriptions.Merge(map[string]string{"retired": "gone from the listing"})
	require.NoError(t, err)

	_, _, err = enum.Run(context.Background(), "scan-1", nil)
	require.NoError(t, err)
	assert.True(t, enum.Descriptions.Has("retired"))

	enum.PruneDescriptions = true
	_, sum, err := enum.Run(context.Background(), "scan-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pruned)
	assert.False(t, enum.Descriptions.Has("retired"))
	assert.True(t, enum.Descriptions.Has("pkg00"))
}

func TestEnumerator_ListingFailure(t *testing.T) {
	src := &fakeSource{listErr: &gateway.CommandError{Kind: gateway.KindBinaryNotFound, Command: "module-spider"}}
	enum, cache := newTestEnumerator(src)
	rec := &stream.Recorder{}

	_, _, err := enum.Run(context.Background(), "scan-1", rec)
	require.Error(t, err)
	assert.True(t, gateway.IsKind(err, gateway.KindBinaryNotFound))
	assert.Equal(t, StateError, enum.State())

	events := rec.Events()
	last := events[len(events)-1]
	assert.Equal(t, stream.TypeError, last.Type)
	assert.Contains(t, last.Data.(stream.Error).Message, "binary not found")

	_, err = cache.Read(cachestore.KeyModules)
	assert.ErrorIs(t, err, cachestore.ErrEmpty)
}

func TestEnumerator_EmptyListing(t *testing.T) {
	enum, _ := newTestEnumerator(&fakeSource{listing: "\n"})
	_, _, err := enum.Run(context.Background(), "scan-1", nil)
	assert.ErrorIs(t, err, ErrNoFamilies)
}

func TestEnumerator_ListenerFailureDoesNotAbort(t *testing.T) {
	listing, descs := manyFamilies(6)
	enum, cache := newTestEnumerator(&fakeSource{listing: listing, descs: descs})

	var calls int
	broken := stream.EmitterFunc(func(context.Context, stream.Event) error {
		calls++
		return errors.New("client went away")
	})

	_, sum, err := enum.Run(context.Background(), "scan-1", broken)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 6, sum.Fetched)

	_, err = cache.Read(cachestore.KeyModules)
	assert.NoError(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fetching_details", StateFetchingDetails.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestLmodSource(t *testing.T) {
	fake := gatewaytest.New().
		On("module-spider", "GCC/12.2.0\n").
		On("module-describe", "  Description:\n    GNU compilers\n\n")
	src := &LmodSource{Runner: &gateway.ModuleRunner{Runner: fake, InitScript: "/etc/profile.d/lmod.sh"}}

	listing, err := src.ListFamilies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GCC/12.2.0\n", listing)

	desc, err := src.Describe(context.Background(), "GCC")
	require.NoError(t, err)
	assert.Equal(t, "GNU compilers", desc)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].StderrFallback)
	assert.Equal(t, "-l", calls[0].Args[0])
	assert.Contains(t, calls[0].Args[2], "module -t spider")
	assert.Contains(t, calls[1].Args[2], "module --redirect spider GCC")
	assert.Equal(t, DefaultDetailTimeout, calls[1].Timeout)
}
