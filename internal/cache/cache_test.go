package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/any-hub/memory-bank/internal/store"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLoadServedFromCacheWithinTTL(t *testing.T) {
	c, backend, _ := newTestCache(t)
	ctx := context.Background()
	mustCreate(t, backend, "demo", "notes.md", "v1")

	for i := 0; i < 3; i++ {
		content, ok, err := c.Load(ctx, "demo", "notes.md")
		if err != nil || !ok || content != "v1" {
			t.Fatalf("load %d: %q ok=%v err=%v", i, content, ok, err)
		}
	}
	if backend.loads != 1 {
		t.Fatalf("expected a single backend load within TTL, got %d", backend.loads)
	}
	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Entries != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLoadRefetchesAfterTTL(t *testing.T) {
	c, backend, clock := newTestCache(t, WithTTL(time.Minute))
	ctx := context.Background()
	mustCreate(t, backend, "demo", "notes.md", "v1")

	if _, _, err := c.Load(ctx, "demo", "notes.md"); err != nil {
		t.Fatalf("load error: %v", err)
	}
	clock.advance(59 * time.Second)
	if _, _, err := c.Load(ctx, "demo", "notes.md"); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if backend.loads != 1 {
		t.Fatalf("entry should still be fresh, got %d backend loads", backend.loads)
	}

	clock.advance(time.Second)
	if _, _, err := c.Load(ctx, "demo", "notes.md"); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if backend.loads != 2 {
		t.Fatalf("entry at exactly TTL should be expired, got %d backend loads", backend.loads)
	}
}

func TestDefaultTTL(t *testing.T) {
	c := New(store.NewStoreFs(afero.NewMemMapFs()))
	if c.Stats().TTL != 30*time.Minute {
		t.Fatalf("default TTL should be 30m, got %v", c.Stats().TTL)
	}
}

func TestMutationsForceReload(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(ctx context.Context, c *Cache, versionID string) error
		want   string
	}{
		{"update", func(ctx context.Context, c *Cache, _ string) error {
			_, _, err := c.Update(ctx, "demo", "notes.md", "v3")
			return err
		}, "v3"},
		{"create on existing", func(ctx context.Context, c *Cache, _ string) error {
			_, _, err := c.Create(ctx, "demo", "notes.md", "ignored")
			return err
		}, "v2"},
		{"append", func(ctx context.Context, c *Cache, _ string) error {
			return c.Append(ctx, "demo", "notes.md", "more")
		}, "v2\nmore"},
		{"log", func(ctx context.Context, c *Cache, _ string) error {
			return c.Log(ctx, "demo", "notes.md", "entry")
		}, "v2\n=== LOG ENTRY 2024-03-01T12:00:01.000Z ===\nentry\n=================="},
		{"revert", func(ctx context.Context, c *Cache, versionID string) error {
			_, _, err := c.Revert(ctx, "demo", "notes.md", versionID)
			return err
		}, "v1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, backend, _ := newTestCache(t)
			ctx := context.Background()
			mustCreate(t, backend, "demo", "notes.md", "v1")
			if _, _, err := backend.Update(ctx, "demo", "notes.md", "v2"); err != nil {
				t.Fatalf("seed update error: %v", err)
			}
			versions, err := backend.ListVersions(ctx, "demo", "notes.md")
			if err != nil || len(versions) != 1 {
				t.Fatalf("seed versions: %v err=%v", versions, err)
			}

			if _, _, err := c.Load(ctx, "demo", "notes.md"); err != nil {
				t.Fatalf("warm load error: %v", err)
			}
			before := backend.loads

			if err := tc.mutate(ctx, c, versions[0].ID); err != nil {
				t.Fatalf("mutation error: %v", err)
			}
			content, ok, err := c.Load(ctx, "demo", "notes.md")
			if err != nil || !ok {
				t.Fatalf("load after mutation: ok=%v err=%v", ok, err)
			}
			if backend.loads != before+1 {
				t.Fatalf("load after mutation must hit the backend, loads %d -> %d", before, backend.loads)
			}
			if content != tc.want {
				t.Fatalf("stale read: got %q want %q", content, tc.want)
			}
		})
	}
}

func TestAbsentIsNeverCached(t *testing.T) {
	c, backend, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, ok, err := c.Load(ctx, "demo", "missing.md"); err != nil || ok {
			t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
		}
	}
	if backend.loads != 2 {
		t.Fatalf("absent results must not be cached, got %d backend loads", backend.loads)
	}
	if c.Len() != 0 {
		t.Fatalf("cache should be empty, got %d entries", c.Len())
	}
}

func TestGetVersionCachedUntilUpdate(t *testing.T) {
	c, backend, _ := newTestCache(t)
	ctx := context.Background()
	mustCreate(t, backend, "demo", "notes.md", "v1")
	if _, _, err := c.Update(ctx, "demo", "notes.md", "v2"); err != nil {
		t.Fatalf("update error: %v", err)
	}
	versions, _ := c.ListVersions(ctx, "demo", "notes.md")
	id := versions[0].ID

	for i := 0; i < 2; i++ {
		content, ok, err := c.GetVersion(ctx, "demo", "notes.md", id)
		if err != nil || !ok || content != "v1" {
			t.Fatalf("get version: %q ok=%v err=%v", content, ok, err)
		}
	}
	if backend.versionReads != 1 {
		t.Fatalf("version content should be cached, got %d reads", backend.versionReads)
	}

	if _, _, err := c.Update(ctx, "demo", "notes.md", "v3"); err != nil {
		t.Fatalf("update error: %v", err)
	}
	if _, _, err := c.GetVersion(ctx, "demo", "notes.md", id); err != nil {
		t.Fatalf("get version error: %v", err)
	}
	if backend.versionReads != 2 {
		t.Fatalf("update should drop version entries, got %d reads", backend.versionReads)
	}
}

func TestGetVersionRejectsForeignFile(t *testing.T) {
	c, backend, _ := newTestCache(t)
	ctx := context.Background()
	mustCreate(t, backend, "demo", "notes.md", "v1")
	mustCreate(t, backend, "demo", "other.md", "o1")
	if _, _, err := c.Update(ctx, "demo", "notes.md", "v2"); err != nil {
		t.Fatalf("update error: %v", err)
	}
	versions, _ := c.ListVersions(ctx, "demo", "notes.md")
	id := versions[0].ID

	if _, ok, err := c.GetVersion(ctx, "demo", "notes.md", id); err != nil || !ok {
		t.Fatalf("get version: ok=%v err=%v", ok, err)
	}
	content, ok, err := c.GetVersion(ctx, "demo", "other.md", id)
	if err != nil || ok || content != "" {
		t.Fatalf("version of notes.md must be absent for other.md, got %q ok=%v err=%v", content, ok, err)
	}
	if _, backendOK, _ := backend.GetVersion(ctx, "demo", "other.md", id); backendOK != ok {
		t.Fatalf("cache and store disagree: store ok=%v cache ok=%v", backendOK, ok)
	}
}

func TestListFilesInvalidatesProject(t *testing.T) {
	c, backend, _ := newTestCache(t)
	ctx := context.Background()
	mustCreate(t, backend, "demo", "a.md", "a")
	mustCreate(t, backend, "demo", "b.md", "b")
	mustCreate(t, backend, "demo-2", "a.md", "other")

	for _, key := range [][2]string{{"demo", "a.md"}, {"demo", "b.md"}, {"demo-2", "a.md"}} {
		if _, _, err := c.Load(ctx, key[0], key[1]); err != nil {
			t.Fatalf("load error: %v", err)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}

	files, err := c.ListFiles(ctx, "demo")
	if err != nil || len(files) != 2 {
		t.Fatalf("list files: %v err=%v", files, err)
	}
	if c.Len() != 1 {
		t.Fatalf("only the demo project should be dropped, got %d entries", c.Len())
	}
}

func TestCleanupDropsProjectAndVersions(t *testing.T) {
	c, backend, _ := newTestCache(t)
	ctx := context.Background()
	mustCreate(t, backend, "demo", "notes.md", "v1")
	if _, _, err := c.Update(ctx, "demo", "notes.md", "v2"); err != nil {
		t.Fatalf("update error: %v", err)
	}
	versions, _ := c.ListVersions(ctx, "demo", "notes.md")
	id := versions[0].ID
	if _, _, err := c.GetVersion(ctx, "demo", "notes.md", id); err != nil {
		t.Fatalf("get version error: %v", err)
	}
	if _, _, err := c.Load(ctx, "demo", "notes.md"); err != nil {
		t.Fatalf("load error: %v", err)
	}

	if err := c.Cleanup(ctx, "demo", "notes.md", 0); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("cleanup should drop project entries, got %d", c.Len())
	}
	if _, ok, err := c.GetVersion(ctx, "demo", "notes.md", id); err != nil || ok {
		t.Fatalf("pruned version must not be served from cache, ok=%v err=%v", ok, err)
	}
}

func TestBackendErrorLeavesCacheUntouched(t *testing.T) {
	backend := &countingStore{Store: store.NewStoreFs(afero.NewMemMapFs()), failLoads: true}
	c := New(backend)

	if _, _, err := c.Load(context.Background(), "demo", "notes.md"); !errors.Is(err, errBoom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed load must not populate the cache")
	}
}

func TestRevertScenario(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	if content, ok, err := c.Create(ctx, "demo", "notes.md", "v1"); err != nil || !ok || content != "v1" {
		t.Fatalf("create: %q ok=%v err=%v", content, ok, err)
	}
	if content, ok, err := c.Update(ctx, "demo", "notes.md", "v2"); err != nil || !ok || content != "v2" {
		t.Fatalf("update: %q ok=%v err=%v", content, ok, err)
	}
	versions, err := c.ListVersions(ctx, "demo", "notes.md")
	if err != nil || len(versions) != 1 {
		t.Fatalf("versions: %v err=%v", versions, err)
	}
	if content, _, _ := c.GetVersion(ctx, "demo", "notes.md", versions[0].ID); content != "v1" {
		t.Fatalf("version content: %q", content)
	}

	if content, ok, err := c.Revert(ctx, "demo", "notes.md", versions[0].ID); err != nil || !ok || content != "v1" {
		t.Fatalf("revert: %q ok=%v err=%v", content, ok, err)
	}
	if content, _, _ := c.Load(ctx, "demo", "notes.md"); content != "v1" {
		t.Fatalf("current after revert: %q", content)
	}
	versions, _ = c.ListVersions(ctx, "demo", "notes.md")
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions after revert, got %d", len(versions))
	}
	if content, _, _ := c.GetVersion(ctx, "demo", "notes.md", versions[0].ID); content != "v2" {
		t.Fatalf("newest version should be the pre-revert v2, got %q", content)
	}
}

var errBoom = errors.New("boom")

// countingStore records how often reads reach the wrapped store.
type countingStore struct {
	store.Store
	loads        int
	versionReads int
	failLoads    bool
}

func (s *countingStore) Load(ctx context.Context, project, file string) (string, bool, error) {
	s.loads++
	if s.failLoads {
		return "", false, errBoom
	}
	return s.Store.Load(ctx, project, file)
}

func (s *countingStore) GetVersion(ctx context.Context, project, file, versionID string) (string, bool, error) {
	s.versionReads++
	return s.Store.GetVersion(ctx, project, file, versionID)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// newTestCache builds a Cache over an in-memory store. The store clock steps
// one second per call so successive updates mint distinct version ids; the
// cache clock only moves when the test advances it.
func newTestCache(t *testing.T, opts ...Option) (*Cache, *countingStore, *fakeClock) {
	t.Helper()
	storeClock := &fakeClock{now: baseTime}
	backend := &countingStore{Store: store.NewStoreFs(afero.NewMemMapFs(), store.WithClock(func() time.Time {
		now := storeClock.now
		storeClock.advance(time.Second)
		return now
	}))}
	clock := &fakeClock{now: baseTime}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(backend, opts...), backend, clock
}

func mustCreate(t *testing.T, s store.Store, project, file, content string) {
	t.Helper()
	if _, ok, err := s.Create(context.Background(), project, file, content); err != nil || !ok {
		t.Fatalf("create %s/%s: ok=%v err=%v", project, file, ok, err)
	}
}
