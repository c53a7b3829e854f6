package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/memory-bank/internal/store"
)

// DefaultTTL 是缓存条目的默认有效期。
const DefaultTTL = 30 * time.Minute

// Option 调整 Cache 的 TTL、时钟与日志。
type Option func(*Cache)

// WithTTL 覆盖条目有效期，非正数会被忽略。
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock 注入时钟，测试中用于推进过期判断。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 指定命中/失效的调试日志输出。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Stats 汇总缓存命中情况，供诊断接口输出。
type Stats struct {
	Hits    uint64        `json:"hits"`
	Misses  uint64        `json:"misses"`
	Entries int           `json:"entries"`
	TTL     time.Duration `json:"ttl"`
}

type entry struct {
	content  string
	storedAt time.Time
}

// Cache 实现 store.Store，读取优先命中内存，写入先失效再委托给底层存储。
// mu 仅保护 map 本身，不会串行化底层存储的并发写入。
type Cache struct {
	backend store.Store
	ttl     time.Duration
	now     func() time.Time
	logger  logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]entry
	hits    uint64
	misses  uint64
}

var _ store.Store = (*Cache)(nil)

// New 构造包装 backend 的缓存，默认使用 time.Now 作为时钟。
func New(backend store.Store, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  logrus.StandardLogger(),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListProjects 直接委托，目录列表不缓存。
func (c *Cache) ListProjects(ctx context.Context) ([]string, error) {
	return c.backend.ListProjects(ctx)
}

// ListFiles 目录可能被缓存之外的途径修改，因此先清空整个项目的条目再委托。
func (c *Cache) ListFiles(ctx context.Context, project string) ([]string, error) {
	c.invalidateProject(project)
	return c.backend.ListFiles(ctx, project)
}

func (c *Cache) Load(ctx context.Context, project, file string) (string, bool, error) {
	key := currentKey(project, file)
	return c.readThrough(key, func() (string, bool, error) {
		return c.backend.Load(ctx, project, file)
	})
}

// Create 先失效再委托，写入后不回填，下一次 Load 从底层读取权威值。
func (c *Cache) Create(ctx context.Context, project, file, content string) (string, bool, error) {
	c.invalidate(currentKey(project, file))
	return c.backend.Create(ctx, project, file, content)
}

// Update 还会清除该文件的全部版本条目，因为更新会产生新版本并可能触发保留清理。
func (c *Cache) Update(ctx context.Context, project, file, content string) (string, bool, error) {
	c.invalidate(currentKey(project, file))
	c.invalidateVersions(project, file)
	return c.backend.Update(ctx, project, file, content)
}

func (c *Cache) Append(ctx context.Context, project, file, content string) error {
	c.invalidate(currentKey(project, file))
	return c.backend.Append(ctx, project, file, content)
}

func (c *Cache) Log(ctx context.Context, project, file, content string) error {
	c.invalidate(currentKey(project, file))
	return c.backend.Log(ctx, project, file, content)
}

// ListVersions 不缓存，每次 Update 都会改变版本元信息。
func (c *Cache) ListVersions(ctx context.Context, project, file string) ([]store.VersionInfo, error) {
	return c.backend.ListVersions(ctx, project, file)
}

// GetVersion 以版本自身的键缓存，过期规则与 Load 一致。版本号不属于 file 时
// 直接视为不存在，不查缓存。
func (c *Cache) GetVersion(ctx context.Context, project, file, versionID string) (string, bool, error) {
	if !store.VersionPattern(file).MatchString(versionID) {
		return "", false, nil
	}
	key := versionKey(project, versionID)
	return c.readThrough(key, func() (string, bool, error) {
		return c.backend.GetVersion(ctx, project, file, versionID)
	})
}

func (c *Cache) Revert(ctx context.Context, project, file, versionID string) (string, bool, error) {
	c.invalidate(currentKey(project, file))
	c.invalidate(versionKey(project, versionID))
	c.invalidateVersions(project, file)
	return c.backend.Revert(ctx, project, file, versionID)
}

func (c *Cache) Cleanup(ctx context.Context, project, file string, keepLast int) error {
	c.invalidateProject(project)
	c.invalidateVersions(project, file)
	return c.backend.Cleanup(ctx, project, file, keepLast)
}

// Stats 返回当前命中/未命中计数与条目数量（含尚未被惰性清除的过期条目）。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
		TTL:     c.ttl,
	}
}

// Len 返回缓存中的条目数。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge 清空全部条目，计数保留。
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// readThrough 命中有效条目时直接返回；否则调用 fetch，仅在找到内容时回填，
// 不存在时删除旧条目，fetch 失败时不改动缓存。
func (c *Cache) readThrough(key string, fetch func() (string, bool, error)) (string, bool, error) {
	if content, ok := c.lookup(key); ok {
		return content, true, nil
	}

	content, ok, err := fetch()
	if err != nil {
		return "", false, err
	}

	c.mu.Lock()
	if ok {
		c.entries[key] = entry{content: content, storedAt: c.now()}
	} else {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return content, ok, nil
}

func (c *Cache) lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if exists && c.fresh(e) {
		c.hits++
		c.logger.WithFields(logrus.Fields{"action": "cache_lookup", "key": key, "cache_hit": true}).Debug("cache hit")
		return e.content, true
	}
	if exists {
		delete(c.entries, key)
	}
	c.misses++
	c.logger.WithFields(logrus.Fields{"action": "cache_lookup", "key": key, "cache_hit": false}).Debug("cache miss")
	return "", false
}

// fresh 判断条目是否仍在 TTL 窗口内：now - storedAt < ttl。
func (c *Cache) fresh(e entry) bool {
	return c.now().Sub(e.storedAt) < c.ttl
}

func (c *Cache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache) invalidateProject(project string) {
	prefix := project + "/"
	c.deleteMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// invalidateVersions 清除 <project>/<file>.<YYYYMMDDTHHMMSS>Z 形状的版本条目。
func (c *Cache) invalidateVersions(project, file string) {
	prefix := project + "/"
	pattern := store.VersionPattern(file)
	c.deleteMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix) && pattern.MatchString(key[len(prefix):])
	})
}

func (c *Cache) deleteMatching(match func(string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.WithFields(logrus.Fields{"action": "cache_invalidate", "removed": removed}).Debug("cache entries dropped")
	}
}

func currentKey(project, file string) string {
	return project + "/" + file
}

func versionKey(project, versionID string) string {
	return project + "/" + versionID
}
