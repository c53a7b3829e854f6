// Package cache wraps a store.Store with an in-memory, TTL-bounded read-through
// cache. Reads of current content and of individual versions are answered from
// an instance-owned map while fresh; every mutation first drops the affected
// keys and then delegates to the wrapped store, so the next read always goes
// back to disk. Absence is never cached, listings are never cached, and
// expired entries are discarded lazily on their next lookup.
package cache
