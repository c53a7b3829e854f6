// Package store defines the versioned, disk-backed file store that persists
// StoragePath/<project>/<file> text artifacts. Every Update snapshots the
// previous content as an immutable sibling named <file>.<YYYYMMDDTHHMMSS>Z
// before overwriting, and retention trims each file's history down to the
// configured keepLast newest snapshots. Not-found conditions are reported
// through comma-ok results rather than errors so callers can branch without
// inspecting error values; only I/O failures and invalid names surface as
// errors. The store does not serialise concurrent writers to the same file.
package store
