// Package server hosts the Fiber HTTP service that exposes the memory bank
// operations (project/file listing, read, write, update, append, log and the
// version history endpoints) over JSON. Handlers are thin: they validate the
// request body, call a store.Store (normally the read-through cache) and map
// comma-ok absence to 404/409 responses. The package also owns the request-id
// and access-log middleware; diagnostics routes live in the routes subpackage.
package server
