// Package cache owns the local disk cache that sits in front of the remote
// blob store. Every logical media identifier is hashed into a fixed-width hex
// key and stored as a flat file directly under the cache directory; the file
// modification time doubles as the cache timestamp, so there is no index or
// manifest to keep in sync. Writes go through temp file + rename, freshness is
// checked on every read, and stale entries are evicted lazily on read or in
// bulk by SweepExpired / Sweeper.
package cache
