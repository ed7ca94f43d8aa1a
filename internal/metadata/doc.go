// Package metadata persists what the front end knows about each uploaded
// media item: its public id, the remote file reference it was stored under,
// and the attributes needed to serve it back (content type, name, size).
//
// The store is a single SQLite file opened through modernc.org/sqlite in WAL
// mode. Record.RemoteRef is excluded from JSON encoding so
// handlers can return records to clients as they are.
package metadata
