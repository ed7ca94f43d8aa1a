// Package routes mounts the public media API, the health probe, and the
// /-/cache diagnostics onto a Fiber app built by package server.
package routes
