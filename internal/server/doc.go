// Package server hosts the Fiber HTTP service and the middleware chain shared
// by every route: panic recovery, CORS, request ids, one structured access log
// line per request, and JSON rendering for unknown routes and handler errors.
// Route handlers live in the routes subpackage and are mounted through
// AppOptions.Routes so the not-found fallback is always registered last.
package server
