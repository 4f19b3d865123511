// Package server hosts the Fiber HTTP service: the request middleware chain,
// the session registry that pins each request to a generation, and the shared
// upstream HTTP client. Every path outside the control namespace (/-/ and
// /manifest.webmanifest) is resolved to a Route and handed to a ProxyHandler,
// normally the fetch interceptor in package proxy. Control endpoints live in
// the routes subpackage so this package keeps its exports narrow.
package server
