// Package policy holds the static routing table that classifies every
// intercepted request into one of three fetch policies: cache-first for the
// app shell, network-first with a bounded timeout for dynamic resources, and
// network-only with best-effort caching for opaque resources.
//
// The table is explicit and ordered (first match wins) so the policy applied
// to any route can be asserted directly in tests; there are no implicit
// defaults beyond the single configured fallback profile.
package policy
