// Package cache defines the durable key-value store that backs cache
// generations. Entries live in named buckets (one per generation hash plus the
// reserved _meta bucket) and are keyed by request identity (method + URL).
//
// Two drivers are provided: a filesystem store that writes bodies through a
// temp file + rename and keeps a JSON sidecar with entry metadata, and an
// SQLite store built on modernc.org/sqlite for deployments that prefer a
// single database file. Both expose Create as a create-if-absent primitive so
// concurrent processes sharing one StoragePath can race on the same record and
// converge. QuotaStore wraps either driver and rejects writes that would push
// total usage past the configured StorageQuota.
package cache
