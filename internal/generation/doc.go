// Package generation owns the versioned asset store. A Generation is the set
// of cached entries built for one manifest hash; it moves through
// Building -> Active -> Stale -> Deleted and is persisted as one bucket in
// the cache.Store plus a record in the reserved _meta bucket.
//
// The Manager holds the single Active slot. Promote swaps it atomically
// under the manager's writer lock, so concurrent Resolve calls observe
// either the previous generation or the new one in full. Begin is a
// compare-and-set keyed by manifest hash, both inside the process (sync.Map)
// and across processes sharing one StoragePath (cache.Store.Create on the
// generation record).
//
// Sessions pin the generation that was Active when they opened. A Stale
// generation is evicted only once no session references it.
package generation
