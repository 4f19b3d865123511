package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
)

// QuotaStore 在任意 Store 之上统计占用并执行容量上限，超限写入返回 ErrQuotaExceeded。
// limit <= 0 表示不限制，但仍然统计占用供诊断输出。
type QuotaStore struct {
	Store

	limit int64

	mu    sync.Mutex
	used  int64
	sizes map[string]int64
	// reserved 是已通过检查、尚未落盘的写入字节数。
	reserved int64
}

// NewQuotaStore 扫描现有 bucket 计算初始占用。
func NewQuotaStore(ctx context.Context, store Store, limit int64) (*QuotaStore, error) {
	q := &QuotaStore{
		Store: store,
		limit: limit,
		sizes: make(map[string]int64),
	}
	buckets, err := store.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan buckets: %w", err)
	}
	for _, bucket := range buckets {
		entries, err := store.List(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("scan bucket %s: %w", bucket, err)
		}
		for _, entry := range entries {
			q.sizes[locatorKey(entry.Locator)] = entry.SizeBytes
			q.used += entry.SizeBytes
		}
	}
	return q, nil
}

// Usage 返回当前占用与上限（字节）。
func (q *QuotaStore) Usage() (used, limit int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used, q.limit
}

// UsageString 以人类可读形式输出占用，例如 "12 MB / 256 MB"。
func (q *QuotaStore) UsageString() string {
	used, limit := q.Usage()
	if limit <= 0 {
		return humanize.Bytes(uint64(used)) + " / unlimited"
	}
	return humanize.Bytes(uint64(used)) + " / " + humanize.Bytes(uint64(limit))
}

func (q *QuotaStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	return q.write(ctx, locator, body, opts, q.Store.Put)
}

func (q *QuotaStore) Create(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	return q.write(ctx, locator, body, opts, q.Store.Create)
}

type writeFunc func(context.Context, Locator, io.Reader, PutOptions) (*Entry, error)

func (q *QuotaStore) write(ctx context.Context, locator Locator, body io.Reader, opts PutOptions, fn writeFunc) (*Entry, error) {
	key := locatorKey(locator)
	if q.limit <= 0 {
		entry, err := fn(ctx, locator, body, opts)
		if err != nil {
			return nil, err
		}
		q.commit(key, entry.SizeBytes)
		return entry, nil
	}

	q.mu.Lock()
	remaining := q.availableLocked(key)
	q.mu.Unlock()

	// 多读一个字节即可判断是否超限，不必读完整个正文。
	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, io.LimitReader(body, remaining+1)); err != nil {
		return nil, err
	}
	size := int64(buf.Len())
	if size > remaining {
		return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, locator.Key)
	}

	// 读正文期间其他写入可能已占用配额，预留前重新检查。
	q.mu.Lock()
	if size > q.availableLocked(key) {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, locator.Key)
	}
	q.reserved += size
	q.mu.Unlock()

	entry, err := fn(ctx, locator, &buf, opts)

	q.mu.Lock()
	q.reserved -= size
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	q.commit(key, entry.SizeBytes)
	return entry, nil
}

// availableLocked 返回 key 还能写入的字节数，覆盖写可复用旧条目的空间。
// 已超限（例如重启时调低了上限）的存储返回 0。
func (q *QuotaStore) availableLocked(key string) int64 {
	return max(0, q.limit-q.used-q.reserved+q.sizes[key])
}

func (q *QuotaStore) commit(key string, size int64) {
	q.mu.Lock()
	q.used += size - q.sizes[key]
	q.sizes[key] = size
	q.mu.Unlock()
}

func (q *QuotaStore) Remove(ctx context.Context, locator Locator) error {
	if err := q.Store.Remove(ctx, locator); err != nil {
		return err
	}
	key := locatorKey(locator)
	q.mu.Lock()
	q.used -= q.sizes[key]
	delete(q.sizes, key)
	q.mu.Unlock()
	return nil
}

func (q *QuotaStore) RemoveBucket(ctx context.Context, bucket string) error {
	if err := q.Store.RemoveBucket(ctx, bucket); err != nil {
		return err
	}
	prefix := bucket + "::"
	q.mu.Lock()
	for key, size := range q.sizes {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			q.used -= size
			delete(q.sizes, key)
		}
	}
	q.mu.Unlock()
	return nil
}

// Open 按驱动名构建 Store 并套上 QuotaStore。
func Open(ctx context.Context, driver, basePath string, quota int64) (*QuotaStore, error) {
	var (
		store Store
		err   error
	)
	switch driver {
	case "", "fs":
		store, err = NewFileStore(basePath)
	case "sqlite":
		store, err = NewSQLiteStore(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	quoted, err := NewQuotaStore(ctx, store, quota)
	if err != nil {
		store.Close()
		return nil, err
	}
	return quoted, nil
}
