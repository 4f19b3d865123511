package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

// Store 负责管理持久化缓存的读写，按 bucket（代际）组织条目。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入（或覆盖）条目。实现需保证写入原子性，失败时不留下半写状态。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Create 仅在条目不存在时写入，已存在时返回 ErrExists，跨进程同样成立。
	Create(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// List 返回 bucket 下全部条目的元数据（不含正文）。
	List(ctx context.Context, bucket string) ([]Entry, error)

	// RemoveBucket 删除整个 bucket。
	RemoveBucket(ctx context.Context, bucket string) error

	// Buckets 返回当前存在的 bucket 名称，按字典序排列。
	Buckets(ctx context.Context) ([]string, error)

	Close() error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime     time.Time
	ContentType string
}

// Locator 唯一定位一个缓存条目（bucket + 请求键）。
type Locator struct {
	Bucket string
	Key    string
}

// Entry 描述一个已持久化条目的元数据。
type Entry struct {
	Locator     Locator   `json:"locator"`
	FilePath    string    `json:"file_path,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	ModTime     time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ReadAll 读取全部正文并关闭 Reader。
func (r *ReadResult) ReadAll() ([]byte, error) {
	defer r.Reader.Close()
	return io.ReadAll(r.Reader)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrExists 表示 Create 目标已存在。
	ErrExists = errors.New("cache entry already exists")
	// ErrQuotaExceeded 表示写入会超出存储配额（CacheWriteFailure）。
	ErrQuotaExceeded = errors.New("cache storage quota exceeded")
)

// MetaBucket 保存代际记录与安装状态，不参与代际淘汰。
const MetaBucket = "_meta"

var bucketPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func validateLocator(locator Locator) error {
	if err := validateBucket(locator.Bucket); err != nil {
		return err
	}
	if locator.Key == "" {
		return errors.New("cache key required")
	}
	return nil
}

func validateBucket(bucket string) error {
	if !bucketPattern.MatchString(bucket) {
		return fmt.Errorf("invalid bucket name: %q", bucket)
	}
	return nil
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Bucket + "::" + locator.Key
}
