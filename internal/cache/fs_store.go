package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewFileStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 磁盘布局：<basePath>/<bucket>/<sha256(key)[:2]>/<sha256(key)>.body|.meta
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// sidecar 是 .meta 文件的内容。
type sidecar struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type,omitempty"`
	ModTime     time.Time `json:"mod_time"`
	SizeBytes   int64     `json:"size_bytes"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime().UTC(),
	}
	// .meta 可能尚在写入（Create 以正文为提交点），缺失时只丢失 ContentType。
	if meta, err := readSidecar(bodyPath + metaSuffix); err == nil {
		entry.ContentType = meta.ContentType
		entry.ModTime = meta.ModTime
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	return s.write(ctx, locator, body, opts, false)
}

func (s *fileStore) Create(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	return s.write(ctx, locator, body, opts, true)
}

func (s *fileStore) write(ctx context.Context, locator Locator, body io.Reader, opts PutOptions, exclusive bool) (*Entry, error) {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	if exclusive {
		if _, err := os.Stat(bodyPath); err == nil {
			return nil, ErrExists
		}
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(bodyPath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}

	if exclusive {
		// 硬链接在目标存在时失败，保证多个进程只有一个 Create 成功。
		if err := os.Link(tempName, bodyPath); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return nil, ErrExists
			}
			return nil, err
		}
	} else if err := os.Rename(tempName, bodyPath); err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(bodyPath, modTime, modTime); err != nil {
		return nil, err
	}

	meta := sidecar{
		Key:         locator.Key,
		ContentType: opts.ContentType,
		ModTime:     modTime,
		SizeBytes:   written,
	}
	if err := writeSidecar(bodyPath+metaSuffix, meta); err != nil {
		return nil, err
	}

	entry := Entry{
		Locator:     locator,
		FilePath:    bodyPath,
		SizeBytes:   written,
		ContentType: opts.ContentType,
		ModTime:     modTime,
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{bodyPath, bodyPath + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) List(ctx context.Context, bucket string) ([]Entry, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, err
	}
	root := filepath.Join(s.basePath, bucket)
	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		meta, err := readSidecar(p)
		if err != nil {
			return nil
		}
		entries = append(entries, Entry{
			Locator:     Locator{Bucket: bucket, Key: meta.Key},
			FilePath:    strings.TrimSuffix(p, metaSuffix),
			SizeBytes:   meta.SizeBytes,
			ContentType: meta.ContentType,
			ModTime:     meta.ModTime,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Locator.Key < entries[j].Locator.Key
	})
	return entries, nil
}

func (s *fileStore) RemoveBucket(ctx context.Context, bucket string) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.basePath, bucket))
}

func (s *fileStore) Buckets(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, item := range items {
		if item.IsDir() && validateBucket(item.Name()) == nil {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

// entryPath 将请求键哈希为文件名，避免 URL 中的特殊字符逃逸出 bucket 目录。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := validateLocator(locator); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(locator.Key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.basePath, locator.Bucket, name[:2], name+bodySuffix), nil
}

func readSidecar(p string) (sidecar, error) {
	var meta sidecar
	data, err := os.ReadFile(p)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func writeSidecar(p string, meta sidecar) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".meta-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
