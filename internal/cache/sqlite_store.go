package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "shellcache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	bucket       TEXT    NOT NULL,
	key          TEXT    NOT NULL,
	content_type TEXT    NOT NULL DEFAULT '',
	mod_time     INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	body         BLOB    NOT NULL,
	PRIMARY KEY (bucket, key)
);
CREATE INDEX IF NOT EXISTS entries_bucket_idx ON entries (bucket);
`

// sqlitePragmas 通过 DSN 下发，连接池中的每个连接都会应用。
// WAL 允许多读单写，busy_timeout 吸收跨进程锁竞争。
const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore 在 basePath 下打开（或创建）shellcache.db，并应用 schema。
// basePath 为 ":memory:" 时使用内存库，仅供测试。
func NewSQLiteStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	dsn := basePath
	if basePath != ":memory:" {
		abs, err := filepath.Abs(basePath)
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		dsn = filepath.Join(abs, SQLiteFileName) + sqlitePragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if basePath == ":memory:" {
		// 每个 :memory: 连接都是独立数据库。
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}

	var (
		contentType string
		modTime     int64
		size        int64
		body        []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, mod_time, size, body FROM entries WHERE bucket = ? AND key = ?`,
		locator.Bucket, locator.Key,
	).Scan(&contentType, &modTime, &size, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Locator:     locator,
			SizeBytes:   size,
			ContentType: contentType,
			ModTime:     time.Unix(0, modTime).UTC(),
		},
		Reader: nopSeekCloser{bytes.NewReader(body)},
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	return s.write(ctx, locator, body, opts,
		`INSERT INTO entries (bucket, key, content_type, mod_time, size, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET
		   content_type = excluded.content_type,
		   mod_time = excluded.mod_time,
		   size = excluded.size,
		   body = excluded.body`)
}

func (s *sqliteStore) Create(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	return s.write(ctx, locator, body, opts,
		`INSERT INTO entries (bucket, key, content_type, mod_time, size, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO NOTHING`)
}

func (s *sqliteStore) write(ctx context.Context, locator Locator, body io.Reader, opts PutOptions, stmt string) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, body); err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, stmt,
		locator.Bucket, locator.Key, opts.ContentType, modTime.UnixNano(), int64(buf.Len()), buf.Bytes())
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrExists
	}

	return &Entry{
		Locator:     locator,
		SizeBytes:   int64(buf.Len()),
		ContentType: opts.ContentType,
		ModTime:     modTime,
	}, nil
}

func (s *sqliteStore) Remove(ctx context.Context, locator Locator) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ? AND key = ?`, locator.Bucket, locator.Key)
	return err
}

func (s *sqliteStore) List(ctx context.Context, bucket string) ([]Entry, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, content_type, mod_time, size FROM entries WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			modTime int64
		)
		if err := rows.Scan(&entry.Locator.Key, &entry.ContentType, &modTime, &entry.SizeBytes); err != nil {
			return nil, err
		}
		entry.Locator.Bucket = bucket
		entry.ModTime = time.Unix(0, modTime).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) RemoveBucket(ctx context.Context, bucket string) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, bucket)
	return err
}

func (s *sqliteStore) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT bucket FROM entries ORDER BY bucket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
