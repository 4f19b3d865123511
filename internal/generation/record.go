package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

const (
	recordPrefix = "generation:"
	activeKey    = "active"
)

// generationRecord 持久化在 _meta bucket 中，跨进程与重启共享。
type generationRecord struct {
	Hash       string          `json:"hash"`
	State      State           `json:"state"`
	Manifest   json.RawMessage `json:"manifest"`
	CreatedAt  time.Time       `json:"created_at"`
	PromotedAt time.Time       `json:"promoted_at,omitempty"`
}

func recordLocator(hash string) cache.Locator {
	return cache.Locator{Bucket: cache.MetaBucket, Key: recordPrefix + hash}
}

func activeLocator() cache.Locator {
	return cache.Locator{Bucket: cache.MetaBucket, Key: activeKey}
}

func encodeRecord(g *Generation, state State) ([]byte, error) {
	raw, err := json.Marshal(g.manifest)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	created, promoted := g.createdAt, g.promotedAt
	g.mu.RUnlock()
	return json.Marshal(generationRecord{
		Hash:       g.hash,
		State:      state,
		Manifest:   raw,
		CreatedAt:  created,
		PromotedAt: promoted,
	})
}

func (m *Manager) createRecord(ctx context.Context, g *Generation) error {
	data, err := encodeRecord(g, StateBuilding)
	if err != nil {
		return err
	}
	_, err = m.store.Create(ctx, recordLocator(g.hash), bytes.NewReader(data), cache.PutOptions{
		ContentType: "application/json",
	})
	return err
}

func (m *Manager) writeRecord(ctx context.Context, g *Generation, state State) error {
	data, err := encodeRecord(g, state)
	if err != nil {
		return err
	}
	_, err = m.store.Put(ctx, recordLocator(g.hash), bytes.NewReader(data), cache.PutOptions{
		ContentType: "application/json",
	})
	return err
}

func (m *Manager) writeActive(ctx context.Context, hash string) error {
	_, err := m.store.Put(ctx, activeLocator(), strings.NewReader(hash), cache.PutOptions{
		ContentType: "text/plain",
	})
	return err
}

func (m *Manager) readRecord(ctx context.Context, hash string) (*generationRecord, error) {
	return m.readRecordAt(ctx, recordLocator(hash))
}

func (m *Manager) readRecordAt(ctx context.Context, locator cache.Locator) (*generationRecord, error) {
	result, err := m.store.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	data, err := result.ReadAll()
	if err != nil {
		return nil, err
	}
	var rec generationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode generation record %s: %w", locator.Key, err)
	}
	return &rec, nil
}

func (m *Manager) readActive(ctx context.Context) (string, error) {
	result, err := m.store.Get(ctx, activeLocator())
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	data, err := result.ReadAll()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (m *Manager) removeRecord(ctx context.Context, hash string) error {
	return m.store.Remove(ctx, recordLocator(hash))
}

// loadIndex 从 bucket 中重建条目索引。
func (m *Manager) loadIndex(ctx context.Context, hash string) (map[string]entryMeta, error) {
	entries, err := m.store.List(ctx, hash)
	if err != nil {
		return nil, err
	}
	index := make(map[string]entryMeta, len(entries))
	for _, entry := range entries {
		index[entry.Locator.Key] = entryMeta{
			contentType: entry.ContentType,
			fetchedAt:   entry.ModTime,
			size:        entry.SizeBytes,
		}
	}
	return index, nil
}

func restoreGeneration(rec *generationRecord) (*Generation, error) {
	m, err := manifest.Parse(rec.Manifest)
	if err != nil {
		return nil, err
	}
	if m.Hash() != rec.Hash {
		return nil, fmt.Errorf("generation record %s does not match manifest hash %s", rec.Hash, m.Hash())
	}
	g := newGeneration(m, rec.State, rec.CreatedAt)
	g.promotedAt = rec.PromotedAt
	close(g.ready)
	return g, nil
}
