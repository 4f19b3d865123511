package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// Options 控制 Manager 的可选行为。
type Options struct {
	// BestEffortMaxEntries 限制每个代际保存的尽力缓存条目数，0 表示不限制。
	BestEffortMaxEntries int
	// SessionIdleTimeout 之后未活动的会话由 ReapIdle 关闭，0 表示不回收。
	SessionIdleTimeout time.Duration
	Logger             *logrus.Logger
	// Now 供测试注入时钟。
	Now func() time.Time
}

// Manager 管理全部代际与唯一的 Active 槽位。
type Manager struct {
	store         cache.Store
	logger        *logrus.Logger
	bestEffortMax int
	sessionIdle   time.Duration
	now           func() time.Time

	// mu 是写锁：Promote/EvictStale/Discard 与会话引用计数都在其下进行。
	mu          sync.Mutex
	generations sync.Map // hash -> *Generation
	active      atomic.Pointer[Generation]
	// sessions 只在 mu 下写入，请求路径上的查找无需加锁。
	sessions sync.Map // id -> *Session
	// discarded 保存清理失败的代际，下一次 EvictStale 重试。
	discarded map[string]*Generation
}

// NewManager 基于共享 Store 创建 Manager，调用方通常随后执行 Restore。
func NewManager(store cache.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:         store,
		logger:        logger,
		bestEffortMax: opts.BestEffortMaxEntries,
		sessionIdle:   opts.SessionIdleTimeout,
		now:           now,
		discarded:     make(map[string]*Generation),
	}
}

// Active 返回当前 Active 代际，不存在时返回 nil。
func (m *Manager) Active() *Generation {
	return m.active.Load()
}

// Lookup 按 hash 返回已知代际。
func (m *Manager) Lookup(hash string) (*Generation, bool) {
	value, ok := m.generations.Load(hash)
	if !ok {
		return nil, false
	}
	g := value.(*Generation)
	<-g.ready
	if g.initErr != nil {
		return nil, false
	}
	return g, true
}

// Begin 返回 hash 对应的已有代际（Building/Active/Stale），否则创建空的 Building 代际。
// 同一 hash 的并发调用（包括共享 StoragePath 的其他进程）只会得到一个代际。
func (m *Manager) Begin(ctx context.Context, am *manifest.AssetManifest) (*Generation, error) {
	if am == nil {
		return nil, errors.New("manifest required")
	}
	hash := am.Hash()
	for {
		candidate := newGeneration(am, StateBuilding, m.now())
		value, loaded := m.generations.LoadOrStore(hash, candidate)
		g := value.(*Generation)
		if loaded {
			select {
			case <-g.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if g.initErr != nil {
				// 创建者失败后已从 map 移除，重新竞争。
				continue
			}
			return g, nil
		}

		err := m.initGeneration(ctx, g)
		if err != nil {
			g.initErr = err
			m.generations.CompareAndDelete(hash, g)
		}
		close(g.ready)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// initGeneration 在 Store 层执行 create-if-absent；记录已存在时采纳持久化状态。
func (m *Manager) initGeneration(ctx context.Context, g *Generation) error {
	err := m.createRecord(ctx, g)
	switch {
	case err == nil:
		m.logger.WithFields(logging.GenerationFields("generation_begin", g.hash, string(StateBuilding))).
			WithField("required", len(g.required)).
			Info("generation_created")
		return nil
	case errors.Is(err, cache.ErrExists):
	default:
		return fmt.Errorf("create generation record: %w", err)
	}

	rec, err := m.readRecord(ctx, g.hash)
	if err != nil {
		return fmt.Errorf("read generation record: %w", err)
	}
	state := rec.State
	if state == StateDeleted {
		// 之前被丢弃的构建重新开始。
		state = StateBuilding
		if err := m.writeRecord(ctx, g, StateBuilding); err != nil {
			return fmt.Errorf("revive generation record: %w", err)
		}
	} else {
		if state == StateActive {
			if active := m.active.Load(); active == nil || active.hash != g.hash {
				// 其他进程的 Active；本进程尚未切换，按 Stale 处理，可直接 Promote。
				state = StateStale
			}
		}
		index, err := m.loadIndex(ctx, g.hash)
		if err != nil {
			return fmt.Errorf("load generation index: %w", err)
		}
		g.replaceIndex(index)
		g.createdAt = rec.CreatedAt
		g.promotedAt = rec.PromotedAt
	}
	g.state = state
	m.logger.WithFields(logging.GenerationFields("generation_begin", g.hash, string(state))).
		Info("generation_adopted")
	return nil
}

// Commit 将预取的资源写入 Building 代际，其他状态返回 ErrNotBuilding。
func (m *Manager) Commit(ctx context.Context, g *Generation, entry Entry) error {
	return m.write(ctx, g, entry, false, func(state State) error {
		if state != StateBuilding {
			return fmt.Errorf("%w: %s is %s", ErrNotBuilding, logging.ShortHash(g.hash), state)
		}
		return nil
	})
}

// Fill 是拦截器的缓存回填，允许写入 Building 或 Active 代际。
func (m *Manager) Fill(ctx context.Context, g *Generation, entry Entry) error {
	return m.fill(ctx, g, entry, false)
}

// FillBestEffort 写入受 BestEffortMaxEntries 约束的尽力缓存条目。
func (m *Manager) FillBestEffort(ctx context.Context, g *Generation, entry Entry) error {
	return m.fill(ctx, g, entry, true)
}

func (m *Manager) fill(ctx context.Context, g *Generation, entry Entry, bestEffort bool) error {
	return m.write(ctx, g, entry, bestEffort, func(state State) error {
		if state != StateBuilding && state != StateActive {
			return fmt.Errorf("%w: %s is %s", ErrNotWritable, logging.ShortHash(g.hash), state)
		}
		return nil
	})
}

func (m *Manager) write(ctx context.Context, g *Generation, entry Entry, bestEffort bool, allow func(State) error) error {
	if g == nil {
		return ErrNoActive
	}
	if entry.Key == "" {
		return errors.New("entry key required")
	}

	// 读锁贯穿 Store 写入，状态迁移需等待在途写入完成。
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := allow(g.state); err != nil {
		return err
	}

	fetched := entry.FetchedAt
	if fetched.IsZero() {
		fetched = m.now()
	}
	stored, err := m.store.Put(ctx, cache.Locator{Bucket: g.hash, Key: entry.Key}, bytes.NewReader(entry.Body), cache.PutOptions{
		ModTime:     fetched,
		ContentType: entry.ContentType,
	})
	if err != nil {
		return err
	}

	evicted := g.record(entry.Key, entryMeta{
		contentType: entry.ContentType,
		fetchedAt:   fetched,
		size:        stored.SizeBytes,
		bestEffort:  bestEffort,
	}, m.bestEffortMax)
	for _, key := range evicted {
		if err := m.store.Remove(ctx, cache.Locator{Bucket: g.hash, Key: key}); err != nil {
			m.logger.WithError(err).
				WithFields(logging.GenerationFields("best_effort_evict", g.hash, string(g.state))).
				WithField("key", key).
				Warn("best_effort_evict_failed")
		}
	}
	return nil
}

// Resolve 只在当前 Active 代际中查找。
func (m *Manager) Resolve(ctx context.Context, key string) (*Entry, error) {
	active := m.active.Load()
	if active == nil {
		return nil, ErrNoActive
	}
	return m.ResolveIn(ctx, active, key)
}

// ResolveIn 在指定代际（通常是会话固定的代际）中查找。
func (m *Manager) ResolveIn(ctx context.Context, g *Generation, key string) (*Entry, error) {
	if g == nil {
		return nil, ErrMiss
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state == StateDeleted {
		return nil, ErrMiss
	}

	result, err := m.store.Get(ctx, cache.Locator{Bucket: g.hash, Key: key})
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			g.forget(key)
			return nil, ErrMiss
		}
		return nil, err
	}
	body, err := result.ReadAll()
	if err != nil {
		return nil, err
	}
	if _, ok := g.lookup(key); !ok {
		// 其他进程写入的条目，补进本地索引。
		g.mergeIndex(map[string]entryMeta{key: {
			contentType: result.Entry.ContentType,
			fetchedAt:   result.Entry.ModTime,
			size:        result.Entry.SizeBytes,
		}})
	}
	return &Entry{
		Key:         key,
		Body:        body,
		ContentType: result.Entry.ContentType,
		FetchedAt:   result.Entry.ModTime,
	}, nil
}

// Promote 校验完整性后原子地替换 Active 槽位，旧 Active 转为 Stale。
// 与当前 Active 相同的 hash 视为 no-op。
func (m *Manager) Promote(ctx context.Context, g *Generation) error {
	if g == nil {
		return errors.New("generation required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.active.Load()
	if previous != nil && previous.hash == g.hash {
		return nil
	}

	g.mu.Lock()
	if g.state != StateBuilding && g.state != StateStale {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("%w: cannot promote %s generation", ErrNotBuilding, state)
	}
	missing := g.Missing()
	if len(missing) > 0 {
		// 可能由其他进程补齐，刷新一次索引再判定。
		if index, err := m.loadIndex(ctx, g.hash); err == nil {
			g.mergeIndex(index)
			missing = g.Missing()
		}
	}
	if len(missing) > 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %d of %d missing (first %s)", ErrIncompleteGeneration, len(missing), len(g.required), missing[0])
	}

	promotedAt := m.now()
	prevPromoted := g.promotedAt
	g.promotedAt = promotedAt
	g.mu.Unlock()

	if err := m.persistPromotion(ctx, g, previous); err != nil {
		g.mu.Lock()
		g.promotedAt = prevPromoted
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	g.state = StateActive
	g.mu.Unlock()
	m.active.Store(g)
	if previous != nil {
		previous.mu.Lock()
		previous.state = StateStale
		previous.mu.Unlock()
	}

	fields := logging.GenerationFields("generation_promote", g.hash, string(StateActive))
	if previous != nil {
		fields["previous"] = logging.ShortHash(previous.hash)
	}
	m.logger.WithFields(fields).WithField("entries", g.Len()).Info("generation_promoted")
	return nil
}

// persistPromotion 先写记录再切换内存槽位；失败时内存状态保持不变。
func (m *Manager) persistPromotion(ctx context.Context, g, previous *Generation) error {
	if err := m.writeRecord(ctx, g, StateActive); err != nil {
		return fmt.Errorf("persist active record: %w", err)
	}
	if err := m.writeActive(ctx, g.hash); err != nil {
		return fmt.Errorf("persist active pointer: %w", err)
	}
	if previous != nil {
		if err := m.writeRecord(ctx, previous, StateStale); err != nil {
			// 指针已切换，Restore 会把非指针的 Active 记录视为 Stale。
			m.logger.WithError(err).
				WithFields(logging.GenerationFields("generation_promote", previous.hash, string(StateStale))).
				Warn("stale_record_write_failed")
		}
	}
	return nil
}

// Discard 放弃 Building 代际，删除其全部条目。
func (m *Manager) Discard(ctx context.Context, g *Generation) error {
	if g == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g.mu.Lock()
	if g.state != StateBuilding {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("%w: cannot discard %s generation", ErrNotBuilding, state)
	}
	g.state = StateDeleted
	g.mu.Unlock()
	m.generations.CompareAndDelete(g.hash, g)

	if err := m.writeRecord(ctx, g, StateDeleted); err != nil {
		m.logger.WithError(err).
			WithFields(logging.GenerationFields("generation_discard", g.hash, string(StateDeleted))).
			Warn("generation_record_write_failed")
	}
	if err := m.purge(ctx, g); err != nil {
		m.discarded[g.hash] = g
		m.logger.WithError(err).
			WithFields(logging.GenerationFields("generation_discard", g.hash, string(StateDeleted))).
			Warn("generation_purge_deferred")
		return nil
	}
	m.logger.WithFields(logging.GenerationFields("generation_discard", g.hash, string(StateDeleted))).
		Info("generation_discarded")
	return nil
}

// EvictStale 删除引用计数为 0 的 Stale 代际，并重试此前未清理干净的丢弃代际。
func (m *Manager) EvictStale(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		evicted int
		errs    []error
	)
	m.generations.Range(func(key, value any) bool {
		g := value.(*Generation)
		select {
		case <-g.ready:
		default:
			return true
		}
		if g.initErr != nil || g.refs > 0 {
			return true
		}
		g.mu.Lock()
		if g.state != StateStale {
			g.mu.Unlock()
			return true
		}
		g.state = StateDeleted
		g.mu.Unlock()
		m.generations.CompareAndDelete(key, g)

		if err := m.writeRecord(ctx, g, StateDeleted); err != nil {
			m.logger.WithError(err).
				WithFields(logging.GenerationFields("generation_evict", g.hash, string(StateDeleted))).
				Warn("generation_record_write_failed")
		}
		if err := m.purge(ctx, g); err != nil {
			m.discarded[g.hash] = g
			errs = append(errs, err)
			return true
		}
		evicted++
		m.logger.WithFields(logging.GenerationFields("generation_evict", g.hash, string(StateDeleted))).
			Info("generation_evicted")
		return true
	})

	for hash, g := range m.discarded {
		if _, live := m.generations.Load(hash); live {
			// 同一 hash 已重新开始构建，bucket 归新代际所有。
			delete(m.discarded, hash)
			continue
		}
		if err := m.purge(ctx, g); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(m.discarded, hash)
		evicted++
	}
	return evicted, errors.Join(errs...)
}

func (m *Manager) purge(ctx context.Context, g *Generation) error {
	if err := m.store.RemoveBucket(ctx, g.hash); err != nil {
		return fmt.Errorf("remove generation bucket: %w", err)
	}
	// 若其他进程已重新开始同一 hash 的构建，记录不再属于本次删除。
	if rec, err := m.readRecord(ctx, g.hash); err == nil && rec.State == StateBuilding && !g.createdAt.Equal(rec.CreatedAt) {
		return nil
	}
	if err := m.removeRecord(ctx, g.hash); err != nil {
		return fmt.Errorf("remove generation record: %w", err)
	}
	return nil
}

// DiscardBuilding 丢弃除 keep 之外的全部 Building 代际，返回丢弃数量。
// 用于清理被新部署取代或由崩溃进程遗留的构建。
func (m *Manager) DiscardBuilding(ctx context.Context, keep string) int {
	var stale []*Generation
	m.generations.Range(func(key, value any) bool {
		g := value.(*Generation)
		select {
		case <-g.ready:
		default:
			return true
		}
		if g.initErr == nil && key.(string) != keep && g.State() == StateBuilding {
			stale = append(stale, g)
		}
		return true
	})
	count := 0
	for _, g := range stale {
		if err := m.Discard(ctx, g); err == nil {
			count++
		}
	}
	return count
}

// Restore 在启动时从 Store 重建代际索引，持久化的 Active 指针恢复为 Active。
func (m *Manager) Restore(ctx context.Context) error {
	activeHash, err := m.readActive(ctx)
	if err != nil {
		return fmt.Errorf("read active pointer: %w", err)
	}
	records, err := m.store.List(ctx, cache.MetaBucket)
	if err != nil {
		return fmt.Errorf("list generation records: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]struct{})
	for _, entry := range records {
		if !strings.HasPrefix(entry.Locator.Key, recordPrefix) {
			continue
		}
		rec, err := m.readRecordAt(ctx, entry.Locator)
		if err != nil {
			m.logger.WithError(err).WithField("key", entry.Locator.Key).Warn("generation_record_unreadable")
			continue
		}
		if rec.State == StateDeleted {
			_ = m.store.RemoveBucket(ctx, rec.Hash)
			_ = m.removeRecord(ctx, rec.Hash)
			continue
		}
		g, err := restoreGeneration(rec)
		if err != nil {
			m.logger.WithError(err).WithField("key", entry.Locator.Key).Warn("generation_record_invalid")
			continue
		}
		switch {
		case rec.Hash == activeHash:
			g.state = StateActive
		case rec.State == StateActive:
			g.state = StateStale
		}
		index, err := m.loadIndex(ctx, g.hash)
		if err != nil {
			return fmt.Errorf("load generation %s: %w", logging.ShortHash(g.hash), err)
		}
		g.replaceIndex(index)
		m.generations.Store(g.hash, g)
		known[g.hash] = struct{}{}
		if g.state == StateActive {
			m.active.Store(g)
		}
		m.logger.WithFields(logging.GenerationFields("generation_restore", g.hash, string(g.state))).
			WithField("entries", len(index)).
			Info("generation_restored")
	}

	// 没有记录的 bucket 是中断的构建残留。
	buckets, err := m.store.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	for _, bucket := range buckets {
		if bucket == cache.MetaBucket {
			continue
		}
		if _, ok := known[bucket]; ok {
			continue
		}
		if err := m.store.RemoveBucket(ctx, bucket); err != nil {
			m.logger.WithError(err).WithField("bucket", bucket).Warn("orphan_bucket_remove_failed")
		}
	}
	return nil
}

// Snapshot 返回全部代际的只读视图，按创建时间排序。
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []Info
	m.generations.Range(func(_, value any) bool {
		g := value.(*Generation)
		select {
		case <-g.ready:
		default:
			return true
		}
		if g.initErr != nil {
			return true
		}
		infos = append(infos, g.info(g.refs))
		return true
	})
	sortInfos(infos)
	return infos
}
