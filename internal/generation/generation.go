package generation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/any-hub/shellcache/internal/manifest"
)

// State 是代际生命周期状态。
type State string

const (
	StateBuilding State = "building"
	StateActive   State = "active"
	StateStale    State = "stale"
	StateDeleted  State = "deleted"
)

var (
	// ErrNotBuilding 表示目标代际已不处于 Building，无法 Commit。
	ErrNotBuilding = errors.New("generation is not building")
	// ErrIncompleteGeneration 表示代际缺少 manifest 必需资源，不能提升。
	ErrIncompleteGeneration = errors.New("generation is missing required assets")
	// ErrNotWritable 表示代际已 Stale/Deleted，拒绝缓存回填。
	ErrNotWritable = errors.New("generation does not accept cache fills")
	// ErrMiss 表示代际中没有该请求键。
	ErrMiss = errors.New("entry not cached in generation")
	// ErrNoActive 表示尚无 Active 代际。
	ErrNoActive = errors.New("no active generation")
)

// Entry 是一次缓存写入或命中的完整内容。
type Entry struct {
	Key         string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// entryMeta 是索引中保存的条目摘要，正文留在 Store。
type entryMeta struct {
	contentType string
	fetchedAt   time.Time
	size        int64
	bestEffort  bool
}

// Generation 是某个 manifest hash 对应的资源集合。
//
// mu 保护状态：Commit/Fill/Resolve 持读锁（互不阻塞），状态迁移持写锁，
// 因此状态迁移完成后不会再有写入落进旧状态。
type Generation struct {
	hash     string
	manifest *manifest.AssetManifest
	required []string

	mu         sync.RWMutex
	state      State
	createdAt  time.Time
	promotedAt time.Time

	indexMu    sync.Mutex
	entries    map[string]entryMeta
	bestEffort []string

	// refs 由 Manager.mu 保护。
	refs int

	ready   chan struct{}
	initErr error
}

func newGeneration(m *manifest.AssetManifest, state State, now time.Time) *Generation {
	return &Generation{
		hash:      m.Hash(),
		manifest:  m,
		required:  m.RequiredKeys(),
		state:     state,
		createdAt: now,
		entries:   make(map[string]entryMeta),
		ready:     make(chan struct{}),
	}
}

// Hash 返回代际标识（manifest hash）。
func (g *Generation) Hash() string { return g.hash }

// Manifest 返回构建该代际的 manifest。
func (g *Generation) Manifest() *manifest.AssetManifest { return g.manifest }

// State 返回当前状态。
func (g *Generation) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Has 报告索引中是否存在该请求键。
func (g *Generation) Has(key string) bool {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	_, ok := g.entries[key]
	return ok
}

// Len 返回已缓存条目数量。
func (g *Generation) Len() int {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	return len(g.entries)
}

// Missing 返回尚未提交的必需资源键。
func (g *Generation) Missing() []string {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	return g.missingLocked()
}

func (g *Generation) missingLocked() []string {
	var missing []string
	for _, key := range g.required {
		if _, ok := g.entries[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// record 记录条目并返回需要被挤出的尽力缓存键（FIFO）。
func (g *Generation) record(key string, meta entryMeta, limit int) []string {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()

	prev, existed := g.entries[key]
	if existed && !prev.bestEffort {
		// 常规条目不会被降级为尽力缓存。
		meta.bestEffort = false
	}
	g.entries[key] = meta

	if !meta.bestEffort {
		if existed && prev.bestEffort {
			g.dropBestEffortLocked(key)
		}
		return nil
	}
	if !existed || !prev.bestEffort {
		g.bestEffort = append(g.bestEffort, key)
	}
	if limit <= 0 || len(g.bestEffort) <= limit {
		return nil
	}
	overflow := len(g.bestEffort) - limit
	evicted := append([]string(nil), g.bestEffort[:overflow]...)
	g.bestEffort = append([]string(nil), g.bestEffort[overflow:]...)
	for _, k := range evicted {
		delete(g.entries, k)
	}
	return evicted
}

func (g *Generation) dropBestEffortLocked(key string) {
	for i, k := range g.bestEffort {
		if k == key {
			g.bestEffort = append(g.bestEffort[:i], g.bestEffort[i+1:]...)
			return
		}
	}
}

func (g *Generation) lookup(key string) (entryMeta, bool) {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	meta, ok := g.entries[key]
	return meta, ok
}

func (g *Generation) forget(key string) {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	if meta, ok := g.entries[key]; ok {
		delete(g.entries, key)
		if meta.bestEffort {
			g.dropBestEffortLocked(key)
		}
	}
}

func (g *Generation) replaceIndex(entries map[string]entryMeta) {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	g.entries = entries
	g.bestEffort = nil
}

func (g *Generation) mergeIndex(entries map[string]entryMeta) {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	for key, meta := range entries {
		if _, ok := g.entries[key]; !ok {
			g.entries[key] = meta
		}
	}
}

// Info 是代际的只读快照，供诊断接口输出。
type Info struct {
	Hash       string    `json:"hash"`
	State      State     `json:"state"`
	Name       string    `json:"name"`
	Entries    int       `json:"entries"`
	BestEffort int       `json:"best_effort"`
	Required   int       `json:"required"`
	Missing    int       `json:"missing"`
	Sessions   int       `json:"sessions"`
	CreatedAt  time.Time `json:"created_at"`
	PromotedAt time.Time `json:"promoted_at,omitempty"`
}

func (g *Generation) info(refs int) Info {
	g.mu.RLock()
	state, created, promoted := g.state, g.createdAt, g.promotedAt
	g.mu.RUnlock()

	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	return Info{
		Hash:       g.hash,
		State:      state,
		Name:       g.manifest.Name,
		Entries:    len(g.entries),
		BestEffort: len(g.bestEffort),
		Required:   len(g.required),
		Missing:    len(g.missingLocked()),
		Sessions:   refs,
		CreatedAt:  created,
		PromotedAt: promoted,
	}
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Hash < infos[j].Hash
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
}
