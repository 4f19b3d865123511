package update

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

const defaultHistorySize = 64

// Options 描述 Coordinator 的依赖与节奏。
type Options struct {
	Source  manifest.Source
	Manager *generation.Manager
	// Fetcher 负责预取资源，通常由 NewFetcher 基于 retryablehttp 构建。
	Fetcher *Fetcher
	// PollInterval <= 0 时 Run 只执行一次检查。
	PollInterval time.Duration
	// Concurrency 限制同时进行的预取数量。
	Concurrency int
	Logger      *logrus.Logger
	// OnManifest 在每次加载 manifest 后回调，失败时 m 为 nil。
	OnManifest  func(m *manifest.AssetManifest, err error)
	HistorySize int
	Now         func() time.Time
}

// Coordinator 是显式、可观测的更新状态机。
type Coordinator struct {
	source      manifest.Source
	mgr         *generation.Manager
	fetcher     *Fetcher
	interval    time.Duration
	concurrency int
	logger      *logrus.Logger
	onManifest  func(*manifest.AssetManifest, error)
	now         func() time.Time

	mu          sync.Mutex
	state       State
	history     []Transition
	historySize int
	subscribers map[int]chan Transition
	nextSub     int
	// pending 是已提升但仍有会话固定在旧代际上的 hash。
	pending     string
	buildHash   string
	cancelBuild context.CancelFunc
	lastCheck   time.Time
	lastErr     error
}

// New 校验依赖并返回处于 Idle 的 Coordinator。
func New(opts Options) (*Coordinator, error) {
	if opts.Source == nil {
		return nil, errors.New("manifest source is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("generation manager is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("asset fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		source:      opts.Source,
		mgr:         opts.Manager,
		fetcher:     opts.Fetcher,
		interval:    opts.PollInterval,
		concurrency: concurrency,
		logger:      logger,
		onManifest:  opts.OnManifest,
		now:         now,
		state:       StateIdle,
		historySize: historySize,
		subscribers: make(map[int]chan Transition),
	}, nil
}

// State 返回当前状态。
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History 返回最近的状态迁移记录（旧 -> 新）。
func (c *Coordinator) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition(nil), c.history...)
}

// Status 是诊断接口使用的摘要。
type Status struct {
	State     State     `json:"state"`
	Pending   string    `json:"pending,omitempty"`
	Building  string    `json:"building,omitempty"`
	LastCheck time.Time `json:"last_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Status 返回当前状态摘要。
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		State:     c.state,
		Pending:   c.pending,
		Building:  c.buildHash,
		LastCheck: c.lastCheck,
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

// Subscribe 返回接收状态迁移的 channel 以及取消函数。
// 订阅者消费过慢时事件会被丢弃，History 保留完整记录。
func (c *Coordinator) Subscribe() (<-chan Transition, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Transition, 16)
	c.subscribers[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

// transitionLocked 执行迁移并通知订阅者，调用方持有 c.mu。
func (c *Coordinator) transitionLocked(to State, hash, reason string, err error) {
	from := c.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		panic(fmt.Sprintf("update: illegal transition %s -> %s", from, to))
	}
	c.state = to
	t := Transition{From: from, To: to, Hash: hash, Reason: reason, At: c.now()}
	if err != nil {
		t.Error = err.Error()
	}
	c.history = append(c.history, t)
	if len(c.history) > c.historySize {
		c.history = c.history[len(c.history)-c.historySize:]
	}
	for _, sub := range c.subscribers {
		select {
		case sub <- t:
		default:
		}
	}

	fields := logrus.Fields{
		"action":     "update_transition",
		"from":       string(from),
		"to":         string(to),
		"generation": logging.ShortHash(hash),
		"reason":     reason,
	}
	entry := c.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("update_state_changed")
		return
	}
	entry.Info("update_state_changed")
}

// restLocked 返回本轮结束后应停留的状态：仍有待切换代际时停在 Ready。
func (c *Coordinator) restLocked() State {
	if c.pending != "" {
		return StateReady
	}
	return StateIdle
}

// Check 执行一次完整的检查周期并同步返回结果。
// 构建进行中再次调用时：若 manifest 已变化则取消当前构建，两种情况都返回 ErrCycleInProgress。
func (c *Coordinator) Check(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateChecking, StateActivating:
		c.mu.Unlock()
		return ErrCycleInProgress
	case StateDownloading:
		building, cancel := c.buildHash, c.cancelBuild
		c.mu.Unlock()
		return c.preemptBuild(ctx, building, cancel)
	}
	c.lastCheck = c.now()
	c.transitionLocked(StateChecking, "", "check", nil)
	c.mu.Unlock()

	err := c.runCycle(ctx)

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// preemptBuild 在构建期间检查 manifest，hash 变化时取消进行中的构建。
func (c *Coordinator) preemptBuild(ctx context.Context, building string, cancel context.CancelFunc) error {
	m, err := manifest.Load(ctx, c.source)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCycleInProgress, err)
	}
	if m.Hash() != building && cancel != nil {
		c.logger.WithFields(logrus.Fields{
			"action":     "update_preempt",
			"generation": logging.ShortHash(building),
			"next":       logging.ShortHash(m.Hash()),
		}).Info("build_superseded")
		cancel()
	}
	return ErrCycleInProgress
}

func (c *Coordinator) runCycle(ctx context.Context) error {
	m, err := manifest.Load(ctx, c.source)
	if c.onManifest != nil {
		c.onManifest(m, err)
	}
	if err != nil {
		c.mu.Lock()
		c.transitionLocked(c.restLocked(), "", "manifest_invalid", err)
		c.mu.Unlock()
		return err
	}

	hash := m.Hash()
	if active := c.mgr.Active(); active != nil && active.Hash() == hash {
		c.mu.Lock()
		c.transitionLocked(c.restLocked(), hash, "unchanged", nil)
		c.mu.Unlock()
		return nil
	}

	gen, err := c.mgr.Begin(ctx, m)
	if err != nil {
		c.mu.Lock()
		c.transitionLocked(c.restLocked(), hash, "begin_failed", err)
		c.mu.Unlock()
		return err
	}

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.buildHash = hash
	c.cancelBuild = cancel
	c.transitionLocked(StateDownloading, hash, "manifest_changed", nil)
	c.mu.Unlock()

	err = c.build(buildCtx, gen)
	if err != nil && buildCtx.Err() != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %v", context.Canceled, err)
	}

	c.mu.Lock()
	c.buildHash = ""
	c.cancelBuild = nil
	c.mu.Unlock()

	if err != nil {
		if gen.State() == generation.StateBuilding {
			// 丢弃半成品，Active 保持不变；下一轮从头构建。
			if discardErr := c.mgr.Discard(context.WithoutCancel(ctx), gen); discardErr != nil {
				c.logger.WithError(discardErr).
					WithFields(logging.GenerationFields("generation_discard", hash, string(gen.State()))).
					Warn("discard_failed")
			}
		}
		c.mu.Lock()
		c.transitionLocked(c.restLocked(), hash, buildFailureReason(err), err)
		c.mu.Unlock()
		return err
	}

	c.mgr.DiscardBuilding(context.WithoutCancel(ctx), hash)

	c.mu.Lock()
	c.pending = hash
	c.transitionLocked(StateReady, hash, "promoted", nil)
	c.mu.Unlock()

	if !c.mgr.PinnedToOlder() {
		c.activate(ctx, "no_outdated_sessions")
	}
	return nil
}

// build 预取缺失资源并提升代际。
func (c *Coordinator) build(ctx context.Context, gen *generation.Generation) error {
	if gen.State() == generation.StateBuilding {
		if err := c.prefetch(ctx, gen); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.mgr.Promote(ctx, gen)
}

func buildFailureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "build_cancelled"
	case errors.Is(err, ErrAssetFetch):
		return "asset_fetch_failed"
	case errors.Is(err, generation.ErrIncompleteGeneration):
		return "incomplete_generation"
	default:
		return "cache_write_failed"
	}
}

// SessionBoundary 在会话打开、重启或关闭时调用，先关闭空闲超时的会话。
// Ready 时进入 Activating 并回收不再被引用的旧代际；其他状态下只做回收。
func (c *Coordinator) SessionBoundary(ctx context.Context) {
	c.reapIdle()
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if ready {
		c.activate(ctx, "session_boundary")
		return
	}
	if _, err := c.mgr.EvictStale(ctx); err != nil {
		c.logger.WithError(err).WithField("action", "generation_evict").Warn("evict_stale_failed")
	}
}

func (c *Coordinator) activate(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	hash := c.pending
	c.transitionLocked(StateActivating, hash, reason, nil)
	c.mu.Unlock()

	evicted, err := c.mgr.EvictStale(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.WithError(err).WithField("action", "generation_evict").Warn("evict_stale_failed")
	}

	c.mu.Lock()
	c.pending = ""
	c.transitionLocked(StateIdle, hash, fmt.Sprintf("activated (evicted %d)", evicted), nil)
	c.mu.Unlock()
}

func (c *Coordinator) reapIdle() int {
	reaped := c.mgr.ReapIdle()
	if len(reaped) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":   "session_reap",
			"sessions": len(reaped),
		}).Info("idle_sessions_closed")
	}
	return len(reaped)
}

// Run 立即检查一次，随后按 PollInterval 周期检查，直到 ctx 结束。
func (c *Coordinator) Run(ctx context.Context) {
	c.checkAndLog(ctx)
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndLog(ctx)
			// 回收空闲会话本身就是会话边界。
			if c.reapIdle() > 0 {
				c.SessionBoundary(ctx)
			}
		}
	}
}

func (c *Coordinator) checkAndLog(ctx context.Context) {
	err := c.Check(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInProgress):
		c.logger.WithField("action", "update_check").Debug("update_cycle_in_progress")
	case ctx.Err() != nil:
	default:
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "update_check",
			"source": c.source.String(),
		}).Warn("update_check_failed")
	}
}

// Fetcher 从 origin 拉取资源，重试由 retryablehttp 负责（有界指数退避）。
type Fetcher struct {
	client *retryablehttp.Client
	origin *url.URL
}

// FetcherOptions 对应全局配置中的重试参数。
type FetcherOptions struct {
	Client         *http.Client
	Origin         *url.URL
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *logrus.Logger
}

// NewFetcher 基于共享上游 client 构建带重试的预取器。
func NewFetcher(opts FetcherOptions) (*Fetcher, error) {
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	client := retryablehttp.NewClient()
	if opts.Client != nil {
		client.HTTPClient = opts.Client
	}
	client.RetryMax = opts.MaxRetries
	if opts.InitialBackoff > 0 {
		client.RetryWaitMin = opts.InitialBackoff
	}
	if opts.MaxBackoff > 0 {
		client.RetryWaitMax = opts.MaxBackoff
	}
	client.Backoff = retryablehttp.DefaultBackoff
	client.Logger = logging.NewRetryLogger(opts.Logger, "prefetch")
	return &Fetcher{client: client, origin: opts.Origin}, nil
}

// Fetch 按请求键（"GET /path?query"）从 origin 获取资源正文。
func (f *Fetcher) Fetch(ctx context.Context, key string) (*generation.Entry, error) {
	method, target, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, f.origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAssetFetch, key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrAssetFetch, key, resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAssetFetch, key, err)
	}
	return &generation.Entry{
		Key:         key,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now().UTC(),
	}, nil
}
