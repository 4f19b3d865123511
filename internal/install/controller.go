package install

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

const stateKey = "install"

// 不可安装的原因。
const (
	ReasonManifestInvalid = "manifest_invalid"
	ReasonNoActive        = "no_active_generation"
	ReasonNotCapable      = "not_capable"
	ReasonAccepted        = "accepted"
	ReasonDismissed       = "dismissed"
)

// Options 描述 Controller 的依赖。
type Options struct {
	Store   cache.Store
	Manager *generation.Manager
	// Cooldown 是 Dismiss 之后的静默期。
	Cooldown time.Duration
	// AssumeCapable 为 true 时忽略宿主的能力信号。
	AssumeCapable bool
	Logger        *logrus.Logger
	Now           func() time.Time
}

// Decision 是一次资格判断的结果。
type Decision struct {
	Eligible       bool                  `json:"eligible"`
	Reason         string                `json:"reason,omitempty"`
	DismissedUntil time.Time             `json:"dismissed_until,omitempty"`
	Identity       *manifest.AppIdentity `json:"identity,omitempty"`
}

// persisted 保存在 _meta/install。
type persisted struct {
	Accepted       bool      `json:"accepted"`
	AcceptedAt     time.Time `json:"accepted_at,omitempty"`
	DismissedUntil time.Time `json:"dismissed_until,omitempty"`
}

// Controller 是安装提示的资格闸门，可并发使用。
type Controller struct {
	store         cache.Store
	mgr           *generation.Manager
	cooldown      time.Duration
	assumeCapable bool
	logger        *logrus.Logger
	now           func() time.Time

	mu      sync.Mutex
	state   persisted
	invalid error
}

// New 读取已持久化的接受/忽略记录并返回 Controller。
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("generation manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	c := &Controller{
		store:         opts.Store,
		mgr:           opts.Manager,
		cooldown:      opts.Cooldown,
		assumeCapable: opts.AssumeCapable,
		logger:        logger,
		now:           now,
	}
	state, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	c.state = state
	return c, nil
}

// Eligible 判断当前是否可以展示安装提示。capable 来自宿主的能力信号。
func (c *Controller) Eligible(capable bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.invalid != nil {
		return Decision{Reason: ReasonManifestInvalid}
	}
	active := c.mgr.Active()
	if active == nil {
		return Decision{Reason: ReasonNoActive}
	}
	if !capable && !c.assumeCapable {
		return Decision{Reason: ReasonNotCapable}
	}
	if c.state.Accepted {
		return Decision{Reason: ReasonAccepted}
	}
	if c.now().Before(c.state.DismissedUntil) {
		return Decision{Reason: ReasonDismissed, DismissedUntil: c.state.DismissedUntil}
	}
	identity := active.Manifest().Identity()
	return Decision{Eligible: true, Identity: &identity}
}

// Accept 记录用户接受安装，此后永久不再提示。
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state
	next.Accepted = true
	next.AcceptedAt = c.now()
	if err := c.save(ctx, next); err != nil {
		return err
	}
	c.state = next
	c.logger.WithField("action", "install_accept").Info("install_accepted")
	return nil
}

// Dismiss 记录用户拒绝，冷却期结束后重新可提示。
func (c *Controller) Dismiss(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state
	next.DismissedUntil = c.now().Add(c.cooldown)
	if err := c.save(ctx, next); err != nil {
		return err
	}
	c.state = next
	c.logger.WithFields(logrus.Fields{
		"action": "install_dismiss",
		"until":  next.DismissedUntil,
	}).Info("install_dismissed")
	return nil
}

// Invalidate 在 manifest 解析或校验失败时关闭安装资格。
func (c *Controller) Invalidate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		err = manifest.ErrMalformedManifest
	}
	c.invalid = err
	c.logger.WithError(err).WithField("action", "install_invalidate").Warn("install_disabled")
}

// ObserveManifest 接收 manifest 加载结果，签名与 update.Options.OnManifest 一致。
// 只有解析/校验失败才会关闭资格，网络错误（离线）保持原状。
func (c *Controller) ObserveManifest(m *manifest.AssetManifest, err error) {
	if err != nil {
		if errors.Is(err, manifest.ErrMalformedManifest) || errors.Is(err, manifest.ErrMissingRequiredField) {
			c.Invalidate(err)
		}
		return
	}
	if m == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid = nil
}

func (c *Controller) load(ctx context.Context) (persisted, error) {
	var state persisted
	result, err := c.store.Get(ctx, cache.Locator{Bucket: cache.MetaBucket, Key: stateKey})
	if errors.Is(err, cache.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	data, err := result.ReadAll()
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		// 损坏的记录按未记录处理，重新提示。
		c.logger.WithError(err).WithField("action", "install_load").Warn("install_state_corrupt")
		return persisted{}, nil
	}
	return state, nil
}

func (c *Controller) save(ctx context.Context, state persisted) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = c.store.Put(ctx, cache.Locator{Bucket: cache.MetaBucket, Key: stateKey}, bytes.NewReader(data), cache.PutOptions{
		ContentType: "application/json",
		ModTime:     c.now(),
	})
	return err
}
