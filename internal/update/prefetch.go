package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/logging"
)

// maxAssetBytes 限制单个预取资源的大小。
const maxAssetBytes = 64 << 20

// prefetch 以有限并发拉取缺失的必需资源并逐个 Commit。
// 任一资源失败会取消其余请求，返回第一个错误。
func (c *Coordinator) prefetch(ctx context.Context, gen *generation.Generation) error {
	missing := gen.Missing()
	if len(missing) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)
	for _, key := range missing {
		group.Go(func() error {
			entry, err := c.fetcher.Fetch(groupCtx, key)
			if err != nil {
				return err
			}
			if err := c.mgr.Commit(groupCtx, gen, *entry); err != nil {
				return fmt.Errorf("commit %s: %w", key, err)
			}
			c.logger.WithFields(logging.GenerationFields("prefetch", gen.Hash(), string(generation.StateBuilding))).
				WithField("key", key).
				WithField("bytes", len(entry.Body)).
				Debug("asset_committed")
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	c.logger.WithFields(logging.GenerationFields("prefetch", gen.Hash(), string(generation.StateBuilding))).
		WithField("assets", len(missing)).
		Info("prefetch_complete")
	return nil
}

func splitKey(key string) (method, target string, err error) {
	method, target, ok := strings.Cut(key, " ")
	if !ok || method == "" || !strings.HasPrefix(target, "/") {
		return "", "", fmt.Errorf("invalid request key %q", key)
	}
	return method, target, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxAssetBytes {
		return nil, fmt.Errorf("asset exceeds %d bytes", maxAssetBytes)
	}
	return body, nil
}
