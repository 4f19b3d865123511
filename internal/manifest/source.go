package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// maxManifestBytes 限制 manifest 文档大小，避免异常响应占满内存。
const maxManifestBytes = 1 << 20

// Source 抽象 manifest 的来源（本地文件或 origin 上的 URL）。
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	String() string
}

// Doer 与 *http.Client 兼容，便于测试替换。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FileSource 从磁盘读取 manifest。
type FileSource struct {
	Path string
}

func (s FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxManifestBytes))
}

func (s FileSource) String() string {
	return "file:" + s.Path
}

// HTTPSource 通过共享上游 client GET manifest。
type HTTPSource struct {
	Client Doer
	URL    string
}

func (s HTTPSource) Read(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/manifest+json, application/json")
	// 绕过中间缓存，确保每个检查周期看到最新部署。
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("manifest request failed: status=%d body=%s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
}

func (s HTTPSource) String() string {
	return s.URL
}

// Load 读取并解析 manifest。来源不可达时返回原始错误；内容问题返回
// ErrMalformedManifest 或 ErrMissingRequiredField。
func Load(ctx context.Context, source Source) (*AssetManifest, error) {
	if source == nil {
		return nil, fmt.Errorf("manifest source required")
	}
	data, err := source.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", source, err)
	}
	return Parse(data)
}
