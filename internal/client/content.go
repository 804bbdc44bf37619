// Package client 访问内容服务获取小说信息。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
	"github.com/lvdashuaibi/votesaga/internal/model"
	"github.com/lvdashuaibi/votesaga/internal/reliability"
)

const (
	novelPath      = "/api/v1/novels/"
	novelBatchPath = "/api/v1/novels/batch/get"
)

// StatusError 内容服务返回非2xx状态码
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("内容服务返回状态码 %d: %s", e.StatusCode, e.Body)
}

// apiResponse 内容服务统一响应格式
type apiResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type ContentClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *reliability.CircuitBreaker
	retry      reliability.RetryPolicy
	logger     *zap.Logger
}

func NewContentClient(cfg config.ContentConfig, httpClient *http.Client, logger *zap.Logger) *ContentClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			Name:         "content-service",
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
			IsFailure:    isFailure,
		}),
		retry: reliability.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
			ShouldRetry: shouldRetry,
		},
		logger: logger,
	}
}

// GetNovelByID 查询小说，不存在时返回 model.ErrNovelNotFound
func (c *ContentClient) GetNovelByID(ctx context.Context, novelID int64) (*model.Novel, error) {
	var novel *model.Novel
	err := c.call(ctx, func() error {
		var resp apiResponse[*model.Novel]
		if err := c.do(ctx, http.MethodGet, novelPath+strconv.FormatInt(novelID, 10), nil, &resp); err != nil {
			return err
		}
		if resp.Data == nil {
			return model.ErrNovelNotFound
		}
		novel = resp.Data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询小说 %d 失败: %w", novelID, err)
	}
	return novel, nil
}

// GetNovelsBatch 批量查询小说，不存在的小说不会出现在结果中
func (c *ContentClient) GetNovelsBatch(ctx context.Context, novelIDs []int64) ([]*model.Novel, error) {
	if len(novelIDs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(novelIDs)
	if err != nil {
		return nil, fmt.Errorf("序列化小说ID失败: %w", err)
	}

	var novels []*model.Novel
	err = c.call(ctx, func() error {
		var resp apiResponse[[]*model.Novel]
		if err := c.do(ctx, http.MethodPost, novelBatchPath, body, &resp); err != nil {
			return err
		}
		novels = resp.Data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("批量查询小说失败: %w", err)
	}
	return novels, nil
}

// call 每次尝试都经过熔断器
func (c *ContentClient) call(ctx context.Context, fn func() error) error {
	err := c.retry.Do(ctx, func() error {
		return c.breaker.Execute(fn)
	})
	if errors.Is(err, reliability.ErrCircuitOpen) {
		c.logger.Warn("内容服务熔断中，拒绝调用")
	}
	return err
}

func (c *ContentClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求内容服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.ErrNovelNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析内容服务响应失败: %w", err)
	}
	return nil
}

// isFailure 不存在和4xx不计入熔断
func isFailure(err error) bool {
	if errors.Is(err, model.ErrNovelNotFound) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
		return false
	}
	return true
}

func shouldRetry(err error) bool {
	return isFailure(err) && reliability.DefaultShouldRetry(err)
}
