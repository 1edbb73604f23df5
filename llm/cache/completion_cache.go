package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config 补全缓存配置
type Config struct {
	TTL    time.Duration `yaml:"ttl" json:"ttl"`
	Prefix string        `yaml:"prefix" json:"prefix"`
}

// DefaultConfig 默认一小时过期
func DefaultConfig() Config {
	return Config{TTL: time.Hour, Prefix: "llmgw:completion:"}
}

// Stats 命中统计
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Shared int64 `json:"shared"`
}

// CompletionCache 补全结果缓存
type CompletionCache struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
}

// NewCompletionCache 创建补全缓存
func NewCompletionCache(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *CompletionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	return &CompletionCache{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "completion_cache")),
	}
}

type keyMaterial struct {
	Model       string       `json:"model"`
	Messages    []keyMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	TopP        float64      `json:"top_p"`
	MaxTokens   int          `json:"max_tokens"`
}

type keyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Key 计算请求的缓存键，调用方应传入已脱敏的消息
func (c *CompletionCache) Key(req *llm.ChatRequest) string {
	m := keyMaterial{
		Model:       req.Model,
		Messages:    make([]keyMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	for _, msg := range req.Messages {
		m.Messages = append(m.Messages, keyMessage{Role: string(msg.Role), Content: msg.Content, Name: msg.Name})
	}
	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return c.cfg.Prefix + hex.EncodeToString(sum[:])
}

// Get 读取缓存，读失败视为未命中
func (c *CompletionCache) Get(ctx context.Context, key string) (*llm.ChatResponse, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("completion cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var resp llm.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("completion cache entry corrupted, dropping", zap.Error(err))
		_ = c.rdb.Del(ctx, key).Err()
		return nil, false
	}
	return &resp, true
}

// Set 写入缓存
func (c *CompletionCache) Set(ctx context.Context, key string, resp *llm.ChatResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	if err := c.rdb.Set(ctx, key, data, c.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("write completion cache: %w", err)
	}
	return nil
}

// GetOrLoad 命中时直接返回；未命中时合并并发加载并回填
// hit 为 true 表示本次调用没有触发上游请求
func (c *CompletionCache) GetOrLoad(ctx context.Context, req *llm.ChatRequest, load func(context.Context) (*llm.ChatResponse, error)) (resp *llm.ChatResponse, hit bool, err error) {
	key := c.Key(req)
	if cached, ok := c.Get(ctx, key); ok {
		c.hits.Add(1)
		return cached, true, nil
	}

	leader := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		leader = true
		r, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, r); err != nil {
			c.logger.Warn("completion cache write failed", zap.Error(err))
		}
		return r, nil
	})
	if err != nil {
		return nil, false, err
	}
	if leader {
		c.misses.Add(1)
		return v.(*llm.ChatResponse), false, nil
	}
	c.shared.Add(1)
	return v.(*llm.ChatResponse), true, nil
}

// Stats 返回命中统计快照
func (c *CompletionCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Shared: c.shared.Load()}
}
