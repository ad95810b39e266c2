package protocol

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/pkg/logger"
)

// Policy 决定缓存键的粒度。
type Policy string

const (
	// PolicyPerConfig 以 (协议, 网络, 凭证指纹) 作为缓存键，不同账户互不共享连接器。
	PolicyPerConfig Policy = "per_config"
	// PolicyPerProtocol 每个协议只保留一个连接器，首次调用的配置对之后所有调用生效。
	PolicyPerProtocol Policy = "per_protocol"
)

// ParsePolicy 解析配置中的策略名称，空值返回默认策略。
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyPerConfig:
		return PolicyPerConfig, nil
	case PolicyPerProtocol:
		return PolicyPerProtocol, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown connector cache policy %q", raw))
	}
}

// Connector 是所有协议客户端需要实现的最小接口。
type Connector interface {
	Protocol() string
	Initialize(ctx context.Context) error
	Close() error
}

// Factory 根据配置构造尚未初始化的连接器。
type Factory func(cfg Config) (Connector, error)

type entry struct {
	mu   sync.Mutex
	conn Connector
	cfg  Config
}

// Cache 持有协议连接器。它由调用方显式创建并随查询传递，没有包级全局状态。
type Cache struct {
	policy  Policy
	mu      sync.Mutex
	entries map[string]*entry
}

// CacheOption 定义可选配置。
type CacheOption func(*Cache)

// WithPolicy 指定缓存策略。
func WithPolicy(policy Policy) CacheOption {
	return func(c *Cache) {
		if policy != "" {
			c.policy = policy
		}
	}
}

// NewCache 创建连接器缓存。
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{policy: PolicyPerConfig, entries: make(map[string]*entry)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Policy 返回当前策略。
func (c *Cache) Policy() Policy { return c.policy }

func (c *Cache) key(name string, cfg Config) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if c.policy == PolicyPerProtocol {
		return name
	}
	return name + "|" + cfg.NormalizedNetwork() + "|" + cfg.CredentialID()
}

// Get 返回缓存中的连接器；首次访问时构造并初始化。
// 构造或初始化失败时移除占位条目，下一次调用会重新尝试。
func (c *Cache) Get(ctx context.Context, name string, cfg Config, factory Factory) (Connector, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "connector cache is not configured")
	}
	if factory == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("no factory for protocol %s", name))
	}
	key := c.key(name, cfg)

	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			e = &entry{}
			c.entries[key] = e
		}
		c.mu.Unlock()

		e.mu.Lock()
		if e.conn != nil {
			conn := e.conn
			e.mu.Unlock()
			return conn, nil
		}
		// 等待期间条目可能因失败或 Close 被移除，此时回到映射重新取。
		if !c.holds(key, e) {
			e.mu.Unlock()
			continue
		}
		conn, err := c.create(ctx, name, cfg, factory)
		if err != nil {
			c.drop(key, e)
			e.mu.Unlock()
			return nil, err
		}
		e.conn = conn
		e.cfg = cfg
		e.mu.Unlock()

		logger.L().Info("协议连接器已创建",
			slog.String("protocol", conn.Protocol()),
			slog.String("network", cfg.NormalizedNetwork()),
			slog.String("credential", cfg.CredentialID()),
			slog.String("policy", string(c.policy)),
		)
		return conn, nil
	}
}

func (c *Cache) create(ctx context.Context, name string, cfg Config, factory Factory) (Connector, error) {
	conn, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("factory for %s returned no connector", name))
	}
	if err := conn.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Cache) holds(key string, e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key] == e
}

func (c *Cache) drop(key string, e *entry) {
	c.mu.Lock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Instance 是 Get 的类型化版本。
func Instance[T Connector](ctx context.Context, c *Cache, name string, cfg Config, factory func(Config) (T, error)) (T, error) {
	var zero T
	conn, err := c.Get(ctx, name, cfg, func(cfg Config) (Connector, error) {
		return factory(cfg)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := conn.(T)
	if !ok {
		return zero, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("cached connector for %s has unexpected type %T", name, conn))
	}
	return typed, nil
}

// Len 返回已初始化的连接器数量。
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Keys 返回已缓存的键，按字典序排列。键中只包含凭证指纹。
func (c *Cache) Keys() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close 关闭全部连接器并清空缓存。
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	var errs error
	for key, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			if err := e.conn.Close(); err != nil {
				errs = stdErrors.Join(errs, fmt.Errorf("close %s: %w", key, err))
			}
			e.conn = nil
		}
		e.mu.Unlock()
	}
	return errs
}
