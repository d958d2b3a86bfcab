package gate

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/types"
)

// =============================================================================
// 配置
// =============================================================================

// Config 门控配置。
type Config struct {
	// Strict 严格模式：后端不可用时 fail-closed 拒绝请求。
	// 关闭时降级到进程内后端继续服务。
	Strict bool `yaml:"strict" json:"strict"`

	// RateLimit 固定窗口限流
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// IdempotencyTTL 幂等占位的存活时间
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" json:"idempotency_ttl"`

	// MaxConcurrent 单用户最大并发轮次数
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// SlotTTL 并发槽位计数的 TTL，防止崩溃后泄漏
	SlotTTL time.Duration `yaml:"slot_ttl" json:"slot_ttl"`

	// CircuitCooldown 熔断冷却时长
	CircuitCooldown time.Duration `yaml:"circuit_cooldown" json:"circuit_cooldown"`
}

// RateLimitConfig 固定窗口限流配置。
type RateLimitConfig struct {
	// Limit 窗口内允许的请求数
	Limit int `yaml:"limit" json:"limit"`

	// Window 窗口时长
	Window time.Duration `yaml:"window" json:"window"`
}

// DefaultConfig 返回默认门控配置。
func DefaultConfig() Config {
	return Config{
		Strict: false,
		RateLimit: RateLimitConfig{
			Limit:  30,
			Window: time.Minute,
		},
		IdempotencyTTL:  10 * time.Minute,
		MaxConcurrent:   3,
		SlotTTL:         15 * time.Minute,
		CircuitCooldown: 60 * time.Second,
	}
}

// =============================================================================
// 门控
// =============================================================================

// Gate 编排入口的韧性门控。
// 四个原语按顺序在接收请求处调用：限流、幂等占位、并发槽位、
// 熔断检查。任一拒绝都在工作开始前挡下请求。
type Gate struct {
	backend  Backend
	fallback *MemoryBackend
	config   Config
	logger   *zap.Logger
}

// New 创建门控。backend 为 nil 时直接使用进程内后端。
func New(backend Backend, config Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := NewMemoryBackend()
	if backend == nil {
		backend = fallback
	}
	return &Gate{
		backend:  backend,
		fallback: fallback,
		config:   config,
		logger:   logger.With(zap.String("component", "gate")),
	}
}

// Close 释放后端资源。
func (g *Gate) Close() error {
	err := g.backend.Close()
	if ferr := g.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}

// errUnavailable 严格模式下后端故障的统一拒绝。
func errUnavailable(cause error) *types.Error {
	return types.NewError(types.ErrGateUnavailable, "resilience gate backend unavailable").
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true).
		WithCause(cause)
}

// =============================================================================
// 限流
// =============================================================================

// RateLimitResult 限流检查结果。
type RateLimitResult struct {
	Allowed           bool  `json:"allowed"`
	Count             int64 `json:"count"`
	Limit             int   `json:"limit"`
	RetryAfterSeconds int   `json:"retry_after_seconds,omitempty"`
}

// CheckRateLimit 固定窗口限流检查。scope 区分限流维度
// （如 user、conversation），id 是维度内的主体标识。
// 拒绝不是错误：Allowed=false 且 err=nil。
func (g *Gate) CheckRateLimit(ctx context.Context, scope, id string) (RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", scope, id)
	limit := g.config.RateLimit.Limit
	window := g.config.RateLimit.Window

	count, err := g.backend.IncrWindow(ctx, key, window)
	if err != nil {
		if g.config.Strict {
			return RateLimitResult{}, errUnavailable(err)
		}
		g.logger.Warn("rate limit backend failed, falling back to in-process counter",
			zap.String("key", key), zap.Error(err))
		count, err = g.fallback.IncrWindow(ctx, key, window)
		if err != nil {
			return RateLimitResult{}, errUnavailable(err)
		}
	}

	result := RateLimitResult{
		Allowed: count <= int64(limit),
		Count:   count,
		Limit:   limit,
	}
	if !result.Allowed {
		result.RetryAfterSeconds = g.retryAfter(ctx, key, window)
		g.logger.Info("rate limit exceeded",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.Int64("count", count),
			zap.Int("limit", limit),
		)
	}
	return result, nil
}

// retryAfter 由键的剩余 TTL 推导重试提示；TTL 不可用时
// 退回完整窗口时长。始终向上取整且至少 1 秒。
func (g *Gate) retryAfter(ctx context.Context, key string, window time.Duration) int {
	ttl, err := g.backend.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl, err = g.fallback.TTL(ctx, key)
		if err != nil || ttl <= 0 {
			ttl = window
		}
	}
	seconds := int(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// =============================================================================
// 幂等占位
// =============================================================================

// ClaimIdempotency 以 SET NX 占位指定幂等键。首个调用者占位
// 成功返回 true；TTL 内重复键返回 false，调用方应拒绝为
// 重复请求。
func (g *Gate) ClaimIdempotency(ctx context.Context, userID, key string) (bool, error) {
	fullKey := fmt.Sprintf("idem:%s:%s", userID, key)

	claimed, err := g.backend.SetNX(ctx, fullKey, "1", g.config.IdempotencyTTL)
	if err != nil {
		if g.config.Strict {
			return false, errUnavailable(err)
		}
		g.logger.Warn("idempotency backend failed, falling back to in-process store",
			zap.String("key", fullKey), zap.Error(err))
		claimed, err = g.fallback.SetNX(ctx, fullKey, "1", g.config.IdempotencyTTL)
		if err != nil {
			return false, errUnavailable(err)
		}
	}

	if !claimed {
		g.logger.Info("duplicate request rejected by idempotency claim",
			zap.String("user_id", userID))
	}
	return claimed, nil
}

// =============================================================================
// 并发槽位
// =============================================================================

// SlotResult 并发槽位获取结果。获取成功时 Release 归还槽位，
// 必须在轮次终态后调用且只调用一次。
type SlotResult struct {
	Acquired bool  `json:"acquired"`
	Active   int64 `json:"active"`
	Limit    int   `json:"limit"`

	Release func(ctx context.Context) `json:"-"`
}

// AcquireSlot 获取用户的并发槽位。先自增计数并刷新 TTL
// （崩溃泄漏保护），超限时立即回退自减并拒绝。
func (g *Gate) AcquireSlot(ctx context.Context, userID string) (SlotResult, error) {
	key := fmt.Sprintf("concurrency:%s", userID)
	max := g.config.MaxConcurrent

	backend := g.backend
	active, err := backend.Incr(ctx, key)
	if err != nil {
		if g.config.Strict {
			return SlotResult{}, errUnavailable(err)
		}
		g.logger.Warn("concurrency backend failed, falling back to in-process counter",
			zap.String("key", key), zap.Error(err))
		backend = g.fallback
		active, err = backend.Incr(ctx, key)
		if err != nil {
			return SlotResult{}, errUnavailable(err)
		}
	}

	// TTL 兜底：进程崩溃未归还的槽位随键过期自动回收
	if err := backend.Expire(ctx, key, g.config.SlotTTL); err != nil {
		g.logger.Warn("failed to refresh slot ttl", zap.String("key", key), zap.Error(err))
	}

	if active > int64(max) {
		g.releaseSlot(ctx, backend, key)
		g.logger.Info("concurrency slot denied",
			zap.String("user_id", userID),
			zap.Int64("active", active),
			zap.Int("limit", max),
		)
		return SlotResult{Acquired: false, Active: active - 1, Limit: max}, nil
	}

	released := false
	return SlotResult{
		Acquired: true,
		Active:   active,
		Limit:    max,
		Release: func(ctx context.Context) {
			if released {
				return
			}
			released = true
			g.releaseSlot(ctx, backend, key)
		},
	}, nil
}

// releaseSlot 自减槽位计数，负值钳位到零。
func (g *Gate) releaseSlot(ctx context.Context, backend Backend, key string) {
	remaining, err := backend.Decr(ctx, key)
	if err != nil {
		g.logger.Warn("failed to release concurrency slot",
			zap.String("key", key), zap.Error(err))
		return
	}
	if remaining < 0 {
		if err := backend.Set(ctx, key, "0", g.config.SlotTTL); err != nil {
			g.logger.Warn("failed to clamp concurrency counter",
				zap.String("key", key), zap.Error(err))
		}
	}
}

// =============================================================================
// 熔断
// =============================================================================

// TripCircuit 标记提供者进入熔断冷却。冷却以 TTL 标志位实现，
// 到期自动闭合，无需显式复位。
func (g *Gate) TripCircuit(ctx context.Context, provider string) error {
	key := fmt.Sprintf("circuit:%s:cooldown", provider)

	err := g.backend.Set(ctx, key, "1", g.config.CircuitCooldown)
	if err != nil {
		if g.config.Strict {
			return errUnavailable(err)
		}
		g.logger.Warn("circuit backend failed, falling back to in-process flag",
			zap.String("key", key), zap.Error(err))
		if err := g.fallback.Set(ctx, key, "1", g.config.CircuitCooldown); err != nil {
			return errUnavailable(err)
		}
	}

	g.logger.Warn("circuit tripped",
		zap.String("provider", provider),
		zap.Duration("cooldown", g.config.CircuitCooldown),
	)
	return nil
}

// CircuitOpen 检查提供者是否处于熔断冷却中。
// 开启时第二个返回值给出重试提示秒数。
func (g *Gate) CircuitOpen(ctx context.Context, provider string) (bool, int, error) {
	key := fmt.Sprintf("circuit:%s:cooldown", provider)

	open, err := g.backend.Exists(ctx, key)
	if err != nil {
		if g.config.Strict {
			return false, 0, errUnavailable(err)
		}
		g.logger.Warn("circuit backend failed, falling back to in-process flag",
			zap.String("key", key), zap.Error(err))
		open, err = g.fallback.Exists(ctx, key)
		if err != nil {
			return false, 0, errUnavailable(err)
		}
	}

	if !open {
		return false, 0, nil
	}
	return true, g.retryAfter(ctx, key, g.config.CircuitCooldown), nil
}

// Ping 检查主后端健康状态。
func (g *Gate) Ping(ctx context.Context) error {
	return g.backend.Ping(ctx)
}
