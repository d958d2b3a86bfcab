package gate

import (
	"context"
	"time"
)

// Backend 韧性原语的存储后端。Redis 实现与进程内实现
// 必须表现出相同的计数与过期语义。
type Backend interface {
	// IncrWindow 自增固定窗口计数；首次自增时设置窗口过期
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// SetNX 键不存在时写入并设置 TTL，返回是否写入成功
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr 自增计数器
	Incr(ctx context.Context, key string) (int64, error)

	// Decr 自减计数器
	Decr(ctx context.Context, key string) (int64, error)

	// Set 写入键值并设置 TTL
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Expire 刷新键的 TTL
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Exists 检查键是否存在
	Exists(ctx context.Context, key string) (bool, error)

	// TTL 返回键的剩余存活时间；键不存在时返回 0
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping 健康检查
	Ping(ctx context.Context) error

	// Close 释放后端资源
	Close() error
}
