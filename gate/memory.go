package gate

import (
	"context"
	"sync"
	"time"
)

// memoryEntry 进程内后端的键记录。expiresAt 为零值表示永不过期。
type memoryEntry struct {
	value     string
	counter   int64
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryBackend 进程内 Backend 实现。Redis 不可用时的降级路径，
// 也用于单机部署与测试。清理循环定期回收过期键。
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	done    chan struct{}
	closed  bool
}

// NewMemoryBackend 创建进程内后端并启动清理循环。
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

// getLocked 返回未过期的键记录；过期键视同不存在并删除。
// 调用方必须持有锁。
func (b *MemoryBackend) getLocked(key string) *memoryEntry {
	e, ok := b.entries[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(b.entries, key)
		return nil
	}
	return e
}

func (b *MemoryBackend) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.getLocked(key)
	if e == nil {
		e = &memoryEntry{expiresAt: time.Now().Add(window)}
		b.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (b *MemoryBackend) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.getLocked(key) != nil {
		return false, nil
	}
	b.entries[key] = &memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.getLocked(key)
	if e == nil {
		e = &memoryEntry{}
		b.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (b *MemoryBackend) Decr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.getLocked(key)
	if e == nil {
		e = &memoryEntry{}
		b.entries[key] = e
	}
	e.counter--
	return e.counter, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	b.entries[key] = e
	return nil
}

func (b *MemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e := b.getLocked(key); e != nil {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (b *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.getLocked(key) != nil, nil
}

func (b *MemoryBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.getLocked(key)
	if e == nil || e.expiresAt.IsZero() {
		return 0, nil
	}
	remaining := time.Until(e.expiresAt)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error {
	return nil
}

// Close 停止清理循环。
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// cleanupLoop 定期回收过期键，防止降级期间内存增长。
func (b *MemoryBackend) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for key, e := range b.entries {
				if e.expired(now) {
					delete(b.entries, key)
				}
			}
			b.mu.Unlock()
		}
	}
}
