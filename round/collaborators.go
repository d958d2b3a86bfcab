package round

import (
	"context"
	"sync"

	"github.com/BaSui01/councilflow/deliberation"
	"github.com/BaSui01/councilflow/types"
)

// GenerateRequest 一次 Agent 回合的生成请求。
type GenerateRequest struct {
	ConversationID string
	RoundID        string
	RoundNumber    int
	Phase          deliberation.Phase
	Agent          Agent
	Role           deliberation.Role
	SystemPrompt   string
	History        []types.Message
	IdempotencyKey string
	RequestID      string
}

// GenerateResult 生成结果。Token 数来自上游返回的用量，
// 上游未返回时为零，由调用方估算兜底。
type GenerateResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	StatusCode       int
}

// DeltaFunc 接收流式输出增量。在编排 goroutine 内同步调用。
type DeltaFunc func(delta string)

// Generator 面向模型提供者的生成抽象。实现必须尊重 ctx 取消，
// 并在取消时返回 ctx.Err()（或其包装）。
type Generator interface {
	StreamGenerate(ctx context.Context, req GenerateRequest, onDelta DeltaFunc) (GenerateResult, error)
}

// CircuitTripper 接收提供者级失败信号并打开熔断冷却。
// 上游返回 5xx 时由编排器调用，实现方决定冷却时长。
type CircuitTripper interface {
	TripCircuit(ctx context.Context, provider string) error
}

// ReplyStore 轮次消息的持久化抽象。CreateReply 必须按
// idempotencyKey 幂等：重复键返回首次写入的消息，不产生新记录。
type ReplyStore interface {
	CreateReply(ctx context.Context, message types.Message, idempotencyKey string) (types.Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]types.Message, error)
}

// MemoryReplyStore 进程内 ReplyStore 实现，用于测试与单机部署。
type MemoryReplyStore struct {
	mu       sync.RWMutex
	messages map[string][]types.Message // conversationID -> ordered messages
	byKey    map[string]types.Message   // idempotencyKey -> stored message
}

// NewMemoryReplyStore 创建进程内消息存储。
func NewMemoryReplyStore() *MemoryReplyStore {
	return &MemoryReplyStore{
		messages: make(map[string][]types.Message),
		byKey:    make(map[string]types.Message),
	}
}

// CreateReply 持久化消息。重复的幂等键返回已存储的消息。
func (s *MemoryReplyStore) CreateReply(_ context.Context, message types.Message, idempotencyKey string) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if existing, ok := s.byKey[idempotencyKey]; ok {
			return existing, nil
		}
	}

	s.messages[message.ConversationID] = append(s.messages[message.ConversationID], message)
	if idempotencyKey != "" {
		s.byKey[idempotencyKey] = message
	}
	return message, nil
}

// ListByConversation 按写入顺序返回会话内的全部消息。
func (s *MemoryReplyStore) ListByConversation(_ context.Context, conversationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[conversationID]
	out := make([]types.Message, len(stored))
	copy(out, stored)
	return out, nil
}

var _ ReplyStore = (*MemoryReplyStore)(nil)
