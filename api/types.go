package api

import "time"

// =============================================================================
// 轮次类型
// =============================================================================

// StartRoundRequest 开启一轮讨论的请求。
// @Description 开启轮次请求结构
type StartRoundRequest struct {
	// 用户标识
	UserID string `json:"user_id" example:"user-1" binding:"required"`
	// 开场内容
	Content string `json:"content" example:"Should we adopt event sourcing?" binding:"required"`
	// 轮次编号，缺省为 1
	RoundNumber int `json:"round_number,omitempty" example:"1"`
	// 幂等键，重复提交会被拒绝
	IdempotencyKey string `json:"idempotency_key,omitempty" example:"req-abc-123"`
}

// StartRoundResponse 开启轮次的响应。
// @Description 开启轮次响应结构
type StartRoundResponse struct {
	// 轮次 ID（即开场消息 ID）
	RoundID string `json:"round_id" example:"6e4a2d3c-1b5f-4a8e-9c7d-0f1e2a3b4c5d"`
	// 会话 ID
	ConversationID string `json:"conversation_id" example:"conv-1"`
	// 轮次编号
	RoundNumber int `json:"round_number" example:"1"`
	// 当前阶段
	Phase string `json:"phase" example:"diverge"`
	// 接受时间
	AcceptedAt time.Time `json:"accepted_at"`
}

// ReplyRequest 向活跃轮次追加用户追问的请求。
// @Description 用户追问请求结构
type ReplyRequest struct {
	// 用户标识
	UserID string `json:"user_id" example:"user-1" binding:"required"`
	// 追问内容
	Content string `json:"content" example:"What about operational cost?" binding:"required"`
}

// ReplyResponse 追问入队的响应。
// @Description 用户追问响应结构
type ReplyResponse struct {
	// 追问消息 ID，也将成为新轮次的轮次 ID
	MessageID string `json:"message_id"`
	// 会话 ID
	ConversationID string `json:"conversation_id"`
}

// RetryResponse 重试失败 Agent 的响应。
// @Description 重试响应结构
type RetryResponse struct {
	// 重试启动的轮次 ID
	RoundID string `json:"round_id"`
	// 会话 ID
	ConversationID string `json:"conversation_id"`
}

// CancelResponse 取消轮次的响应。
// @Description 取消响应结构
type CancelResponse struct {
	// 会话 ID
	ConversationID string `json:"conversation_id"`
	// 取消请求是否已受理（取消是协作式的，生效需到下一检查点）
	Accepted bool `json:"accepted"`
}
