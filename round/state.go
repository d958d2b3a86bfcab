package round

import (
	"time"

	"github.com/BaSui01/councilflow/deliberation"
)

// previewLimit 预览保留的末尾字符数。
const previewLimit = 1000

// Agent 面板中的一个参与者。
type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
}

// AgentStatus Agent 回合的状态。
type AgentStatus string

const (
	StatusQueued     AgentStatus = "queued"
	StatusGenerating AgentStatus = "generating"
	StatusCompleted  AgentStatus = "completed"
	StatusFailed     AgentStatus = "failed"
	StatusCancelled  AgentStatus = "cancelled"
)

// Terminal 判断状态是否为终态。
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AgentRunState 一个 Agent 回合的可观测状态。
type AgentRunState struct {
	AgentID     string      `json:"agent_id"`
	AgentName   string      `json:"agent_name"`
	ModelID     string      `json:"model_id"`
	RoundNumber int         `json:"round_number"`
	Status      AgentStatus `json:"status"`
	// Preview 流式输出的末尾截断预览
	Preview    string    `json:"preview,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// appendPreview 追加流式增量并保留末尾 previewLimit 个字符。
// 按 rune 截断，避免切开多字节字符。
func appendPreview(preview, delta string) string {
	combined := preview + delta
	runes := []rune(combined)
	if len(runes) <= previewLimit {
		return combined
	}
	return string(runes[len(runes)-previewLimit:])
}

// RoundResult 一次轮次运行的汇总结果。
type RoundResult struct {
	RoundID          string             `json:"round_id"`
	RoundNumber      int                `json:"round_number"`
	Phase            deliberation.Phase `json:"phase"`
	CompletedAgents  []string           `json:"completed_agents"`
	FailedAgentIDs   []string           `json:"failed_agent_ids"`
	CancelledAgents  []string           `json:"cancelled_agents"`
	Cancelled        bool               `json:"cancelled"`
	RepliesProcessed int                `json:"replies_processed"`
}
