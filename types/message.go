package types

import (
	"time"

	"github.com/google/uuid"
)

// Role 表示消息参与者的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageMode 表示消息来源。
type MessageMode string

const (
	ModeHuman MessageMode = "human"
	ModeAgent MessageMode = "agent"
)

// Message 表示会话中的一条消息。
// 用户发出的根消息或回复会开启新一轮讨论，其 ID 即该轮的 RoundID。
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	RoundID        string      `json:"round_id,omitempty"`
	ParentID       string      `json:"parent_id,omitempty"`
	Role           Role        `json:"role"`
	Mode           MessageMode `json:"mode"`
	SenderID       string      `json:"sender_id,omitempty"` // 发言 Agent 或用户标识
	SenderName     string      `json:"sender_name,omitempty"`
	ModelID        string      `json:"model_id,omitempty"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessage 创建一条带新 ID 与时间戳的消息。
func NewMessage(role Role, mode MessageMode, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Mode:      mode,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage 创建一条用户消息。
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, ModeHuman, content)
}

// NewAgentMessage 创建一条 Agent 消息。
func NewAgentMessage(agentID, modelID, content string) Message {
	m := NewMessage(RoleAssistant, ModeAgent, content)
	m.SenderID = agentID
	m.ModelID = modelID
	return m
}

// WithConversation 绑定会话 ID。
func (m Message) WithConversation(conversationID string) Message {
	m.ConversationID = conversationID
	return m
}

// WithRound 绑定轮次 ID。
func (m Message) WithRound(roundID string) Message {
	m.RoundID = roundID
	return m
}

// WithParent 绑定父消息 ID。
func (m Message) WithParent(parentID string) Message {
	m.ParentID = parentID
	return m
}
