package usage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Status 用量记录的终态。
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record 一次 Agent 回合的用量记录。字段名是摄取契约的一部分，
// 下游计费按此消费。
type Record struct {
	ID               uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	UserID           string    `json:"userId" gorm:"index;size:64"`
	ConversationID   string    `json:"conversationId" gorm:"index;size:64"`
	RoundID          string    `json:"roundId" gorm:"index;size:64"`
	ModelID          string    `json:"modelId" gorm:"size:128"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	LatencyMs        int64     `json:"latencyMs"`
	Status           Status    `json:"status" gorm:"size:16"`
	StatusCode       int       `json:"statusCode"`
	RequestID        string    `json:"requestId" gorm:"size:64"`
	CreatedAt        time.Time `json:"createdAt"`
}

// TableName 指定表名。
func (Record) TableName() string {
	return "usage_records"
}

// Recorder 用量记录接收端。实现必须容忍重复提交同一 RequestID。
type Recorder interface {
	Record(ctx context.Context, record Record) error
}

// NopRecorder 丢弃所有记录。用于测试与未配置数据库的部署。
type NopRecorder struct{}

func (NopRecorder) Record(_ context.Context, _ Record) error {
	return nil
}

// StoreRecorder 将用量记录写入数据库。写入失败只记日志不回传，
// 用量丢失不应使已完成的回合失败。
type StoreRecorder struct {
	store  *Store
	logger *zap.Logger
}

// NewStoreRecorder 创建数据库用量记录器。
func NewStoreRecorder(store *Store, logger *zap.Logger) *StoreRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreRecorder{
		store:  store,
		logger: logger.With(zap.String("component", "usage")),
	}
}

// Record 持久化一条用量记录。
func (r *StoreRecorder) Record(ctx context.Context, record Record) error {
	if err := r.store.Save(ctx, &record); err != nil {
		r.logger.Error("failed to persist usage record",
			zap.String("request_id", record.RequestID),
			zap.String("model_id", record.ModelID),
			zap.Error(err),
		)
		return err
	}
	r.logger.Debug("usage record persisted",
		zap.String("user_id", record.UserID),
		zap.String("round_id", record.RoundID),
		zap.String("model_id", record.ModelID),
		zap.Int("prompt_tokens", record.PromptTokens),
		zap.Int("completion_tokens", record.CompletionTokens),
	)
	return nil
}

// 编译期接口断言
var (
	_ Recorder = NopRecorder{}
	_ Recorder = (*StoreRecorder)(nil)
)
