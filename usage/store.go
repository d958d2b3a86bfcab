package usage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Store 用量记录的数据库访问层。
type Store struct {
	db *gorm.DB
}

// NewStore 创建用量存储并迁移表结构。
// 支持: PostgreSQL, MySQL, SQLite
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate usage records: %w", err)
	}
	return &Store{db: db}, nil
}

// Save 持久化一条用量记录。同一 RequestID 重复提交时保留首条。
func (s *Store) Save(ctx context.Context, record *Record) error {
	if record.RequestID != "" {
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&Record{}).
			Where("request_id = ?", record.RequestID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check duplicate usage record: %w", err)
		}
		if count > 0 {
			return nil
		}
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

// ListByRound 按轮次列出用量记录。
func (s *Store) ListByRound(ctx context.Context, roundID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}

// Totals 用户级的用量汇总。
type Totals struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	Requests         int64 `json:"requests"`
}

// TotalsByUser 汇总用户的累计用量。
func (s *Store) TotalsByUser(ctx context.Context, userID string) (Totals, error) {
	var totals Totals
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("COALESCE(SUM(prompt_tokens),0) AS prompt_tokens, "+
			"COALESCE(SUM(completion_tokens),0) AS completion_tokens, "+
			"COUNT(*) AS requests").
		Where("user_id = ?", userID).
		Scan(&totals).Error
	if err != nil {
		return Totals{}, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return totals, nil
}
