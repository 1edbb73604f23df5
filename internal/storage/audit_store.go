package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditStore 审计写入
type AuditStore interface {
	InsertLog(ctx context.Context, log *LLMLog) error
}

// prepareLog 补齐 ID 与时间
func prepareLog(log *LLMLog) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
}

// GormAuditStore 基于 GORM 的审计写入
type GormAuditStore struct {
	db *gorm.DB
}

// NewGormAuditStore 创建审计仓储
func NewGormAuditStore(db *gorm.DB) *GormAuditStore {
	return &GormAuditStore{db: db}
}

// InsertLog 插入一条审计记录
func (s *GormAuditStore) InsertLog(ctx context.Context, log *LLMLog) error {
	prepareLog(log)
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("insert llm log: %w", err)
	}
	return nil
}

// ListRecent 最近的审计记录，可按状态过滤
func (s *GormAuditStore) ListRecent(ctx context.Context, status string, limit int) ([]LLMLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var logs []LLMLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list llm logs: %w", err)
	}
	return logs, nil
}

// NopAuditStore 丢弃所有审计记录
type NopAuditStore struct{}

// InsertLog 只补齐 ID
func (NopAuditStore) InsertLog(_ context.Context, log *LLMLog) error {
	prepareLog(log)
	return nil
}
