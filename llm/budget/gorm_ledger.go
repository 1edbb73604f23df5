package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SpendRecord spend_ledger 表的行
type SpendRecord struct {
	ID             uint            `gorm:"primaryKey"`
	CredentialHash string          `gorm:"size:64;not null;index:idx_spend_credential_created,priority:1"`
	Model          string          `gorm:"size:255;not null"`
	InferenceType  string          `gorm:"size:64;not null;default:chat_completion"`
	CostUSD        decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_spend_credential_created,priority:2"`
}

// TableName 表名
func (SpendRecord) TableName() string { return "spend_ledger" }

// GormLedger 基于关系数据库的账本
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger 创建数据库账本，表结构由迁移管理
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Append 插入一行，时间统一存 UTC
func (l *GormLedger) Append(ctx context.Context, entry LedgerEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	rec := SpendRecord{
		CredentialHash: entry.CredentialHash,
		Model:          entry.Model,
		InferenceType:  entry.InferenceType,
		CostUSD:        entry.CostUSD,
		CreatedAt:      createdAt.UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append spend record: %w", err)
	}
	return nil
}

// SumSince 汇总 since 之后的花费
func (l *GormLedger) SumSince(ctx context.Context, credentialHash string, since time.Time, inferenceType string) (decimal.Decimal, error) {
	q := l.db.WithContext(ctx).
		Model(&SpendRecord{}).
		Select("COALESCE(SUM(cost_usd), 0)").
		Where("credential_hash = ? AND created_at >= ?", credentialHash, since.UTC())
	if inferenceType != "" && inferenceType != InferenceDefault {
		q = q.Where("inference_type = ?", inferenceType)
	}

	var sum decimal.NullDecimal
	if err := q.Row().Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum spend records: %w", err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}
