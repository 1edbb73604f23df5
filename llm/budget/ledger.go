package budget

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry 一条不可变的花费记录
type LedgerEntry struct {
	CredentialHash string          `json:"credential_hash"`
	Model          string          `json:"model"`
	InferenceType  string          `json:"inference_type"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SpendLedger 追加写入的花费账本
// inferenceType 为空或 default 时汇总全部类型
type SpendLedger interface {
	Append(ctx context.Context, entry LedgerEntry) error
	SumSince(ctx context.Context, credentialHash string, since time.Time, inferenceType string) (decimal.Decimal, error)
}

func matchesType(filter, entryType string) bool {
	return filter == "" || filter == InferenceDefault || filter == entryType
}

// MemoryLedger 进程内账本，用于测试与单实例部署
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []LedgerEntry
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append 追加记录
func (l *MemoryLedger) Append(ctx context.Context, entry LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return nil
}

// SumSince 汇总 since 之后（含）的花费
func (l *MemoryLedger) SumSince(ctx context.Context, credentialHash string, since time.Time, inferenceType string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, e := range l.entries {
		if e.CredentialHash != credentialHash || e.CreatedAt.Before(since) {
			continue
		}
		if !matchesType(inferenceType, e.InferenceType) {
			continue
		}
		total = total.Add(e.CostUSD)
	}
	return total, nil
}

// Len 记录条数
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
