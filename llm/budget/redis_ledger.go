package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// 计数器以 1e-12 美元为单位，int64 足够覆盖日限额量级
const picoExp = 12

// RedisLedger 以 UTC 日为桶的 Redis 账本
//
//	spend:{hash}:{yyyymmdd}:entries      明细 JSON 列表
//	spend:{hash}:{yyyymmdd}:total        全部类型的累计（pico USD）
//	spend:{hash}:{yyyymmdd}:type:{type}  按类型累计
//
// 精度为日：SumSince 把 since 向下取整到 UTC 零点。
// 账本只追加，键不设过期时间，清理由运维负责。
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLedger 创建 Redis 账本
func NewRedisLedger(rdb redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "spend"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, now: time.Now}
}

func (l *RedisLedger) dayKey(hash string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, hash, day.UTC().Format("20060102"))
}

// Append 写入明细并累加计数器
func (l *RedisLedger) Append(ctx context.Context, entry LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	pico := entry.CostUSD.Shift(picoExp).Round(0).IntPart()
	base := l.dayKey(entry.CredentialHash, entry.CreatedAt)

	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, base+":entries", data)
	pipe.IncrBy(ctx, base+":total", pico)
	pipe.IncrBy(ctx, base+":type:"+entry.InferenceType, pico)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// SumSince 汇总 since 所在 UTC 日至今的花费
func (l *RedisLedger) SumSince(ctx context.Context, credentialHash string, since time.Time, inferenceType string) (decimal.Decimal, error) {
	now := l.now().UTC()
	day := since.UTC().Truncate(24 * time.Hour)
	if day.After(now) {
		return decimal.Zero, nil
	}

	suffix := ":total"
	if inferenceType != "" && inferenceType != InferenceDefault {
		suffix = ":type:" + inferenceType
	}

	var keys []string
	for ; !day.After(now); day = day.Add(24 * time.Hour) {
		keys = append(keys, l.dayKey(credentialHash, day)+suffix)
	}

	vals, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger counters: %w", err)
	}

	var pico int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse ledger counter: %w", err)
		}
		pico += n.IntPart()
	}
	return decimal.New(pico, -picoExp), nil
}

// Entries 读取某日明细，供审计导出使用
func (l *RedisLedger) Entries(ctx context.Context, credentialHash string, day time.Time) ([]LedgerEntry, error) {
	raw, err := l.rdb.LRange(ctx, l.dayKey(credentialHash, day)+":entries", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger entries: %w", err)
	}
	out := make([]LedgerEntry, 0, len(raw))
	for _, r := range raw {
		var e LedgerEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
