package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 数据集切分目标
const (
	DatasetTrain = "train"
	DatasetVal   = "val"
	DatasetTest  = "test"
)

// DatasetStats 单个数据集的统计
type DatasetStats struct {
	Dataset       string     `json:"dataset"`
	TotalExamples int64      `json:"total_examples"`
	UniqueTools   int64      `json:"unique_tools"`
	AvgQuality    *float64   `json:"avg_quality"`
	FirstCreated  *time.Time `json:"first_created"`
	LastCreated   *time.Time `json:"last_created"`
}

// SplitResult 切分结果
type SplitResult struct {
	Train int `json:"train"`
	Val   int `json:"val"`
	Test  int `json:"test"`
	Total int `json:"total"`
}

// TxRunner 在事务中执行 fn，可由连接池提供带冲突重试的实现
type TxRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error

// RepositoryOption 配置 DatasetRepository
type RepositoryOption func(*DatasetRepository)

// WithTxRunner 替换切分数据集时使用的事务执行器
func WithTxRunner(run TxRunner) RepositoryOption {
	return func(r *DatasetRepository) { r.runTx = run }
}

// DatasetRepository ft_pairs 仓储
type DatasetRepository struct {
	db      *gorm.DB
	logger  *zap.Logger
	shuffle func(n int, swap func(i, j int))
	runTx   TxRunner
}

// NewDatasetRepository 创建数据集仓储
func NewDatasetRepository(db *gorm.DB, logger *zap.Logger, opts ...RepositoryOption) *DatasetRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &DatasetRepository{
		db:      db,
		logger:  logger.With(zap.String("component", "dataset_repository")),
		shuffle: rand.Shuffle,
	}
	r.runTx = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return r.db.WithContext(ctx).Transaction(fn)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InsertPairs 逐条写入样本，单条失败只记录日志，返回成功条数
func (r *DatasetRepository) InsertPairs(ctx context.Context, pairs []FTPair) int {
	saved := 0
	for i := range pairs {
		if pairs[i].Dataset == "" {
			pairs[i].Dataset = DatasetGenerated
		}
		if err := r.db.WithContext(ctx).Create(&pairs[i]).Error; err != nil {
			r.logger.Error("failed to insert ft pair",
				zap.Int("index", i),
				zap.String("tool_name", pairs[i].ToolName),
				zap.Error(err))
			continue
		}
		saved++
	}
	return saved
}

// ExportJSONL 按创建时间倒序导出 {"messages": full_messages}，返回行数
func (r *DatasetRepository) ExportJSONL(ctx context.Context, dataset string, w io.Writer) (int, error) {
	if dataset == "" {
		dataset = DatasetGenerated
	}
	rows, err := r.db.WithContext(ctx).
		Model(&FTPair{}).
		Select("meta").
		Where("dataset = ?", dataset).
		Order("created_at DESC").
		Order("id DESC").
		Rows()
	if err != nil {
		return 0, fmt.Errorf("query ft pairs: %w", err)
	}
	defer rows.Close()

	written := 0
	for rows.Next() {
		var meta string
		if err := rows.Scan(&meta); err != nil {
			return written, fmt.Errorf("scan ft pair: %w", err)
		}
		var parsed struct {
			FullMessages json.RawMessage `json:"full_messages"`
		}
		if err := json.Unmarshal([]byte(meta), &parsed); err != nil {
			r.logger.Warn("skipping ft pair with invalid meta", zap.Error(err))
			continue
		}
		if len(parsed.FullMessages) == 0 || string(parsed.FullMessages) == "null" || string(parsed.FullMessages) == "[]" {
			continue
		}
		line, err := json.Marshal(map[string]json.RawMessage{"messages": parsed.FullMessages})
		if err != nil {
			return written, fmt.Errorf("encode jsonl line: %w", err)
		}
		if written > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return written, err
			}
		}
		if _, err := w.Write(line); err != nil {
			return written, err
		}
		written++
	}
	if err := rows.Err(); err != nil {
		return written, fmt.Errorf("iterate ft pairs: %w", err)
	}

	r.logger.Info("dataset exported", zap.String("dataset", dataset), zap.Int("examples", written))
	return written, nil
}

// Statistics 按数据集分组统计，dataset 非空时只返回该数据集
func (r *DatasetRepository) Statistics(ctx context.Context, dataset string) ([]DatasetStats, error) {
	q := r.db.WithContext(ctx).
		Model(&FTPair{}).
		Select("dataset, COUNT(*), COUNT(DISTINCT tool_name), AVG(quality_score), MIN(created_at), MAX(created_at)").
		Group("dataset").
		Order("dataset")
	if dataset != "" {
		q = q.Where("dataset = ?", dataset)
	}

	rows, err := q.Rows()
	if err != nil {
		return nil, fmt.Errorf("query dataset statistics: %w", err)
	}
	defer rows.Close()

	out := make([]DatasetStats, 0)
	for rows.Next() {
		var (
			s           DatasetStats
			avg         *float64
			first, last scanTime
		)
		if err := rows.Scan(&s.Dataset, &s.TotalExamples, &s.UniqueTools, &avg, &first, &last); err != nil {
			return nil, fmt.Errorf("scan dataset statistics: %w", err)
		}
		s.AvgQuality = avg
		if first.Valid {
			t := first.Time.UTC()
			s.FirstCreated = &t
		}
		if last.Valid {
			t := last.Time.UTC()
			s.LastCreated = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateQualityScores 为某工具尚未评分的样本写入评分并标记已校验
func (r *DatasetRepository) UpdateQualityScores(ctx context.Context, toolName string, score float64) (int64, error) {
	if score < 0 || score > 1 || math.IsNaN(score) {
		return 0, fmt.Errorf("quality score must be in [0,1], got %v", score)
	}
	res := r.db.WithContext(ctx).
		Model(&FTPair{}).
		Where("tool_name = ? AND quality_score IS NULL", toolName).
		Updates(map[string]any{"quality_score": score, "is_validated": true})
	if res.Error != nil {
		return 0, fmt.Errorf("update quality scores: %w", res.Error)
	}
	r.logger.Info("quality scores updated",
		zap.String("tool_name", toolName),
		zap.Float64("score", score),
		zap.Int64("updated", res.RowsAffected))
	return res.RowsAffected, nil
}

// SplitDataset 打乱源数据集并重新分配到 train/val/test
func (r *DatasetRepository) SplitDataset(ctx context.Context, source string, train, val, test float64) (*SplitResult, error) {
	if math.Abs(train+val+test-1.0) > 0.01 {
		return nil, fmt.Errorf("split ratios must sum to 1.0, got %.4f", train+val+test)
	}
	if train < 0 || val < 0 || test < 0 {
		return nil, fmt.Errorf("split ratios must be non-negative")
	}
	if source == "" {
		source = DatasetGenerated
	}

	var result SplitResult
	err := r.runTx(ctx, func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&FTPair{}).Where("dataset = ?", source).Order("id").Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("load dataset ids: %w", err)
		}
		r.shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

		total := len(ids)
		trainEnd := int(float64(total) * train)
		valEnd := trainEnd + int(float64(total)*val)
		if valEnd > total {
			valEnd = total
		}

		parts := []struct {
			name string
			ids  []uint
		}{
			{DatasetTrain, ids[:trainEnd]},
			{DatasetVal, ids[trainEnd:valEnd]},
			{DatasetTest, ids[valEnd:]},
		}
		for _, p := range parts {
			if len(p.ids) == 0 {
				continue
			}
			if err := tx.Model(&FTPair{}).Where("id IN ?", p.ids).Update("dataset", p.name).Error; err != nil {
				return fmt.Errorf("assign %s split: %w", p.name, err)
			}
		}

		result = SplitResult{
			Train: trainEnd,
			Val:   valEnd - trainEnd,
			Test:  total - valEnd,
			Total: total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("dataset split",
		zap.String("source", source),
		zap.Int("train", result.Train),
		zap.Int("val", result.Val),
		zap.Int("test", result.Test))
	return &result, nil
}
