package storage

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 审计状态
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusCached  = "cached"
)

// DatasetGenerated 新生成样本所在的数据集
const DatasetGenerated = "generated"

// LLMLog llm_logs 表
type LLMLog struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	RequestID           string          `gorm:"size:36;index" json:"request_id"`
	UserID              string          `gorm:"size:255" json:"user_id"`
	Model               string          `gorm:"size:255" json:"model"`
	Provider            string          `gorm:"size:64" json:"provider"`
	PromptMasked        string          `gorm:"type:text" json:"prompt_masked"`
	ResponseMasked      string          `gorm:"type:text" json:"response_masked"`
	InputTokens         int             `json:"input_tokens"`
	OutputTokens        int             `json:"output_tokens"`
	CostUSD             decimal.Decimal `gorm:"type:numeric(20,10)" json:"cost_usd"`
	LatencyMS           int64           `json:"latency_ms"`
	Status              string          `gorm:"size:32;index" json:"status"`
	InferenceType       string          `gorm:"size:64" json:"inference_type"`
	GuardrailsTriggered string          `gorm:"type:text" json:"guardrails_triggered"`
	PromptVersion       string          `gorm:"size:32" json:"prompt_version"`
	CreatedAt           time.Time       `gorm:"index" json:"created_at"`
}

// TableName 表名
func (LLMLog) TableName() string { return "llm_logs" }

// FTPair ft_pairs 表
type FTPair struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Prompt       string    `gorm:"type:text;not null" json:"prompt"`
	Output       string    `gorm:"type:text;not null" json:"output"`
	Meta         string    `gorm:"type:text;not null" json:"meta"`
	Dataset      string    `gorm:"size:64;not null;index" json:"dataset"`
	ToolName     string    `gorm:"size:100;index" json:"tool_name"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	IsValidated  bool      `gorm:"not null;default:false" json:"is_validated"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// TableName 表名
func (FTPair) TableName() string { return "ft_pairs" }

// scanTime 聚合列的时间扫描，sqlite 的 MIN/MAX 返回文本
type scanTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Scan 实现 sql.Scanner
func (t *scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Valid = false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("unsupported time value %T", src)
}

func (t *scanTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("unrecognized time format %q", s)
}

// Value 实现 driver.Valuer
func (t scanTime) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time, nil
}
