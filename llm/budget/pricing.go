package budget

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Price 每千 token 的美元价格
type Price struct {
	InputPer1K  decimal.Decimal `json:"input_price_per_1k_usd"`
	OutputPer1K decimal.Decimal `json:"output_price_per_1k_usd"`
}

// NewPrice 由字符串字面量构造价格，避免浮点误差
func NewPrice(in, out string) Price {
	return Price{InputPer1K: decimal.RequireFromString(in), OutputPer1K: decimal.RequireFromString(out)}
}

// ModelPrice 模型目录条目
type ModelPrice struct {
	Model string `json:"id"`
	Price
}

// DefaultUnknownPrice 未知模型的保守价格
func DefaultUnknownPrice() Price { return NewPrice("0.10", "0.20") }

// DefaultPrices 价格文件缺失时使用的内置价格
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"openai/gpt-4o-mini":               NewPrice("0.00015", "0.0006"),
		"anthropic/claude-3.5-sonnet":      NewPrice("0.003", "0.015"),
		"meta-llama/llama-3.1-8b-instruct": NewPrice("0.00005", "0.00005"),
	}
}

// PricingTable 价格表，可在运行中整体替换
type PricingTable struct {
	mu      sync.RWMutex
	prices  map[string]Price
	unknown Price
	source  string
}

// NewPricingTable 用给定价格创建价格表
func NewPricingTable(prices map[string]Price, unknown Price) *PricingTable {
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &PricingTable{prices: cp, unknown: unknown, source: "embedded"}
}

// LoadPricingTable 从 models.yaml 加载价格，失败时记录警告并退回内置价格表
// 文件格式：openrouter.<model>.in_usd_per_1k / out_usd_per_1k
func LoadPricingTable(path string, unknown Price, logger *zap.Logger) *PricingTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		logger.Warn("no pricing file configured, using embedded prices")
		return NewPricingTable(DefaultPrices(), unknown)
	}

	prices, err := parsePricingFile(path)
	if err != nil {
		logger.Error("failed to load pricing file, using embedded prices",
			zap.String("path", path), zap.Error(err))
		return NewPricingTable(DefaultPrices(), unknown)
	}

	logger.Info("pricing table loaded", zap.String("path", path), zap.Int("models", len(prices)))
	t := NewPricingTable(prices, unknown)
	t.source = path
	return t
}

func parsePricingFile(path string) (map[string]Price, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return parsePricing(data)
}

// parsePricing 按字面量解析价格，数值不经过 float64
func parsePricing(data []byte) (map[string]Price, error) {
	var doc struct {
		OpenRouter map[string]map[string]yaml.Node `yaml:"openrouter"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	if len(doc.OpenRouter) == 0 {
		return nil, fmt.Errorf("pricing file has no openrouter models")
	}

	fallback := DefaultUnknownPrice()
	prices := make(map[string]Price, len(doc.OpenRouter))
	for model, fields := range doc.OpenRouter {
		p := fallback
		if n, ok := fields["in_usd_per_1k"]; ok {
			v, err := decimal.NewFromString(n.Value)
			if err != nil {
				return nil, fmt.Errorf("model %s: in_usd_per_1k: %w", model, err)
			}
			p.InputPer1K = v
		}
		if n, ok := fields["out_usd_per_1k"]; ok {
			v, err := decimal.NewFromString(n.Value)
			if err != nil {
				return nil, fmt.Errorf("model %s: out_usd_per_1k: %w", model, err)
			}
			p.OutputPer1K = v
		}
		if p.InputPer1K.IsNegative() || p.OutputPer1K.IsNegative() {
			return nil, fmt.Errorf("model %s: negative price", model)
		}
		prices[model] = p
	}
	return prices, nil
}

// Reload 重新读取价格文件，失败时保留当前价格
func (t *PricingTable) Reload(path string) error {
	prices, err := parsePricingFile(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.prices = prices
	t.source = path
	t.mu.Unlock()
	return nil
}

// Lookup 查询模型价格，未命中返回未知模型价格与 false
func (t *PricingTable) Lookup(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[model]
	if !ok {
		return t.unknown, false
	}
	return p, true
}

// Models 按模型名排序返回价格目录
func (t *PricingTable) Models() []ModelPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ModelPrice, 0, len(t.prices))
	for m, p := range t.prices {
		out = append(out, ModelPrice{Model: m, Price: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Source 价格来源（文件路径或 embedded）
func (t *PricingTable) Source() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.source
}
