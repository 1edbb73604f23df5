package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/llmgateway/guardrails"
	"github.com/BaSui01/llmgateway/internal/storage"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/budget"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// GenerateDataset 生成 tool calling 微调样本
func (g *Gateway) GenerateDataset(ctx context.Context, credential string, req *DatasetGenerationRequest) (*DatasetGenerationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, c := g.begin(ctx, "dataset_generation", credential, budget.InferenceDataset, req.Model, req.UserID)

	subject := g.masker.Mask(req.ToolName + ": " + req.ToolDescription)
	if g.cfg.GuardrailsEnabled {
		if err := g.validateInput(ctx, c, g.datasetChain, subject); err != nil {
			return nil, g.fail(ctx, c, err)
		}
	}

	prompt, err := g.prompts.Get(PromptDatasetGeneration, "")
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}
	c.promptVersion = prompt.Version

	schema, err := FormatToolSchema(req.ToolSchema)
	if err != nil {
		return nil, g.fail(ctx, c, types.NewError(types.ErrInvalidRequest, "tool_schema: "+err.Error()).
			WithHTTPStatus(http.StatusBadRequest))
	}
	user, err := prompt.Render(DatasetPromptData{
		NumExamples:     req.NumExamples,
		ToolName:        req.ToolName,
		ToolDescription: g.masker.Mask(req.ToolDescription),
		ToolSchema:      schema,
		DiversityLevel:  DiversityDescription(req.DiversityLevel),
	})
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}
	c.prompt = user

	upstream := &llm.ChatRequest{
		Model: req.Model,
		Messages: []types.Message{
			types.NewSystemMessage(prompt.System),
			types.NewUserMessage(user),
		},
		Temperature: g.cfg.DatasetTemperature,
		TopP:        1.0,
		MaxTokens:   g.cfg.DatasetMaxTokens,
		UserID:      req.UserID,
	}
	if err := g.reserve(ctx, c, g.estimateCost(c, req.Model, upstream.Messages, upstream.MaxTokens)); err != nil {
		return nil, g.fail(ctx, c, err)
	}

	resp, _, err := g.complete(ctx, upstream, false)
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}
	g.bill(c, resp.Usage)
	c.response = resp.Message.Content

	examples, err := ParseExamples(c.response)
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}
	if g.cfg.GuardrailsEnabled {
		if raw, mErr := json.Marshal(examples); mErr == nil {
			if err := g.validateOutput(ctx, c, g.datasetChain, string(raw)); err != nil {
				return nil, g.fail(ctx, c, err)
			}
		}
	}

	bg := context.WithoutCancel(ctx)
	g.writeAudit(bg, c, storage.StatusSuccess, c.response)

	persisted := 0
	if g.datasets != nil {
		pairs := g.buildPairs(c, req, resp.Model, examples)
		persisted = g.datasets.InsertPairs(bg, pairs)
	}

	g.settle(bg, c)
	g.finish(ctx, c, storage.StatusSuccess, "", false)

	modelUsed := resp.Model
	if modelUsed == "" {
		modelUsed = req.Model
	}
	g.logger.Info("dataset generated",
		zap.String("request_id", c.requestID),
		zap.String("tool_name", req.ToolName),
		zap.Int("examples", len(examples)),
		zap.Int("persisted", persisted),
		zap.String("cost_usd", c.cost.StringFixed(6)))

	return &DatasetGenerationResponse{
		Examples:  examples,
		Count:     len(examples),
		Format:    req.OutputFormat,
		ToolName:  req.ToolName,
		CostUSD:   c.cost.InexactFloat64(),
		ModelUsed: modelUsed,
		LatencyMS: g.latencyMS(c),
		CreatedAt: g.now().UTC(),
		RequestID: c.requestID,
		Persisted: persisted,
	}, nil
}

// ParseExamples 解析模型输出并修复常见的结构偏差
// 非数组结果包成数组；缺少 messages 的对象包成 {"messages": [item]}
func ParseExamples(content string) ([]any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		parsed = guardrails.ExtractJSONFromText(content)
	}
	if parsed == nil {
		return nil, types.NewError(types.ErrMalformedJSON, "model output did not contain valid JSON").
			WithHTTPStatus(http.StatusInternalServerError)
	}

	examples, ok := parsed.([]any)
	if !ok {
		examples = []any{parsed}
	}

	res := guardrails.ValidateToolCalls(examples)
	if res.IsValid {
		return examples, nil
	}
	repaired := repairExamples(examples)
	if res = guardrails.ValidateToolCalls(repaired); !res.IsValid {
		return nil, types.NewError(types.ErrDatasetValidation, "generated dataset is invalid: "+res.Reason).
			WithHTTPStatus(http.StatusInternalServerError).
			WithDetail("reason", res.Reason)
	}
	return repaired, nil
}

func repairExamples(examples []any) []any {
	out := make([]any, len(examples))
	for i, raw := range examples {
		item, ok := raw.(map[string]any)
		if !ok {
			out[i] = raw
			continue
		}
		if _, has := item["messages"]; has {
			out[i] = item
			continue
		}
		out[i] = map[string]any{"messages": []any{item}}
	}
	return out
}

// buildPairs 把样本转成 ft_pairs 行，缺少提示词或工具调用的样本跳过
func (g *Gateway) buildPairs(c *call, req *DatasetGenerationRequest, modelUsed string, examples []any) []storage.FTPair {
	if modelUsed == "" {
		modelUsed = req.Model
	}
	pairs := make([]storage.FTPair, 0, len(examples))
	for i, raw := range examples {
		item, _ := raw.(map[string]any)
		messages, _ := item["messages"].([]any)

		prompt := lastContent(messages, "user")
		toolCall := firstToolCall(messages)
		if prompt == "" || toolCall == nil {
			g.logger.Warn("skipping example without prompt or tool call",
				zap.String("request_id", c.requestID),
				zap.Int("example_index", i))
			continue
		}

		output, err := json.Marshal(toolCall)
		if err != nil {
			g.logger.Warn("skipping example with unencodable tool call",
				zap.Int("example_index", i), zap.Error(err))
			continue
		}
		meta, err := json.Marshal(map[string]any{
			"tool_name":             req.ToolName,
			"model_used":            modelUsed,
			"generation_request_id": c.requestID,
			"log_id":                c.logID,
			"example_index":         i,
			"diversity_level":       req.DiversityLevel,
			"full_messages":         messages,
		})
		if err != nil {
			g.logger.Warn("skipping example with unencodable messages",
				zap.Int("example_index", i), zap.Error(err))
			continue
		}

		pairs = append(pairs, storage.FTPair{
			Prompt:   g.masker.Mask(prompt),
			Output:   string(output),
			Meta:     string(meta),
			Dataset:  storage.DatasetGenerated,
			ToolName: req.ToolName,
		})
	}
	return pairs
}

func lastContent(messages []any, role string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m, _ := messages[i].(map[string]any)
		if m["role"] != role {
			continue
		}
		s, _ := m["content"].(string)
		return s
	}
	return ""
}

// firstToolCall 最后一条 assistant 消息的第一个工具调用
// 同时接受 {name, arguments} 与 {function: {name, arguments}} 两种写法
func firstToolCall(messages []any) map[string]any {
	for i := len(messages) - 1; i >= 0; i-- {
		m, _ := messages[i].(map[string]any)
		if m["role"] != "assistant" {
			continue
		}
		calls, _ := m["tool_calls"].([]any)
		if len(calls) == 0 {
			return nil
		}
		tc, _ := calls[0].(map[string]any)
		if fn, ok := tc["function"].(map[string]any); ok {
			tc = fn
		}
		name, _ := tc["name"].(string)
		if name == "" {
			return nil
		}
		args := tc["arguments"]
		if s, ok := args.(string); ok {
			var decoded any
			if json.Unmarshal([]byte(s), &decoded) == nil {
				args = decoded
			}
		}
		return map[string]any{"tool": name, "arguments": args}
	}
	return nil
}

func (g *Gateway) requireDatasets() error {
	if g.datasets == nil {
		return types.NewError(types.ErrServiceUnavailable, "dataset storage is not configured").
			WithHTTPStatus(http.StatusServiceUnavailable)
	}
	return nil
}

// ExportDataset 以 JSONL 导出数据集
func (g *Gateway) ExportDataset(ctx context.Context, dataset string, w io.Writer) (int, error) {
	if err := g.requireDatasets(); err != nil {
		return 0, err
	}
	if dataset == "" {
		dataset = storage.DatasetGenerated
	}
	n, err := g.datasets.ExportJSONL(ctx, dataset, w)
	if err != nil {
		return n, g.storageError("export dataset", err)
	}
	return n, nil
}

// DatasetStatistics 数据集统计，dataset 为空时返回全部
func (g *Gateway) DatasetStatistics(ctx context.Context, dataset string) ([]storage.DatasetStats, error) {
	if err := g.requireDatasets(); err != nil {
		return nil, err
	}
	stats, err := g.datasets.Statistics(ctx, dataset)
	if err != nil {
		return nil, g.storageError("dataset statistics", err)
	}
	return stats, nil
}

// UpdateQualityScores 为某工具的未评分样本写入质量分
func (g *Gateway) UpdateQualityScores(ctx context.Context, toolName string, score float64) (int64, error) {
	if strings.TrimSpace(toolName) == "" {
		return 0, invalid("tool_name", "must not be empty")
	}
	if score < 0 || score > 1 {
		return 0, invalid("score", "must be between 0 and 1")
	}
	if err := g.requireDatasets(); err != nil {
		return 0, err
	}
	n, err := g.datasets.UpdateQualityScores(ctx, toolName, score)
	if err != nil {
		return 0, g.storageError("update quality scores", err)
	}
	return n, nil
}

// SplitDataset 按比例切分数据集
func (g *Gateway) SplitDataset(ctx context.Context, source string, train, val, test float64) (*storage.SplitResult, error) {
	if train < 0 || val < 0 || test < 0 {
		return nil, invalid("ratios", "must be non-negative")
	}
	if sum := train + val + test; sum < 0.99 || sum > 1.01 {
		return nil, invalid("ratios", "must sum to 1.0, got %.4f", sum)
	}
	if err := g.requireDatasets(); err != nil {
		return nil, err
	}
	res, err := g.datasets.SplitDataset(ctx, source, train, val, test)
	if err != nil {
		return nil, g.storageError("split dataset", err)
	}
	return res, nil
}

func (g *Gateway) storageError(op string, err error) *types.Error {
	g.logger.Error("dataset storage failed", zap.String("operation", op), zap.Error(err))
	return types.NewError(types.ErrInternalError, fmt.Sprintf("%s failed", op)).
		WithHTTPStatus(http.StatusInternalServerError).
		WithCause(err)
}
