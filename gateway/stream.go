package gateway

import (
	"context"
	"strings"

	"github.com/BaSui01/llmgateway/guardrails"
	"github.com/BaSui01/llmgateway/internal/storage"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/budget"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// StreamResult 流式补全汇总
type StreamResult struct {
	RequestID string        `json:"request_id"`
	Model     string        `json:"model"`
	Content   string        `json:"-"`
	Usage     llm.ChatUsage `json:"usage"`
	CostUSD   float64       `json:"cost_usd"`
	LatencyMS int64         `json:"latency_ms"`
}

// StreamCompletion 流式补全
// 增量通过 emit 发出；输出护栏在流结束后对全文执行，违规时已发出的内容不回收，
// 返回的 StreamResult 与错误同时非空。上游已产生的费用无论成败都会记账。
func (g *Gateway) StreamCompletion(ctx context.Context, credential string, req *ChatCompletionRequest, emit func(delta string) error) (*StreamResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, c := g.begin(ctx, "chat_stream", credential, budget.InferenceChat, req.Model, req.UserID)

	messages := g.maskMessages(c, req.Messages)
	c.prompt = maskedPrompt(messages)

	guarded := g.cfg.GuardrailsEnabled && req.EnableGuardrails
	var chain *guardrails.GuardrailChain
	if guarded {
		chain = g.chainFor(req)
		if err := g.validateInput(ctx, c, chain, userText(messages)); err != nil {
			return nil, g.fail(ctx, c, err)
		}
	}

	prompt, err := g.prompts.Get(req.ConversationType, "")
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}
	c.promptVersion = prompt.Version

	upstream := &llm.ChatRequest{
		Model:       req.Model,
		Messages:    withSystemPrompt(prompt.System, messages),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		UserID:      req.UserID,
	}
	if err := g.reserve(ctx, c, g.estimateCost(c, req.Model, upstream.Messages, req.MaxTokens)); err != nil {
		return nil, g.fail(ctx, c, err)
	}

	chunks, err := g.provider.Stream(ctx, upstream)
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}

	var (
		content strings.Builder
		usage   *llm.ChatUsage
		model   string
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			c.response = content.String()
			g.bill(c, g.streamUsage(c, upstream.Messages, c.response, usage))
			drain(chunks)
			return nil, g.fail(ctx, c, chunk.Err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Delta == "" {
			continue
		}
		content.WriteString(chunk.Delta)
		if err := emit(chunk.Delta); err != nil {
			c.response = content.String()
			g.bill(c, g.streamUsage(c, upstream.Messages, c.response, usage))
			drain(chunks)
			return nil, g.fail(ctx, c, types.NewError(types.ErrUpstreamError, "stream aborted by client").
				WithHTTPStatus(499).
				WithCause(err))
		}
	}

	c.response = content.String()
	g.bill(c, g.streamUsage(c, upstream.Messages, c.response, usage))
	if model == "" {
		model = c.model
	}
	result := &StreamResult{
		RequestID: c.requestID,
		Model:     model,
		Content:   c.response,
		Usage:     c.usage,
		CostUSD:   c.cost.InexactFloat64(),
	}

	if strings.TrimSpace(c.response) == "" {
		return nil, g.fail(ctx, c, emptyCompletion(g.provider.Name()))
	}
	if guarded {
		if err := g.validateOutput(ctx, c, chain, c.response); err != nil {
			result.LatencyMS = g.latencyMS(c)
			return result, g.fail(ctx, c, err)
		}
	}

	g.succeed(ctx, c, storage.StatusSuccess, false)
	result.LatencyMS = g.latencyMS(c)
	g.logger.Info("stream completed",
		zap.String("request_id", c.requestID),
		zap.String("model", model),
		zap.Int("completion_tokens", c.usage.CompletionTokens),
		zap.String("cost_usd", c.cost.StringFixed(6)))
	return result, nil
}

// streamUsage 上游未返回用量时用分词器计数
func (g *Gateway) streamUsage(c *call, messages []types.Message, content string, upstream *llm.ChatUsage) llm.ChatUsage {
	if upstream != nil {
		return *upstream
	}
	tok := g.tokenizer(c.model)
	prompt, err := tok.CountMessages(messages)
	if err != nil {
		g.logger.Warn("failed to count stream prompt tokens", zap.String("request_id", c.requestID), zap.Error(err))
	}
	completion := 0
	if content != "" {
		if completion, err = tok.CountTokens(content); err != nil {
			g.logger.Warn("failed to count stream completion tokens", zap.String("request_id", c.requestID), zap.Error(err))
		}
	}
	return llm.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// drain 丢弃剩余分片，让上游 goroutine 退出
func drain(chunks <-chan llm.StreamChunk) {
	go func() {
		for range chunks {
		}
	}()
}
