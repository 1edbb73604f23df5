package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/llmgateway/guardrails"
	"github.com/BaSui01/llmgateway/internal/storage"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/budget"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// ChatCompletion 带护栏的对话补全
func (g *Gateway) ChatCompletion(ctx context.Context, credential string, req *ChatCompletionRequest) (*ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	conversation := req.ConversationType
	if conversation == "" {
		conversation = ConversationChat
	}

	ctx, c := g.begin(ctx, "chat_completion", credential, budget.InferenceChat, req.Model, req.UserID)

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

	prompt, err := g.prompts.Get(conversation, "")
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

	resp, cached, err := g.complete(ctx, upstream, req.EnableCache)
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}
	if !cached {
		g.bill(c, resp.Usage)
	} else {
		c.usage = resp.Usage
	}
	c.response = resp.Message.Content
	if strings.TrimSpace(c.response) == "" {
		return nil, g.fail(ctx, c, emptyCompletion(g.provider.Name()))
	}

	if guarded {
		if err := g.validateOutput(ctx, c, chain, c.response); err != nil {
			return nil, g.fail(ctx, c, err)
		}
	}

	status := storage.StatusSuccess
	if cached {
		status = storage.StatusCached
	}
	g.succeed(ctx, c, status, cached)

	return g.chatResponse(c, resp, cached), nil
}

// Chat 普通对话，不经护栏与系统提示词
func (g *Gateway) Chat(ctx context.Context, credential string, req *ChatRequest) (*ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, c := g.begin(ctx, "chat", credential, budget.InferenceChat, req.Model, req.UserID)

	messages := g.maskMessages(c, req.Messages)
	c.prompt = maskedPrompt(messages)

	upstream := &llm.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		UserID:      req.UserID,
	}
	if err := g.reserve(ctx, c, g.estimateCost(c, req.Model, messages, req.MaxTokens)); err != nil {
		return nil, g.fail(ctx, c, err)
	}

	resp, _, err := g.complete(ctx, upstream, false)
	if err != nil {
		return nil, g.fail(ctx, c, err)
	}
	g.bill(c, resp.Usage)
	c.response = resp.Message.Content
	if strings.TrimSpace(c.response) == "" {
		return nil, g.fail(ctx, c, emptyCompletion(g.provider.Name()))
	}

	g.succeed(ctx, c, storage.StatusSuccess, false)
	return g.chatResponse(c, resp, false), nil
}

func (g *Gateway) chatResponse(c *call, resp *llm.ChatResponse, cached bool) *ChatResponse {
	model := resp.Model
	if model == "" {
		model = c.model
	}
	msg := resp.Message
	if msg.Role == "" {
		msg.Role = types.RoleAssistant
	}
	g.logger.Info("chat completed",
		zap.String("request_id", c.requestID),
		zap.String("model", model),
		zap.Int("prompt_tokens", c.usage.PromptTokens),
		zap.Int("completion_tokens", c.usage.CompletionTokens),
		zap.String("cost_usd", c.cost.StringFixed(6)),
		zap.Bool("cached", cached))
	return &ChatResponse{
		Message:   msg,
		Model:     model,
		Usage:     c.usage,
		CostUSD:   c.cost.InexactFloat64(),
		LatencyMS: g.latencyMS(c),
		CreatedAt: g.now().UTC(),
		RequestID: c.requestID,
		Cached:    cached,
	}
}

func emptyCompletion(provider string) *types.Error {
	return types.NewError(types.ErrEmptyCompletion, "upstream returned an empty completion").
		WithHTTPStatus(http.StatusBadGateway).
		WithProvider(provider)
}
