package openrouter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// SSE 单行上限
const maxSSELine = 1 << 20

// streamSSE 解析 SSE 流，data: [DONE] 结束
// 以 ':' 开头的注释行（OpenRouter 的 keep-alive）被忽略
func streamSSE(ctx context.Context, body io.ReadCloser, logger *zap.Logger) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		send := func(chunk llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var frame completionResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				logger.Warn("malformed stream frame", zap.Error(err))
				send(llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, "malformed stream frame").
					WithHTTPStatus(http.StatusBadGateway).
					WithProvider(providerName).
					WithCause(err)})
				return
			}

			chunk := llm.StreamChunk{ID: frame.ID, Model: frame.Model}
			if len(frame.Choices) > 0 {
				c := frame.Choices[0]
				chunk.FinishReason = c.FinishReason
				if c.Delta != nil {
					chunk.Delta = c.Delta.Content
				}
			}
			if frame.Usage != nil {
				u := frame.Usage.toUsage()
				chunk.Usage = &u
			}
			if chunk.Delta == "" && chunk.Usage == nil && chunk.FinishReason == "" {
				continue
			}
			if !send(chunk) {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(llm.StreamChunk{Err: mapTransportError(err)})
		}
	}()
	return ch
}
