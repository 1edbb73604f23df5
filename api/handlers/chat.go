package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/llmgateway/gateway"
	"github.com/BaSui01/llmgateway/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler 聊天接口处理器
type ChatHandler struct {
	gw     *gateway.Gateway
	logger *zap.Logger

	// wsReadLimit 单条 websocket 消息上限
	wsReadLimit int64
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(gw *gateway.Gateway, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		gw:          gw,
		logger:      logger.With(zap.String("component", "chat_handler")),
		wsReadLimit: MaxBodyBytes,
	}
}

// StreamDelta SSE / websocket 增量消息
type StreamDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
}

// StreamEvent 流结束或出错时的消息
type StreamEvent struct {
	Type   string                `json:"type"`
	Result *gateway.StreamResult `json:"result,omitempty"`
	Error  *ErrorInfo            `json:"error,omitempty"`
}

// HandleChat 处理 POST /chat，不经过护栏
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	req := gateway.NewChatRequest()
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resp, err := h.gw.Chat(r.Context(), Credential(r), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, resp)
}

// HandleCompletion 处理 POST /chat/completion：脱敏、护栏、成本限制
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	req := gateway.NewChatCompletionRequest()
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resp, err := h.gw.ChatCompletion(r.Context(), Credential(r), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, resp)
}

// HandleStream 处理 POST /chat/stream，以 SSE 输出增量。
// 第一个增量之前的错误按普通 JSON 错误返回，之后以 event: error 发送。
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	req := gateway.NewChatCompletionRequest()
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "streaming not supported", h.logger)
		return
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
		w.WriteHeader(http.StatusOK)
	}

	emit := func(delta string) error {
		start()
		if err := writeSSE(w, "", StreamDelta{Type: "delta", Delta: delta}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := h.gw.StreamCompletion(r.Context(), Credential(r), &req, emit)
	if err != nil {
		if !started {
			WriteError(w, err, h.logger)
			return
		}
		apiErr := publicError(err)
		h.logger.Warn("stream failed after first chunk",
			zap.String("code", string(apiErr.Code)),
			zap.Error(err))
		_ = writeSSE(w, "error", StreamEvent{Type: "error", Error: newErrorInfo(apiErr)})
		flusher.Flush()
		return
	}

	start()
	_ = writeSSE(w, "done", StreamEvent{Type: "done", Result: result})
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// HandleWebSocket 处理 GET /chat/ws。
// 每条文本消息是一个 /chat/completion 请求体，回复若干 delta 消息，
// 以 done 或 error 结束；同一连接可连续发送多个请求。
func (h *ChatHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.wsReadLimit)

	credential := Credential(r)
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		if err := h.serveWebSocketRequest(ctx, conn, credential, data); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *ChatHandler) serveWebSocketRequest(ctx context.Context, conn *websocket.Conn, credential string, data []byte) error {
	req := gateway.NewChatCompletionRequest()
	if err := json.Unmarshal(data, &req); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON message").
			WithHTTPStatus(http.StatusBadRequest)
		return writeWS(ctx, conn, StreamEvent{Type: "error", Error: newErrorInfo(apiErr)})
	}

	emit := func(delta string) error {
		return writeWS(ctx, conn, StreamDelta{Type: "delta", Delta: delta})
	}
	result, err := h.gw.StreamCompletion(ctx, credential, &req, emit)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return writeWS(ctx, conn, StreamEvent{Type: "error", Error: newErrorInfo(publicError(err))})
	}
	return writeWS(ctx, conn, StreamEvent{Type: "done", Result: result})
}

// writeSSE 写入一个 SSE 事件，event 为空时只写 data
func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+32)
	if event != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, event...)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	_, err = w.Write(buf)
	return err
}

func writeWS(ctx context.Context, conn *websocket.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
