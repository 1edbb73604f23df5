package handlers

import (
	"mime"
	"net/http"

	"github.com/BaSui01/llmgateway/gateway"
	"github.com/BaSui01/llmgateway/internal/storage"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🗂️ 数据集 Handler
// =============================================================================

// DatasetHandler 数据集生成与管理接口
type DatasetHandler struct {
	gw     *gateway.Gateway
	logger *zap.Logger
}

// NewDatasetHandler 创建数据集处理器
func NewDatasetHandler(gw *gateway.Gateway, logger *zap.Logger) *DatasetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatasetHandler{
		gw:     gw,
		logger: logger.With(zap.String("component", "dataset_handler")),
	}
}

// QualityRequest POST /datasets/quality 请求
type QualityRequest struct {
	ToolName string  `json:"tool_name"`
	Score    float64 `json:"score"`
}

// QualityResponse 更新条数
type QualityResponse struct {
	ToolName string `json:"tool_name"`
	Updated  int64  `json:"updated"`
}

// SplitRequest POST /datasets/split 请求
type SplitRequest struct {
	Source     string  `json:"source"`
	TrainRatio float64 `json:"train_ratio"`
	ValRatio   float64 `json:"val_ratio"`
	TestRatio  float64 `json:"test_ratio"`
}

// NewSplitRequest 默认 8:1:1 切分 generated 数据集
func NewSplitRequest() SplitRequest {
	return SplitRequest{
		Source:     storage.DatasetGenerated,
		TrainRatio: 0.8,
		ValRatio:   0.1,
		TestRatio:  0.1,
	}
}

// HandleGenerate 处理 POST /chat/dataset-generator
func (h *DatasetHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	req := gateway.NewDatasetGenerationRequest()
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resp, err := h.gw.GenerateDataset(r.Context(), Credential(r), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, resp)
}

// HandleDownload 处理 GET /chat/dataset-generator/download/{request_id}。
// 生成结果不按请求保存，需要导出时使用 /datasets/export。
func (h *DatasetHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	err := types.NewError(types.ErrNotImplemented, "dataset download by request id is not implemented, use /datasets/export").
		WithHTTPStatus(http.StatusNotImplemented).
		WithDetail("request_id", r.PathValue("request_id"))
	WriteError(w, err, h.logger)
}

// HandleExport 处理 GET /datasets/export?dataset=，以 JSONL 流式输出
func (h *DatasetHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		dataset = storage.DatasetGenerated
	}

	lw := &lazyJSONLWriter{w: w, filename: dataset + ".jsonl"}
	n, err := h.gw.ExportDataset(r.Context(), dataset, lw)
	if err != nil {
		if !lw.started {
			WriteError(w, err, h.logger)
			return
		}
		// 已经开始输出，只能截断
		h.logger.Error("dataset export interrupted",
			zap.String("dataset", dataset),
			zap.Int("exported", n),
			zap.Error(err))
		return
	}
	if !lw.started {
		lw.writeHeader()
	}
	h.logger.Info("dataset exported", zap.String("dataset", dataset), zap.Int("count", n))
}

// HandleStats 处理 GET /datasets/stats?dataset=
func (h *DatasetHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gw.DatasetStatistics(r.Context(), r.URL.Query().Get("dataset"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if stats == nil {
		stats = []storage.DatasetStats{}
	}
	WriteSuccess(w, stats)
}

// HandleQuality 处理 POST /datasets/quality
func (h *DatasetHandler) HandleQuality(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req QualityRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	n, err := h.gw.UpdateQualityScores(r.Context(), req.ToolName, req.Score)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, QualityResponse{ToolName: req.ToolName, Updated: n})
}

// HandleSplit 处理 POST /datasets/split
func (h *DatasetHandler) HandleSplit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	req := NewSplitRequest()
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.gw.SplitDataset(r.Context(), req.Source, req.TrainRatio, req.ValRatio, req.TestRatio)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// lazyJSONLWriter 第一次写入时才发送响应头，导出失败仍可返回 JSON 错误
type lazyJSONLWriter struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (l *lazyJSONLWriter) writeHeader() {
	l.started = true
	l.w.Header().Set("Content-Type", "application/x-ndjson")
	l.w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": l.filename}))
	l.w.WriteHeader(http.StatusOK)
}

func (l *lazyJSONLWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.writeHeader()
	}
	return l.w.Write(p)
}
