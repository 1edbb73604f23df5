package handlers

import (
	"net/http"

	"github.com/BaSui01/llmgateway/llm/budget"
)

// ModelsResponse GET /models 的返回
type ModelsResponse struct {
	Models      []budget.ModelPrice `json:"models"`
	Total       int                 `json:"total"`
	PriceSource string              `json:"price_source"`
}

// ModelsHandler 价格表即模型目录，热加载后立即生效
type ModelsHandler struct {
	pricing *budget.PricingTable
}

// NewModelsHandler 创建模型目录处理器
func NewModelsHandler(pricing *budget.PricingTable) *ModelsHandler {
	return &ModelsHandler{pricing: pricing}
}

// HandleModels 处理 GET /models
func (h *ModelsHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := h.pricing.Models()
	WriteJSON(w, http.StatusOK, ModelsResponse{
		Models:      models,
		Total:       len(models),
		PriceSource: h.pricing.Source(),
	})
}
