package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BaSui01/llmgateway/gateway"
	"github.com/BaSui01/llmgateway/internal/storage"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/budget"
	"github.com/BaSui01/llmgateway/llm/tokenizer"
	"github.com/BaSui01/llmgateway/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

type fakeProvider struct {
	mu      sync.Mutex
	resp    *llm.ChatResponse
	err     error
	chunks  []llm.StreamChunk
	healthy bool
	calls   int
}

func (p *fakeProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	resp := *p.resp
	return &resp, nil
}

func (p *fakeProvider) Stream(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan llm.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: p.healthy}, nil
}

func (p *fakeProvider) Name() string { return "openrouter" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeDatasets struct {
	mu       sync.Mutex
	pairs    []storage.FTPair
	export   string
	splitErr error
}

func (d *fakeDatasets) InsertPairs(_ context.Context, pairs []storage.FTPair) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pairs = append(d.pairs, pairs...)
	return len(pairs)
}

func (d *fakeDatasets) ExportJSONL(_ context.Context, dataset string, w io.Writer) (int, error) {
	if dataset == "broken" {
		return 0, errors.New("db down")
	}
	if d.export == "" {
		return 0, nil
	}
	_, err := io.WriteString(w, d.export)
	return bytes.Count([]byte(d.export), []byte("\n")), err
}

func (d *fakeDatasets) Statistics(_ context.Context, dataset string) ([]storage.DatasetStats, error) {
	if dataset == "empty" {
		return nil, nil
	}
	return []storage.DatasetStats{{Dataset: storage.DatasetGenerated, TotalExamples: 3, UniqueTools: 1}}, nil
}

func (d *fakeDatasets) UpdateQualityScores(context.Context, string, float64) (int64, error) {
	return 3, nil
}

func (d *fakeDatasets) SplitDataset(_ context.Context, _ string, _, _, _ float64) (*storage.SplitResult, error) {
	if d.splitErr != nil {
		return nil, d.splitErr
	}
	return &storage.SplitResult{Train: 8, Val: 1, Test: 1, Total: 10}, nil
}

type fixture struct {
	gw       *gateway.Gateway
	provider *fakeProvider
	limiter  *budget.CostLimiter
	datasets *fakeDatasets
}

func newFixture(t *testing.T, resp *llm.ChatResponse) *fixture {
	t.Helper()
	f := &fixture{
		provider: &fakeProvider{resp: resp, healthy: true},
		datasets: &fakeDatasets{},
	}
	f.limiter = budget.NewCostLimiter(budget.DefaultConfig(), nil, budget.NewMemoryLedger(), zap.NewNop())
	gw, err := gateway.New(gateway.DefaultConfig(), gateway.Deps{
		Provider:  f.provider,
		Limiter:   f.limiter,
		Datasets:  f.datasets,
		Tokenizer: func(string) tokenizer.Tokenizer { return tokenizer.NewEstimatorTokenizer() },
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	f.gw = gw
	return f
}

func completion(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:      "gen-1",
		Model:   "openai/gpt-4o-mini",
		Message: types.Message{Role: types.RoleAssistant, Content: content},
		Usage:   llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// decodeResponse 解析统一响应，Data 再解到 data
func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&raw))
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.Response
}
