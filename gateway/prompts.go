package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/BaSui01/llmgateway/types"
)

// PromptDatasetGeneration 数据集生成提示词名称
const PromptDatasetGeneration = "dataset_generation"

// Prompt 一个版本化的提示词
type Prompt struct {
	Name        string
	Version     string
	Description string
	System      string
	// User 可选的用户消息模板（text/template）
	User *template.Template
}

// Render 渲染用户消息模板
func (p *Prompt) Render(data any) (string, error) {
	if p.User == nil {
		return "", fmt.Errorf("prompt %s@%s has no user template", p.Name, p.Version)
	}
	var buf bytes.Buffer
	if err := p.User.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s@%s: %w", p.Name, p.Version, err)
	}
	return buf.String(), nil
}

// PromptRegistry 提示词注册表，按名称与语义化版本索引
type PromptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]map[string]*Prompt
}

// NewPromptRegistry 创建空注册表
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]map[string]*Prompt)}
}

// DefaultPromptRegistry 注册内置提示词
func DefaultPromptRegistry() *PromptRegistry {
	r := NewPromptRegistry()
	for _, p := range builtinPrompts() {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Register 注册或覆盖某个版本
func (r *PromptRegistry) Register(p *Prompt) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("prompt name is required")
	}
	if _, err := parseSemver(p.Version); err != nil {
		return fmt.Errorf("prompt %s: %w", p.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prompts[p.Name] == nil {
		r.prompts[p.Name] = make(map[string]*Prompt)
	}
	r.prompts[p.Name][p.Version] = p
	return nil
}

// Get 获取提示词，version 为空时返回最新版本
func (r *PromptRegistry) Get(name, version string) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.prompts[name]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("prompt %q not found", name)).WithHTTPStatus(404)
	}
	if version != "" {
		p, ok := versions[version]
		if !ok {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("version %q of prompt %q not found", version, name)).WithHTTPStatus(404)
		}
		return p, nil
	}
	return versions[latestVersion(versions)], nil
}

// Versions 某个提示词的全部版本，升序
func (r *PromptRegistry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.prompts[name]))
	for v := range r.prompts[name] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return compareSemver(out[i], out[j]) < 0 })
	return out
}

// Names 已注册的提示词名称
func (r *PromptRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.prompts))
	for n := range r.prompts {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func latestVersion(versions map[string]*Prompt) string {
	latest := ""
	for v := range versions {
		if latest == "" || compareSemver(v, latest) > 0 {
			latest = v
		}
	}
	return latest
}

func parseSemver(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("version %q must have the form X.Y.Z", v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("version %q must have the form X.Y.Z", v)
		}
		out[i] = n
	}
	return out, nil
}

func compareSemver(a, b string) int {
	va, _ := parseSemver(a)
	vb, _ := parseSemver(b)
	for i := 0; i < 3; i++ {
		if va[i] != vb[i] {
			if va[i] < vb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// DatasetPromptData 数据集生成模板参数
type DatasetPromptData struct {
	NumExamples     int
	ToolName        string
	ToolDescription string
	ToolSchema      string
	DiversityLevel  string
}

// FormatToolSchema 缩进两格输出工具 schema
func FormatToolSchema(schema map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(schema); err != nil {
		return "", fmt.Errorf("format tool schema: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// DiversityDescription 多样性等级的文字描述
func DiversityDescription(level float64) string {
	switch {
	case level < 0.3:
		return "0.0 - Exemplos similares com pequenas variações"
	case level < 0.6:
		return "0.5 - Equilíbrio entre similaridade e variedade"
	default:
		return "1.0 - Máxima diversidade em estilo, tom e complexidade"
	}
}

const chatSystemPrompt = `Você é um assistente financeiro especializado em mercado brasileiro.

Seu papel é ajudar usuários com informações sobre:
- Ações da B3 (Bolsa de Valores Brasileira)
- Fundos de investimento
- Renda fixa e variável
- Análise de mercado
- Educação financeira básica

## Diretrizes

- Seja claro, objetivo e educativo
- Use linguagem acessível, evitando jargões desnecessários
- Sempre mencione que não está dando recomendação de investimento
- Não forneça previsões definitivas sobre o mercado
- Cite fontes quando possível

## Restrições

- NÃO forneça recomendações específicas de compra/venda
- NÃO faça promessas de retorno ou ganhos garantidos
- NÃO processe informações pessoais sensíveis (CPF, senhas, etc)
- NÃO responda sobre tópicos fora do escopo financeiro
`

const financialAdvisorSystemPrompt = `Você é um assistente especializado em análise financeira do mercado brasileiro.

Seu objetivo é fornecer análises educativas sobre:
- Indicadores fundamentalistas de ações
- Tendências de mercado
- Análise técnica básica
- Diversificação de portfólio

Sempre enfatize:
1. A importância da diversificação
2. O risco inerente a investimentos
3. A necessidade de análise própria ou consultoria profissional

IMPORTANTE: Suas respostas são meramente educativas e não constituem recomendação de investimento.`

const datasetSystemPrompt = `Você é um gerador especializado de exemplos de treinamento para modelos de linguagem com capacidade de tool calling.

Sua tarefa é criar exemplos DIVERSOS e REALISTAS de interações onde um usuário faz uma pergunta e o assistente decide chamar uma ferramenta (tool) específica.

## Requisitos para os Exemplos

1. **Diversidade**: Varie o estilo, complexidade e contexto das perguntas
2. **Realismo**: Crie perguntas que usuários reais fariam
3. **Cobertura**: Cubra diferentes cenários de uso da tool
4. **Clareza**: Os parâmetros extraídos devem ser claros e corretos

## Formato de Output

Você DEVE retornar um JSON válido com a seguinte estrutura:

{
  "messages": [
    {"role": "system", "content": "You are a helpful assistant with access to tools."},
    {"role": "user", "content": "<pergunta_do_usuario>"},
    {
      "role": "assistant",
      "content": "",
      "tool_calls": [
        {"name": "<nome_da_tool>", "arguments": {"<param1>": "<valor1>"}}
      ]
    }
  ]
}

## Instruções Importantes

- O campo "content" do assistant deve estar VAZIO quando há tool_calls
- Os argumentos devem corresponder EXATAMENTE ao schema da tool
- Extraia parâmetros do contexto da pergunta do usuário
- Se múltiplas tools forem necessárias, inclua múltiplas tool_calls
`

const datasetUserTemplate = `Gere {{.NumExamples}} exemplos de treinamento para a seguinte tool:

## Tool Description
Nome: {{.ToolName}}
Descrição: {{.ToolDescription}}

## Tool Schema
{{.ToolSchema}}

## Nível de Diversidade
{{.DiversityLevel}} (0.0 = similar, 1.0 = muito diverso)

Retorne um array JSON com {{.NumExamples}} exemplos no formato especificado.
Cada exemplo deve ser DIFERENTE dos outros, variando:
- Tom da pergunta (formal, casual, técnico)
- Complexidade (simples, média, complexa)
- Contexto (diferentes cenários de uso)
- Parâmetros (valores diferentes mas válidos)

OUTPUT (apenas JSON válido, sem explicações):`

func builtinPrompts() []*Prompt {
	return []*Prompt{
		{
			Name:        ConversationChat,
			Version:     "1.0.0",
			Description: "general chat completion with financial guardrails",
			System:      chatSystemPrompt,
		},
		{
			Name:        ConversationFinancial,
			Version:     "1.0.0",
			Description: "educational financial analysis",
			System:      financialAdvisorSystemPrompt,
		},
		{
			Name:        PromptDatasetGeneration,
			Version:     "1.0.0",
			Description: "tool-calling fine-tuning dataset generation",
			System:      datasetSystemPrompt,
			User:        template.Must(template.New(PromptDatasetGeneration).Option("missingkey=error").Parse(datasetUserTemplate)),
		},
	}
}
