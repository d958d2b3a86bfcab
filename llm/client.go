// =============================================================================
// 🤖 OpenAI 兼容流式生成客户端
// =============================================================================
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/round"
	"github.com/BaSui01/councilflow/types"
)

// Config 单提供者客户端配置。
type Config struct {
	// Provider 提供者标识（openai、deepseek、qwen 等）
	Provider string `yaml:"provider" json:"provider"`

	// APIKey 认证密钥
	APIKey string `yaml:"api_key" json:"api_key"`

	// BaseURL 接口基础地址（如 https://api.openai.com）
	BaseURL string `yaml:"base_url" json:"base_url"`

	// EndpointPath 聊天补全路径，默认 /v1/chat/completions
	EndpointPath string `yaml:"endpoint_path" json:"endpoint_path"`

	// Timeout HTTP 超时，默认 120s
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Temperature 采样温度
	Temperature float32 `yaml:"temperature" json:"temperature"`

	// MaxTokens 最大生成 token 数，0 表示不限制
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// Client OpenAI 兼容提供者的流式生成客户端。
type Client struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewClient 创建客户端。
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.EndpointPath == "" {
		config.EndpointPath = "/v1/chat/completions"
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With(zap.String("component", "llm"), zap.String("provider", config.Provider)),
	}
}

// =============================================================================
// 📡 线上协议结构
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   float32        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

// =============================================================================
// 🎯 生成
// =============================================================================

// StreamGenerate 执行一次流式生成回合。幂等键与请求 ID 随请求头
// 传给上游，用量从最终块提取，上游未返回时为零由调用方兜底。
func (c *Client) StreamGenerate(ctx context.Context, req round.GenerateRequest, onDelta round.DeltaFunc) (round.GenerateResult, error) {
	messages := make([]chatMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.History {
		messages = append(messages, chatMessage{
			Role:    wireRole(msg.Role),
			Content: msg.Content,
		})
	}

	body := chatRequest{
		Model:         req.Agent.ModelID,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   c.config.Temperature,
		MaxTokens:     c.config.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return round.GenerateResult{}, types.NewError(types.ErrInternalError, "failed to encode generation request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return round.GenerateResult{}, types.NewError(types.ErrInternalError, "failed to build generation request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return round.GenerateResult{}, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return round.GenerateResult{}, types.NewError(types.ErrUpstreamTimeout, "upstream request timed out").
				WithHTTPStatus(http.StatusGatewayTimeout).
				WithRetryable(true).
				WithProvider(c.config.Provider).
				WithCause(err)
		}
		return round.GenerateResult{}, types.NewError(types.ErrUpstreamError, "upstream request failed").
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).
			WithProvider(c.config.Provider).
			WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return round.GenerateResult{}, c.mapHTTPError(resp)
	}

	return c.consumeStream(ctx, resp, onDelta)
}

// consumeStream 逐行解析 SSE 流，转发增量并累积最终结果。
func (c *Client) consumeStream(ctx context.Context, resp *http.Response, onDelta round.DeltaFunc) (round.GenerateResult, error) {
	result := round.GenerateResult{StatusCode: resp.StatusCode}
	var content strings.Builder

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return round.GenerateResult{}, ctxErr
			}
			return round.GenerateResult{}, types.NewError(types.ErrUpstreamError, "stream read failed").
				WithHTTPStatus(http.StatusBadGateway).
				WithRetryable(true).
				WithProvider(c.config.Provider).
				WithCause(err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return round.GenerateResult{}, types.NewError(types.ErrUpstreamError, "malformed stream chunk").
				WithHTTPStatus(http.StatusBadGateway).
				WithRetryable(true).
				WithProvider(c.config.Provider).
				WithCause(err)
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		if chunk.Usage != nil {
			result.PromptTokens = chunk.Usage.PromptTokens
			result.CompletionTokens = chunk.Usage.CompletionTokens
		}

		select {
		case <-ctx.Done():
			return round.GenerateResult{}, ctx.Err()
		default:
		}
	}

	result.Content = content.String()
	return result, nil
}

// mapHTTPError 将上游 HTTP 状态映射为结构化错误。
func (c *Client) mapHTTPError(resp *http.Response) *types.Error {
	msg := readErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(true).
			WithProvider(c.config.Provider)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, msg).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(true).
			WithProvider(c.config.Provider)
	case resp.StatusCode >= 500:
		return types.NewError(types.ErrUpstreamError, msg).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(true).
			WithProvider(c.config.Provider)
	default:
		return types.NewError(types.ErrUpstreamError, msg).
			WithHTTPStatus(resp.StatusCode).
			WithProvider(c.config.Provider)
	}
}

// readErrorMessage 尽力从错误响应体中提取消息。
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "upstream returned an error"
	}

	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// wireRole 将消息角色转换为线上协议角色。
func wireRole(role types.Role) string {
	switch role {
	case types.RoleAssistant:
		return "assistant"
	case types.RoleSystem:
		return "system"
	default:
		return "user"
	}
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.config.BaseURL, "/") + c.config.EndpointPath
}

// =============================================================================
// 🔀 提供者路由
// =============================================================================

// Router 按 Agent 的 Provider 字段将回合分发到对应客户端。
type Router struct {
	clients map[string]round.Generator
	logger  *zap.Logger
}

// NewRouter 创建提供者路由。
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		clients: make(map[string]round.Generator),
		logger:  logger.With(zap.String("component", "llm.router")),
	}
}

// Register 注册提供者客户端。
func (r *Router) Register(provider string, generator round.Generator) {
	r.clients[provider] = generator
}

// Providers 返回已注册的提供者标识。
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}

// StreamGenerate 将回合路由到 Agent 绑定的提供者。
func (r *Router) StreamGenerate(ctx context.Context, req round.GenerateRequest, onDelta round.DeltaFunc) (round.GenerateResult, error) {
	generator, ok := r.clients[req.Agent.Provider]
	if !ok {
		return round.GenerateResult{}, types.NewError(types.ErrNoModelBound,
			fmt.Sprintf("no client registered for provider %q", req.Agent.Provider))
	}
	return generator.StreamGenerate(ctx, req, onDelta)
}

var (
	_ round.Generator = (*Client)(nil)
	_ round.Generator = (*Router)(nil)
)
