package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// providerAuthHeader 各 provider 注入密钥所用的请求头。
// 不在表中的 provider 使用标准的 "Authorization: Bearer <key>"。
var providerAuthHeader = map[string]string{
	"google-ai-studio": "x-goog-api-key",
	"anthropic":        "x-api-key",
	"elevenlabs":       "x-api-key",
	"azure-openai":     "api-key",
	"cartesia":         "X-API-Key",
}

// providerDirectBase IS_LOCAL 模式下各 provider 的原生端点。
// 不在表中的 provider 在直连模式下无法转发。
var providerDirectBase = map[string]string{
	"google-ai-studio": "https://generativelanguage.googleapis.com",
	"anthropic":        "https://api.anthropic.com",
	"elevenlabs":       "https://api.elevenlabs.io",
	"cartesia":         "https://api.cartesia.ai",
}

// knownProviders 网关认识的 provider 标签全集。
// 不在表中的标签直接拒绝，避免把任意路径转发到 AI Gateway。
var knownProviders = map[string]bool{
	"google-ai-studio": true,
	"anthropic":        true,
	"elevenlabs":       true,
	"azure-openai":     true,
	"cartesia":         true,
	"openai":           true,
	"openrouter":       true,
	"groq":             true,
	"mistral":          true,
	"workers-ai":       true,
}

// KnownProvider 判断 provider 标签是否被网关认识。
func KnownProvider(provider string) bool {
	return knownProviders[provider]
}

// RequestIDHeader 网关为每次上游尝试生成的追踪标识头。
const RequestIDHeader = "X-OneBalance-Request-ID"

// UpstreamConfig 构造上游请求所需的网关侧配置。
type UpstreamConfig struct {
	IsLocal             bool   // true 时直连 provider 原生端点，false 时经 AI Gateway
	CloudflareAccountID string // AI Gateway URL 的账户段
	AIGatewayName       string // AI Gateway URL 的网关段
	AIGatewayToken      string // 非空时附加 cf-aig-authorization 头
	GatewayBaseURL      string // 非空时覆盖网关基地址（自建网关入口）
}

// SetAuthHeader 为指定 provider 设置正确的认证头。
func SetAuthHeader(h http.Header, provider, key string) {
	name, ok := providerAuthHeader[provider]
	if !ok {
		h.Set("Authorization", "Bearer "+key)
		return
	}
	h.Set(name, key)
}

// UpstreamURL 根据配置构造上游 URL。
// restResource 形如 "google-ai-studio/v1beta/models/gemini-pro:generateContent"
// 或 "compat/chat/completions"，首段即 provider（compat 路由除外）。
func UpstreamURL(cfg UpstreamConfig, restResource string) (string, error) {
	if !cfg.IsLocal {
		base := cfg.GatewayBaseURL
		if base == "" {
			base = fmt.Sprintf("https://gateway.ai.cloudflare.com/v1/%s/%s", cfg.CloudflareAccountID, cfg.AIGatewayName)
		}
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base + restResource, nil
	}

	provider := strings.SplitN(restResource, "/", 2)[0]
	base, ok := providerDirectBase[provider]
	if !ok {
		return "", fmt.Errorf("直连模式不支持 provider '%s'", provider)
	}
	suffix := strings.TrimPrefix(restResource, provider)
	return base + suffix, nil
}

// BuildUpstreamRequest 构造携带指定密钥的上游请求。
// 客户端的 Authorization 头绝不透传；出站请求只携带注入的密钥、
// 网关级认证头和少量内容协商头。
func BuildUpstreamRequest(
	ctx context.Context,
	cfg UpstreamConfig,
	method string,
	restResource string,
	inbound http.Header,
	body []byte,
	provider string,
	key string,
) (*http.Request, error) {
	url, err := UpstreamURL(cfg, restResource)
	if err != nil {
		return nil, err
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	// 只复制与内容协商相关的入站头；认证信息一律重建。
	for _, name := range []string{"Content-Type", "Accept", "Accept-Encoding"} {
		if v := inbound.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	SetAuthHeader(req.Header, provider, key)
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if cfg.AIGatewayToken != "" {
		req.Header.Set("cf-aig-authorization", "Bearer "+cfg.AIGatewayToken)
	}
	return req, nil
}
