// handlers/api_handlers.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"thebalance/models"
	"thebalance/proxy"
	"thebalance/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 全局变量，在 main.go 中初始化并注入依赖。
var (
	Log          *logrus.Logger // 全局日志记录器实例。
	Engine       *proxy.Engine  // 转发引擎实例。
	AppStartTime time.Time      // 应用程序启动时间，用于状态报告。
)

// maxInboundBodyBytes 入站请求体的读取上限。
const maxInboundBodyBytes = 10 * 1024 * 1024

// ChatCompletionsHandler 处理 `POST /api/compat/chat/completions`。
// provider 从 model 字段的前缀推断 (如 "google-ai-studio/gemini-2.0-flash")，
// 请求体原样透传给上游，密钥选取与故障转移交给转发引擎。
func ChatCompletionsHandler(c *gin.Context) {
	clientCtx := c.Request.Context()
	if clientCtx.Err() == context.Canceled {
		Log.Warn("ChatCompletionsHandler: 客户端在处理请求前已断开连接。")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBodyBytes))
	if err != nil {
		Log.Warnf("ChatCompletionsHandler: 读取请求体失败: %v", err)
		sendErrorResponse(c, http.StatusBadRequest, "读取请求体失败。", "invalid_request_error", clientCtx)
		return
	}

	var requestData models.ChatCompletionRequest
	if err := json.Unmarshal(body, &requestData); err != nil {
		Log.Warnf("ChatCompletionsHandler: 无效的请求体: %v", err)
		sendErrorResponse(c, http.StatusBadRequest, "请求体解析失败: "+err.Error(), "invalid_request_error", clientCtx)
		return
	}

	provider, bareModel, ok := utils.SplitProviderModel(requestData.Model)
	if !ok {
		Log.Warnf("ChatCompletionsHandler: model 字段 '%s' 缺少 provider 前缀。", requestData.Model)
		sendErrorResponse(c, http.StatusBadRequest,
			"model 字段必须形如 '<provider>/<model>'，例如 'google-ai-studio/gemini-2.0-flash'。",
			"invalid_request_error", clientCtx)
		return
	}
	if !proxy.KnownProvider(provider) {
		sendErrorResponse(c, http.StatusBadRequest, "未知的 provider: "+provider, "invalid_request_error", clientCtx)
		return
	}

	Log.Infof("收到聊天请求: provider=%s, 模型=%s, 流式=%t, 客户端IP=%s",
		provider, bareModel, requestData.Stream != nil && *requestData.Stream, c.ClientIP())

	resp, err := Engine.Forward(clientCtx, provider, bareModel, "compat/chat/completions",
		http.MethodPost, c.Request.Header, body)
	if err != nil {
		sendFailoverError(c, err, clientCtx)
		return
	}
	pipeUpstreamResponse(c, resp)
}

// EmbeddingsHandler 处理 `POST /api/compat/embeddings`。
// OpenAI 风格的请求体在进入核心前被翻译为 Gemini 的 batchEmbedContents 形式，
// 响应再翻译回 OpenAI 形式。目前 embeddings 只落在 google-ai-studio 上。
func EmbeddingsHandler(c *gin.Context) {
	clientCtx := c.Request.Context()
	if clientCtx.Err() == context.Canceled {
		Log.Warn("EmbeddingsHandler: 客户端在处理请求前已断开连接。")
		return
	}

	var requestData models.EmbeddingsRequest
	if err := c.ShouldBindJSON(&requestData); err != nil {
		Log.Warnf("EmbeddingsHandler: 无效的请求体: %v", err)
		sendErrorResponse(c, http.StatusBadRequest, "请求体解析失败: "+err.Error(), "invalid_request_error", clientCtx)
		return
	}
	if len(requestData.Input) == 0 || requestData.Model == "" {
		sendErrorResponse(c, http.StatusBadRequest, "input 与 model 字段均不能为空。", "invalid_request_error", clientCtx)
		return
	}

	// model 可以带 provider 前缀也可以是裸模型名；embeddings 目前只支持 google。
	provider := "google-ai-studio"
	bareModel := requestData.Model
	if p, m, ok := utils.SplitProviderModel(requestData.Model); ok {
		provider, bareModel = p, m
	}
	if provider != "google-ai-studio" {
		sendErrorResponse(c, http.StatusBadRequest, "embeddings 目前仅支持 google-ai-studio。", "invalid_request_error", clientCtx)
		return
	}

	geminiBody, err := json.Marshal(TranslateEmbeddingsRequest(requestData, bareModel))
	if err != nil {
		Log.Errorf("EmbeddingsHandler: 序列化翻译后的请求失败: %v", err)
		sendErrorResponse(c, http.StatusInternalServerError, "内部服务器错误。", "server_error", clientCtx)
		return
	}

	restResource := "google-ai-studio/v1beta/models/" + bareModel + ":batchEmbedContents"
	resp, err := Engine.Forward(clientCtx, provider, bareModel, restResource,
		http.MethodPost, c.Request.Header, geminiBody)
	if err != nil {
		sendFailoverError(c, err, clientCtx)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 引擎把客户端错误原样交回，这里同样透传。
		raw, _ := io.ReadAll(resp.Body)
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
		return
	}

	var geminiResp models.GeminiEmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		Log.Errorf("EmbeddingsHandler: 解析上游 embeddings 响应失败: %v", err)
		sendErrorResponse(c, http.StatusBadGateway, "解析上游 embeddings 响应失败。", "server_error", clientCtx)
		return
	}
	c.JSON(http.StatusOK, TranslateEmbeddingsResponse(geminiResp, requestData.Model))
}

// PassthroughHandler 处理 `ANY /api/:provider/*rest` 的 provider 原生透传。
// 请求体与路径原样交给转发引擎，只有认证头被替换为选中的密钥。
func PassthroughHandler(c *gin.Context) {
	clientCtx := c.Request.Context()
	if clientCtx.Err() == context.Canceled {
		Log.Warn("PassthroughHandler: 客户端在处理请求前已断开连接。")
		return
	}

	provider := c.Param("provider")
	if !proxy.KnownProvider(provider) {
		sendErrorResponse(c, http.StatusBadRequest, "未知的 provider: "+provider, "invalid_request_error", clientCtx)
		return
	}
	restResource := provider + c.Param("rest")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBodyBytes))
	if err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "读取请求体失败。", "invalid_request_error", clientCtx)
		return
	}

	// 原生请求的 model（如果有）埋在请求体里，尽力提取用于模型级冷却过滤。
	model := sniffModel(body)

	Log.Infof("收到原生透传请求: provider=%s, 路径=%s, 方法=%s", provider, restResource, c.Request.Method)

	resp, err := Engine.Forward(clientCtx, provider, model, restResource,
		c.Request.Method, c.Request.Header, body)
	if err != nil {
		sendFailoverError(c, err, clientCtx)
		return
	}
	pipeUpstreamResponse(c, resp)
}

// sniffModel 尽力从 JSON 请求体中提取 model 字段；失败时返回空串（按密钥级处理）。
func sniffModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// pipeUpstreamResponse 把上游响应透传给客户端，流式响应逐块刷出。
func pipeUpstreamResponse(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()

	// 透传内容相关头；逐跳头与长度由 Go HTTP 栈自行处理。
	for _, name := range []string{"Content-Type", "Cache-Control", "X-Request-Id"} {
		if v := resp.Header.Get(name); v != "" {
			c.Writer.Header().Set(name, v)
		}
	}
	isStream := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	if isStream {
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no") // 禁用反向代理缓冲
	}
	c.Writer.WriteHeader(resp.StatusCode)

	flusher, canFlush := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				Log.Warnf("pipeUpstreamResponse: 写入客户端失败 (%v)，客户端可能已断开。", writeErr)
				return
			}
			if canFlush && isStream {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				Log.Warnf("pipeUpstreamResponse: 读取上游响应中断: %v", readErr)
			}
			if canFlush {
				flusher.Flush()
			}
			return
		}
	}
}

// sendFailoverError 把转发引擎的终态错误映射为对客户端的 HTTP 响应。
func sendFailoverError(c *gin.Context, err error, clientCtx context.Context) {
	switch {
	case errors.Is(err, context.Canceled):
		Log.Warn("sendFailoverError: 客户端已断开，不发送错误响应。")
	case errors.Is(err, proxy.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		sendErrorResponse(c, http.StatusGatewayTimeout, "请求在总时限内未能完成。", "server_error", clientCtx)
	case errors.Is(err, proxy.ErrNoCandidates):
		sendErrorResponse(c, http.StatusServiceUnavailable, "该 provider 当前没有可用的密钥。", "server_error", clientCtx)
	case errors.Is(err, proxy.ErrAllKeysFailed):
		sendErrorResponse(c, http.StatusServiceUnavailable, "所有可用密钥均失败或处于冷却中。", "server_error", clientCtx)
	case errors.Is(err, proxy.ErrUpstreamFatal):
		sendErrorResponse(c, http.StatusBadGateway, "上游返回了不可恢复的错误。", "server_error", clientCtx)
	default:
		Log.Errorf("sendFailoverError: 未预期的转发错误: %v", err)
		sendErrorResponse(c, http.StatusInternalServerError, "内部服务器错误。", "server_error", clientCtx)
	}
}

// sendErrorResponse 统一向客户端发送 OpenAI 风格的 JSON 错误响应。
func sendErrorResponse(c *gin.Context, statusCode int, message string, errorType string, originalCtx context.Context) {
	// 如果客户端已断开连接，则不发送任何响应，仅记录日志。
	if originalCtx != nil && originalCtx.Err() == context.Canceled {
		Log.Warnf("sendErrorResponse: 尝试发送错误 '%s' (状态码 %d)，但客户端已断开。不发送。", message, statusCode)
		return
	}
	if c.Writer.Written() {
		Log.Warnf("sendErrorResponse: 尝试发送错误 '%s' (状态码 %d)，但响应头已写入。不发送。", message, statusCode)
		return
	}
	c.JSON(statusCode, models.ErrorResponse{
		Error: models.ErrorDetail{
			Message: message,
			Type:    errorType,
			Code:    codeForStatus(statusCode),
		},
	})
}

// codeForStatus 为错误响应挑选机器可读的 code。
func codeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusServiceUnavailable:
		return "no_keys_available"
	case http.StatusGatewayTimeout:
		return "request_timeout"
	case http.StatusBadGateway:
		return "upstream_error"
	default:
		return "invalid_request"
	}
}
