package models

// ===================================================================
// == OpenAI 兼容模型 (用于 /api/compat/... 路由) ==
// ===================================================================

// ChatCompletionRequest 只解析转发决策所需的字段；请求体本身原样透传给上游。
type ChatCompletionRequest struct {
	Model  string `json:"model"`
	Stream *bool  `json:"stream"`
}

// EmbeddingsRequest OpenAI 风格的 embeddings 请求体。
type EmbeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// EmbeddingsResponse OpenAI 风格的 embeddings 响应体。
type EmbeddingsResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

// Embedding 单条向量。
type Embedding struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Usage token 用量统计。Gemini 的 embeddings 响应不携带用量，转换时填零值。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ===================================================================
// == Google Gemini 原生模型 (embeddings 翻译与健康探测) ==
// ===================================================================

// GeminiChatRequest 原生 generateContent 请求，用于健康探测的最小聊天请求。
type GeminiChatRequest struct {
	Contents []GeminiContent `json:"contents"`
}

// GeminiContent 一段对话内容。
type GeminiContent struct {
	Parts []GeminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

// GeminiPart 内容的文本片段。
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiEmbeddingsRequest 原生 batchEmbedContents 请求。
type GeminiEmbeddingsRequest struct {
	Requests []GeminiEmbeddingContent `json:"requests"`
}

// GeminiEmbeddingContent 单条待向量化的内容。
type GeminiEmbeddingContent struct {
	Model   string        `json:"model"`
	Content GeminiContent `json:"content"`
}

// GeminiEmbeddingsResponse 原生 batchEmbedContents 响应。
type GeminiEmbeddingsResponse struct {
	Embeddings []GeminiEmbeddingValue `json:"embeddings"`
}

// GeminiEmbeddingValue 单条向量值。
type GeminiEmbeddingValue struct {
	Values []float32 `json:"values"`
}

// ===================================================================
// == Google 错误体模型 (错误分类器内部反序列化) ==
// ===================================================================

// GoogleErrorResponse Google API 的结构化错误信封。
// Google 有时返回单个对象，有时返回仅含一个对象的数组，分类器两种都会尝试。
type GoogleErrorResponse struct {
	Error GoogleErrorBody `json:"error"`
}

// GoogleErrorBody 错误主体。
type GoogleErrorBody struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Status  string              `json:"status"`
	Details []GoogleErrorDetail `json:"details"`
}

// GoogleErrorDetail google.rpc.* 的类型化详情条目。
type GoogleErrorDetail struct {
	TypeURL    string                 `json:"@type"`
	Violations []GoogleQuotaViolation `json:"violations"`
	RetryDelay string                 `json:"retryDelay"` // 形如 "17s"
	Reason     string                 `json:"reason"`     // 形如 "API_KEY_INVALID"
}

// GoogleQuotaViolation 配额违规详情。QuotaID 含 "PerDay" 时表示日配额耗尽。
type GoogleQuotaViolation struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
	QuotaID     string `json:"quotaId"`
}
