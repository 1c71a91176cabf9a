package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"thebalance/models"
)

// OutcomeKind 上游结果的抽象分类，驱动转发引擎的状态机。
type OutcomeKind int

const (
	OutcomeSuccess          OutcomeKind = iota // 2xx，直接返回给客户端
	OutcomeTransientSameKey                    // 瞬时故障，同一密钥有限次重试
	OutcomeKeyOnCooldown                       // 限速/配额耗尽，屏蔽后换下一个密钥
	OutcomeKeyInvalid                          // 认证失败，屏蔽并调度封禁
	OutcomeClientError                         // 客户端请求本身的问题，原样返回
	OutcomeFatal                               // 不可恢复错误，不再重试
)

// Outcome 分类结果。Cooldown 仅在 Kind 为 OutcomeKeyOnCooldown 时有意义。
type Outcome struct {
	Kind     OutcomeKind
	Cooldown time.Duration
}

// 冷却时长常量。DailyCooldown 对应日配额耗尽，到次日才会恢复。
const (
	DailyCooldown       = 24 * time.Hour
	retryDelayBufferSec = 5 // 在 provider 建议的重试间隔上再加一点余量
)

// googleProvider Google AI Studio 的 provider 标签，其错误体需要结构化分析。
const googleProvider = "google-ai-studio"

// Classifier 把上游 HTTP 结果映射为抽象 Outcome。
// 分类本身是确定性的、无副作用的；所有状态变更由状态更新器依据结果执行。
type Classifier struct {
	DefaultCooldown time.Duration // 未携带 retry-after 信息时的冷却时长
}

// NewClassifier 创建分类器。defaultCooldown <= 0 时使用 60 秒。
func NewClassifier(defaultCooldown time.Duration) *Classifier {
	if defaultCooldown <= 0 {
		defaultCooldown = 60 * time.Second
	}
	return &Classifier{DefaultCooldown: defaultCooldown}
}

// Classify 对一次已收到响应头的上游调用分类。
// body 是错误响应体的摘录；2xx 时调用方不读取响应体，body 传 nil。
func (cl *Classifier) Classify(provider string, status int, header http.Header, body []byte) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Outcome{Kind: OutcomeSuccess}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Outcome{Kind: OutcomeKeyInvalid}

	case status == http.StatusBadRequest:
		// 400 可能是客户端请求问题，也可能是密钥/配额问题，需要看错误体。
		if provider == googleProvider {
			if g, ok := parseGoogleError(body); ok && googleKeyInvalid(g) {
				return Outcome{Kind: OutcomeKeyInvalid}
			}
		}
		if quotaErrorBody(body) {
			return Outcome{Kind: OutcomeKeyOnCooldown, Cooldown: cl.DefaultCooldown}
		}
		return Outcome{Kind: OutcomeClientError}

	case status == http.StatusTooManyRequests:
		if provider == googleProvider {
			if g, ok := parseGoogleError(body); ok {
				return cl.analyzeGoogleError(g)
			}
		}
		if d, ok := parseRetryAfter(header); ok {
			return Outcome{Kind: OutcomeKeyOnCooldown, Cooldown: d}
		}
		return Outcome{Kind: OutcomeKeyOnCooldown, Cooldown: cl.DefaultCooldown}

	case status == http.StatusServiceUnavailable:
		// Google 的 503 可能携带配额信息，那是持久性的配额耗尽而非瞬时故障。
		if provider == googleProvider {
			if g, ok := parseGoogleError(body); ok && googleHasQuotaSignal(g) {
				return cl.analyzeGoogleError(g)
			}
		}
		return Outcome{Kind: OutcomeTransientSameKey}

	case status >= 500:
		return Outcome{Kind: OutcomeTransientSameKey}

	case status >= 400:
		// 其余 4xx（404、415 等）与密钥无关，原样返回。
		return Outcome{Kind: OutcomeClientError}

	default:
		// 1xx/3xx 等对网关而言是畸形响应。
		return Outcome{Kind: OutcomeFatal}
	}
}

// ClassifyTransport 对传输层错误（未收到响应头）分类。
// 调用方需先排除整体截止与客户端取消；剩下的连接失败、
// 读超时与连接重置一律视作瞬时故障，同一密钥值得再试。
func (cl *Classifier) ClassifyTransport(err error) Outcome {
	return Outcome{Kind: OutcomeTransientSameKey}
}

// parseRetryAfter 解析标准 Retry-After 头（秒数或 HTTP 日期）。
func parseRetryAfter(header http.Header) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// parseGoogleError 解析 Google 的结构化错误体。
// Google 有时返回单个对象，有时返回仅含一个对象的数组。
func parseGoogleError(body []byte) (*models.GoogleErrorResponse, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var single models.GoogleErrorResponse
	if err := json.Unmarshal(body, &single); err == nil && single.Error.Code != 0 {
		return &single, true
	}
	var arr []models.GoogleErrorResponse
	if err := json.Unmarshal(body, &arr); err == nil && len(arr) > 0 && arr[len(arr)-1].Error.Code != 0 {
		return &arr[len(arr)-1], true
	}
	return nil, false
}

// googleKeyInvalid 检查错误体是否明确指示密钥无效。
func googleKeyInvalid(g *models.GoogleErrorResponse) bool {
	for _, detail := range g.Error.Details {
		if detail.TypeURL == "type.googleapis.com/google.rpc.ErrorInfo" && detail.Reason == "API_KEY_INVALID" {
			return true
		}
	}
	return false
}

// googleHasQuotaSignal 检查错误体是否携带配额/限速信号。
func googleHasQuotaSignal(g *models.GoogleErrorResponse) bool {
	for _, detail := range g.Error.Details {
		switch detail.TypeURL {
		case "type.googleapis.com/google.rpc.RetryInfo",
			"type.googleapis.com/google.rpc.QuotaFailure":
			return true
		case "type.googleapis.com/google.rpc.ErrorInfo":
			if detail.Reason == "RATE_LIMIT_EXCEEDED" {
				return true
			}
		}
	}
	msg := strings.ToLower(g.Error.Message)
	return strings.Contains(msg, "quota")
}

// analyzeGoogleError 对 Google 的限速类错误做细粒度分析：
//   - RetryInfo 携带建议的重试间隔，采纳并加少量余量；
//   - ErrorInfo 的 API_KEY_INVALID 表示密钥无效；
//   - QuotaFailure 中 quotaId 含 "PerDay" 表示日配额耗尽，冷却到次日；
//   - 均不命中时退回默认冷却。
func (cl *Classifier) analyzeGoogleError(g *models.GoogleErrorResponse) Outcome {
	for _, detail := range g.Error.Details {
		switch detail.TypeURL {
		case "type.googleapis.com/google.rpc.RetryInfo":
			if detail.RetryDelay != "" {
				secs, err := strconv.ParseInt(strings.TrimSuffix(detail.RetryDelay, "s"), 10, 64)
				if err != nil || secs <= 0 {
					secs = int64(cl.DefaultCooldown / time.Second)
				}
				return Outcome{
					Kind:     OutcomeKeyOnCooldown,
					Cooldown: time.Duration(secs+retryDelayBufferSec) * time.Second,
				}
			}
		case "type.googleapis.com/google.rpc.ErrorInfo":
			switch detail.Reason {
			case "API_KEY_INVALID":
				return Outcome{Kind: OutcomeKeyInvalid}
			case "RATE_LIMIT_EXCEEDED":
				return Outcome{Kind: OutcomeKeyOnCooldown, Cooldown: cl.DefaultCooldown}
			}
		case "type.googleapis.com/google.rpc.QuotaFailure":
			for _, violation := range detail.Violations {
				if strings.Contains(violation.QuotaID, "PerDay") {
					return Outcome{Kind: OutcomeKeyOnCooldown, Cooldown: DailyCooldown}
				}
			}
		}
	}

	// 详情里没有可用信息时，看顶层消息是否指示日配额。
	msg := strings.ToLower(g.Error.Message)
	if strings.Contains(msg, "quota") && strings.Contains(msg, "day") {
		return Outcome{Kind: OutcomeKeyOnCooldown, Cooldown: DailyCooldown}
	}
	return Outcome{Kind: OutcomeKeyOnCooldown, Cooldown: cl.DefaultCooldown}
}

// quotaErrorBody 对非结构化错误体做关键词嗅探，识别配额/余额类问题。
func quotaErrorBody(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, kw := range []string{"insufficient_quota", "quota", "credit", "balance", "funds"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
