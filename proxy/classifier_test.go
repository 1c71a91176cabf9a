package proxy

import (
	"net/http"
	"testing"
	"time"
)

func newTestClassifier() *Classifier {
	return NewClassifier(60 * time.Second)
}

// TestClassifyStatusMapping 测试状态码到结果的基础映射
func TestClassifyStatusMapping(t *testing.T) {
	cl := newTestClassifier()

	tests := []struct {
		name     string
		provider string
		status   int
		body     string
		want     OutcomeKind
	}{
		{"200 成功", "openrouter", 200, "", OutcomeSuccess},
		{"201 也算成功", "openrouter", 201, "", OutcomeSuccess},
		{"401 密钥无效", "openrouter", 401, "", OutcomeKeyInvalid},
		{"403 密钥无效", "openrouter", 403, "", OutcomeKeyInvalid},
		{"429 进入冷却", "openrouter", 429, "", OutcomeKeyOnCooldown},
		{"500 瞬时", "openrouter", 500, "", OutcomeTransientSameKey},
		{"502 瞬时", "openrouter", 502, "", OutcomeTransientSameKey},
		{"503 瞬时", "openrouter", 503, "", OutcomeTransientSameKey},
		{"404 客户端错误", "openrouter", 404, "", OutcomeClientError},
		{"415 客户端错误", "openrouter", 415, "", OutcomeClientError},
		{"400 普通请求错误", "openrouter", 400, `{"error":{"message":"bad messages field"}}`, OutcomeClientError},
		{"400 配额类错误进入冷却", "openrouter", 400, `{"error":{"message":"insufficient_quota"}}`, OutcomeKeyOnCooldown},
		{"3xx 视为畸形响应", "openrouter", 301, "", OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cl.Classify(tt.provider, tt.status, http.Header{}, []byte(tt.body))
			if got.Kind != tt.want {
				t.Errorf("Classify(%d) = %v, 期望 %v", tt.status, got.Kind, tt.want)
			}
		})
	}
}

// TestClassifyRetryAfterHeader 测试标准 Retry-After 头被采纳
func TestClassifyRetryAfterHeader(t *testing.T) {
	cl := newTestClassifier()

	header := http.Header{}
	header.Set("Retry-After", "30")
	got := cl.Classify("openrouter", 429, header, nil)
	if got.Kind != OutcomeKeyOnCooldown {
		t.Fatalf("期望冷却结果，实际 %v", got.Kind)
	}
	if got.Cooldown != 30*time.Second {
		t.Errorf("Retry-After: 30 应产生 30s 冷却，实际 %v", got.Cooldown)
	}

	// 没有 Retry-After 时落回默认冷却。
	got = cl.Classify("openrouter", 429, http.Header{}, nil)
	if got.Cooldown != 60*time.Second {
		t.Errorf("无 Retry-After 时应使用默认 60s 冷却，实际 %v", got.Cooldown)
	}
}

// TestClassifyGoogleRetryInfo 测试 Google RetryInfo 的建议间隔被采纳（含余量）
func TestClassifyGoogleRetryInfo(t *testing.T) {
	cl := newTestClassifier()

	body := `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"17s"}]}}`
	got := cl.Classify("google-ai-studio", 429, http.Header{}, []byte(body))
	if got.Kind != OutcomeKeyOnCooldown {
		t.Fatalf("期望冷却结果，实际 %v", got.Kind)
	}
	if got.Cooldown != 22*time.Second {
		t.Errorf("retryDelay 17s 加 5s 余量应为 22s，实际 %v", got.Cooldown)
	}
}

// TestClassifyGoogleDailyQuota 测试日配额耗尽冷却到次日
func TestClassifyGoogleDailyQuota(t *testing.T) {
	cl := newTestClassifier()

	body := `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.QuotaFailure","violations":[{"subject":"x","description":"y","quotaId":"GenerateRequestsPerDayPerProjectPerModel-FreeTier"}]}]}}`
	got := cl.Classify("google-ai-studio", 429, http.Header{}, []byte(body))
	if got.Kind != OutcomeKeyOnCooldown {
		t.Fatalf("期望冷却结果，实际 %v", got.Kind)
	}
	if got.Cooldown != DailyCooldown {
		t.Errorf("PerDay 配额应产生 24h 冷却，实际 %v", got.Cooldown)
	}
}

// TestClassifyGoogleKeyInvalid400 测试 Google 400 中的 API_KEY_INVALID 被识别为无效密钥
func TestClassifyGoogleKeyInvalid400(t *testing.T) {
	cl := newTestClassifier()

	body := `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID"}]}}`
	got := cl.Classify("google-ai-studio", 400, http.Header{}, []byte(body))
	if got.Kind != OutcomeKeyInvalid {
		t.Errorf("带 API_KEY_INVALID 的 400 应判定为无效密钥，实际 %v", got.Kind)
	}

	// Google 偶尔会把错误包在数组里。
	arrBody := `[{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID"}]}}]`
	got = cl.Classify("google-ai-studio", 400, http.Header{}, []byte(arrBody))
	if got.Kind != OutcomeKeyInvalid {
		t.Errorf("数组形式的错误体同样应被解析，实际 %v", got.Kind)
	}
}

// TestClassifyGoogle503Quota 测试 Google 503 携带配额信号时按冷却处理
func TestClassifyGoogle503Quota(t *testing.T) {
	cl := newTestClassifier()

	body := `{"error":{"code":503,"message":"Quota will reset","status":"UNAVAILABLE","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"40s"}]}}`
	got := cl.Classify("google-ai-studio", 503, http.Header{}, []byte(body))
	if got.Kind != OutcomeKeyOnCooldown {
		t.Errorf("带配额信号的 503 应判定为冷却，实际 %v", got.Kind)
	}

	// 普通 503 仍然是瞬时故障。
	got = cl.Classify("google-ai-studio", 503, http.Header{}, []byte("upstream hiccup"))
	if got.Kind != OutcomeTransientSameKey {
		t.Errorf("不带配额信号的 503 应判定为瞬时，实际 %v", got.Kind)
	}
}

// TestClassifyTransport 测试传输层错误一律判定为瞬时
func TestClassifyTransport(t *testing.T) {
	cl := newTestClassifier()
	if got := cl.ClassifyTransport(nil); got.Kind != OutcomeTransientSameKey {
		t.Errorf("传输层错误应判定为瞬时，实际 %v", got.Kind)
	}
}
