package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"thebalance/models"
	"thebalance/proxy"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func setupTest() {
	gin.SetMode(gin.TestMode)
	Log = logrus.New()
	Log.SetOutput(io.Discard)
}

func doChatRequest(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/compat/chat/completions",
		bytes.NewReader([]byte(body)))
	ChatCompletionsHandler(c)
	return w
}

// TestChatHandlerRejectsBadModel 测试缺少 provider 前缀或未知 provider 的请求被拒绝
func TestChatHandlerRejectsBadModel(t *testing.T) {
	setupTest()

	tests := []struct {
		name string
		body string
	}{
		{"缺少 provider 前缀", `{"model":"gemini-2.0-flash"}`},
		{"未知 provider", `{"model":"nonsense-provider/gemini-2.0-flash"}`},
		{"model 为空", `{"model":""}`},
		{"非法 JSON", `{model`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doChatRequest(t, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("期望 400，实际 %d", w.Code)
			}
			var resp models.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("错误响应应是 OpenAI 风格的 JSON: %v", err)
			}
			if resp.Error.Type != "invalid_request_error" {
				t.Errorf("错误类型应为 invalid_request_error，实际 %q", resp.Error.Type)
			}
		})
	}
}

// TestSendFailoverErrorMapping 测试引擎终态错误到 HTTP 状态码的映射
func TestSendFailoverErrorMapping(t *testing.T) {
	setupTest()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"无候选 -> 503", proxy.ErrNoCandidates, http.StatusServiceUnavailable},
		{"全部失败 -> 503", proxy.ErrAllKeysFailed, http.StatusServiceUnavailable},
		{"总截止 -> 504", proxy.ErrDeadlineExceeded, http.StatusGatewayTimeout},
		{"不可恢复 -> 502", proxy.ErrUpstreamFatal, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
			sendFailoverError(c, tt.err, context.Background())
			if w.Code != tt.wantStatus {
				t.Errorf("%v 应映射为 %d，实际 %d", tt.err, tt.wantStatus, w.Code)
			}
		})
	}
}

// TestSniffModel 测试从原生请求体中提取 model 字段
func TestSniffModel(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"model":"gemini-2.0-flash","contents":[]}`, "gemini-2.0-flash"},
		{`{"contents":[]}`, ""},
		{``, ""},
		{`not json`, ""},
	}
	for _, tt := range tests {
		if got := sniffModel([]byte(tt.body)); got != tt.want {
			t.Errorf("sniffModel(%q) = %q, 期望 %q", tt.body, got, tt.want)
		}
	}
}
