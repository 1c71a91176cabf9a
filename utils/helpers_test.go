package utils

import "testing"

// TestSafeSuffix 测试密钥后缀脱敏
func TestSafeSuffix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "[EMPTY]"},
		{"ab", "...ab"},
		{"abcd", "...abcd"},
		{"AIzaSyAbcdefghijklmn", "...klmn"},
	}
	for _, tt := range tests {
		if got := SafeSuffix(tt.in); got != tt.want {
			t.Errorf("SafeSuffix(%q) = %q, 期望 %q", tt.in, got, tt.want)
		}
	}
}

// TestSplitProviderModel 测试 provider 前缀拆分
func TestSplitProviderModel(t *testing.T) {
	tests := []struct {
		in           string
		wantProvider string
		wantModel    string
		wantOK       bool
	}{
		{"google-ai-studio/gemini-2.0-flash", "google-ai-studio", "gemini-2.0-flash", true},
		{"openrouter/deepseek/deepseek-chat", "openrouter", "deepseek/deepseek-chat", true},
		{"gemini-2.0-flash", "", "", false},
		{"/gemini", "", "", false},
		{"google-ai-studio/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		provider, model, ok := SplitProviderModel(tt.in)
		if provider != tt.wantProvider || model != tt.wantModel || ok != tt.wantOK {
			t.Errorf("SplitProviderModel(%q) = (%q, %q, %t), 期望 (%q, %q, %t)",
				tt.in, provider, model, ok, tt.wantProvider, tt.wantModel, tt.wantOK)
		}
	}
}
