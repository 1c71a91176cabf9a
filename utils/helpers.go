package utils

import "strings"

// SafeSuffix 辅助函数，用于安全地获取密钥末尾的几位字符，并添加前缀 "..."。
// 主要用于日志或管理接口展示，避免暴露完整的上游凭证。
// 例如，SafeSuffix("AIzaSyAbcdefghijklmn") 返回 "...klmn"。
// s: 输入字符串。
// 返回: 处理后的字符串，或在输入为空时返回 "[EMPTY]"。
func SafeSuffix(s string) string {
	const suffixLength = 4 // 要显示的末尾字符数量。
	if len(s) == 0 {
		return "[EMPTY]"
	}
	if len(s) > suffixLength {
		return "..." + s[len(s)-suffixLength:]
	}
	// 短字符串同样以 "...string" 形式显示，保持日志格式一致。
	return "..." + s
}

// DerefString 安全地解引用字符串指针。
// 如果指针为 nil，则返回提供的默认字符串值。
// 用于处理来自 JSON 请求的可选字段。
func DerefString(s *string, def string) string {
	if s != nil {
		return *s
	}
	return def
}

// SplitProviderModel 从 OpenAI 兼容请求的 model 字段中拆分出 provider 标签和裸模型名。
// 例如 "google-ai-studio/gemini-2.0-flash" 返回 ("google-ai-studio", "gemini-2.0-flash", true)。
// 不含 "/" 前缀的 model 无法推断 provider，返回 ok=false。
func SplitProviderModel(model string) (provider string, bareModel string, ok bool) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
