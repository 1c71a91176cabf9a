package models

import "time"

// ErrorDetail 错误详情结构，用于在 API 响应中提供统一的错误信息。
// 符合 OpenAI 错误对象的风格。
type ErrorDetail struct {
	Message string `json:"message"`         // 必需：可读的错误描述。
	Type    string `json:"type"`            // 必需：错误类型，例如 "server_error", "authentication_error", "invalid_request_error"。
	Code    any    `json:"code,omitempty"`  // 可选：机器可读的错误代码 (如 "no_keys_available", "request_timeout")。
	Param   string `json:"param,omitempty"` // 可选：导致错误的参数名称。
}

// ErrorResponse 统一的错误响应结构，包装了 ErrorDetail。
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// AppStatusInfo 结构体用于 /admin/app-status 端点，提供应用的监控和配置状态。
type AppStatusInfo struct {
	StartTime                 time.Time `json:"start_time"`                   // 应用启动时间戳
	Uptime                    string    `json:"uptime"`                       // 应用已运行时间（人类可读格式）
	GoVersion                 string    `json:"go_version"`                   // 编译时使用的 Go 语言版本
	NumGoroutines             int       `json:"num_goroutines"`               // 当前活跃的 Goroutine 数量
	MemAllocatedMB            float64   `json:"mem_allocated_mb"`             // 当前分配的堆内存 (MB)
	MemSysMB                  float64   `json:"mem_sys_mb"`                   // 程序从操作系统获取的总内存 (MB)
	NumGC                     uint32    `json:"num_gc"`                       // 已完成的垃圾回收周期数
	OverallTimeoutMS          int64     `json:"overall_timeout_ms"`           // 单请求总时限
	TargetTimeoutMS           int64     `json:"target_timeout_ms"`            // 单次上游尝试时限
	MaxSameKeyRetries         int       `json:"max_same_key_retries"`         // 瞬时错误同密钥重试上限
	RecoveryThreshold         int       `json:"recovery_threshold"`           // 清理阈值乘数
	DefaultCooldownSeconds    float64   `json:"default_cooldown_seconds"`     // 默认冷却时长（秒）
	MainCacheTTLSeconds       float64   `json:"main_cache_ttl_seconds"`       // 主缓存 TTL（秒）
	HealthCheckIntervalSecs   float64   `json:"health_check_interval_seconds"`
	AuthKeyConfigured         bool      `json:"auth_key_configured"`          // 是否配置了客户端认证密钥 (AUTH_KEY)
	AIGatewayTokenConfigured  bool      `json:"ai_gateway_token_configured"`  // 是否配置了 AI Gateway 令牌
	IsLocal                   bool      `json:"is_local"`                     // 是否直连 provider 原生端点
	AdminPasswordConfigured   bool      `json:"admin_password_configured"`    // 仪表盘登录密码是否已配置且不是默认密码
	Port                      string    `json:"port"`
	LogLevel                  string    `json:"log_level"`
	GinMode                   string    `json:"gin_mode"`
	DBType                    string    `json:"db_type"`
}

// SSE (Server-Sent Events) 相关常量，用于流式 API 响应。
const (
	SSEDataPrefix  = "data: " // SSE 事件中数据行必须以此字符串开头。
	SSEDonePayload = "[DONE]" // OpenAI 风格的流结束时发送的特殊数据负载。
)
