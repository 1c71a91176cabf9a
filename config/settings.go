package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// --- 全局变量和常量 ---
const (
	// 默认配置值
	DefaultOverallTimeoutMS         = 25000
	DefaultTargetTimeoutMS          = 10000
	DefaultMaxSameKeyRetries        = 2
	DefaultRecoveryThreshold        = 5
	DefaultMainCacheTTLSeconds      = 60
	DefaultCooldownSeconds          = 60
	DefaultInvalidKeyCooldownSecs   = 300
	DefaultCooldownCacheCapacity    = 10000
	DefaultHealthCheckIntervalSecs  = 60 * 5
	DefaultCleanupCron              = "0 */6 * * *"
	DefaultPort                     = "8000"
	DefaultLogLevel                 = "info"
	DefaultGinMode                  = "debug"
	DefaultAdminPassword            = "admin"
	DefaultSessionSecretKey         = "thebalance-insecure-session-key"
	DefaultDBType                   = "sqlite"
	DefaultDBConnectionStringSqlite = "thebalance_keys.db"
	DefaultMySQLHost                = "127.0.0.1"
	DefaultMySQLPort                = "3306"
	DefaultMySQLDBName              = "thebalance"
	DefaultMySQLUser                = "root"
	DefaultMySQLPassword            = ""
)

// Settings 存储应用配置
type Settings struct {
	AuthKey             string // 网关自身客户端认证所用的共享密钥 (AUTH_KEY)
	AIGatewayToken      string // 透传给 AI Gateway 的 cf-aig-authorization 令牌
	CloudflareAccountID string
	AIGatewayName       string
	AIGatewayBaseURL    string // 非空时覆盖默认的 AI Gateway 基地址
	IsLocal             bool   // true 时绕过 AI Gateway，直连各 provider 的原生端点

	OverallTimeout     time.Duration // 单个客户端请求的总时限
	TargetTimeout      time.Duration // 单次上游尝试的时限
	MaxSameKeyRetries  int           // 瞬时错误时同一密钥的原地重试次数上限
	RecoveryThreshold  int           // 清理阈值乘数：连续失败超过 RecoveryThreshold*50 的密钥会被定期删除

	MainCacheTTL          time.Duration // 主缓存（按 provider 排序快照）的 TTL
	DefaultCooldown       time.Duration // 未携带 retry-after 信息时的默认冷却时长
	InvalidKeyCooldown    time.Duration // 无效密钥在惩罚区中的安全屏蔽时长
	CooldownCacheCapacity int           // 惩罚区容量上限

	HealthCheckInterval time.Duration
	CleanupCron         string

	Port     string
	LogLevel string
	GinMode  string

	AdminPassword    string
	SessionSecretKey string

	DBType                   string
	DBConnectionStringSqlite string
	MySQLHost                string
	MySQLPort                string
	MySQLDBName              string
	MySQLUser                string
	MySQLPassword            string
}

// --- 配置热加载支持 ---
var (
	AppSettings Settings
	configLock  = &sync.RWMutex{}
	Log         *logrus.Logger // 由 main.go 注入
)

// Init 初始化配置
func Init(logger *logrus.Logger) {
	Log = logger
	_ = godotenv.Load()
	AppSettings = loadConfig()
}

// GetSettings 安全地获取当前配置的副本。
func GetSettings() Settings {
	configLock.RLock()
	defer configLock.RUnlock()
	return AppSettings
}

// UpdateSettingsRequest 定义了可以从管理接口热更新的配置字段。
// 使用指针类型可以区分 "未提供" 和 "设置为空值"。
type UpdateSettingsRequest struct {
	OverallTimeoutMS          *int    `json:"overall_timeout_ms"`
	TargetTimeoutMS           *int    `json:"target_timeout_ms"`
	MaxSameKeyRetries         *int    `json:"max_same_key_retries"`
	RecoveryThreshold         *int    `json:"recovery_threshold"`
	DefaultCooldownSeconds    *int    `json:"default_cooldown_seconds"`
	InvalidKeyCooldownSeconds *int    `json:"invalid_key_cooldown_seconds"`
	LogLevel                  *string `json:"log_level"`
	AuthKey                   *string `json:"auth_key"`
	AdminPassword             *string `json:"admin_password"`
}

// UpdateSettings 安全地更新全局配置。
// 注意：超时与重试参数由转发引擎在构造时取走，热更新后需要重启才对转发生效；
// 此处仍然更新配置值，使 /admin/app-status 反映最新意图。
func UpdateSettings(req UpdateSettingsRequest) {
	configLock.Lock()
	defer configLock.Unlock()

	if req.OverallTimeoutMS != nil {
		AppSettings.OverallTimeout = time.Duration(*req.OverallTimeoutMS) * time.Millisecond
		Log.Infof("配置热更新: OverallTimeout -> %v (重启后对转发生效)", AppSettings.OverallTimeout)
	}
	if req.TargetTimeoutMS != nil {
		AppSettings.TargetTimeout = time.Duration(*req.TargetTimeoutMS) * time.Millisecond
		Log.Infof("配置热更新: TargetTimeout -> %v (重启后对转发生效)", AppSettings.TargetTimeout)
	}
	if req.MaxSameKeyRetries != nil {
		AppSettings.MaxSameKeyRetries = *req.MaxSameKeyRetries
		Log.Infof("配置热更新: MaxSameKeyRetries -> %d", AppSettings.MaxSameKeyRetries)
	}
	if req.RecoveryThreshold != nil {
		AppSettings.RecoveryThreshold = *req.RecoveryThreshold
		Log.Infof("配置热更新: RecoveryThreshold -> %d", AppSettings.RecoveryThreshold)
	}
	if req.DefaultCooldownSeconds != nil {
		AppSettings.DefaultCooldown = time.Duration(*req.DefaultCooldownSeconds) * time.Second
		Log.Infof("配置热更新: DefaultCooldown -> %v", AppSettings.DefaultCooldown)
	}
	if req.InvalidKeyCooldownSeconds != nil {
		AppSettings.InvalidKeyCooldown = time.Duration(*req.InvalidKeyCooldownSeconds) * time.Second
		Log.Infof("配置热更新: InvalidKeyCooldown -> %v", AppSettings.InvalidKeyCooldown)
	}
	if req.LogLevel != nil {
		if level, err := logrus.ParseLevel(*req.LogLevel); err == nil {
			AppSettings.LogLevel = *req.LogLevel
			Log.SetLevel(level)
			Log.Infof("配置热更新: LogLevel -> %s", AppSettings.LogLevel)
		} else {
			Log.Warnf("尝试热更新为无效的日志级别 '%s'，忽略此项更改。", *req.LogLevel)
		}
	}
	if req.AuthKey != nil {
		AppSettings.AuthKey = *req.AuthKey
		Log.Infof("配置热更新: AuthKey 已更新。")
	}
	if req.AdminPassword != nil {
		AppSettings.AdminPassword = *req.AdminPassword
		Log.Infof("配置热更新: AdminPassword 已更新。")
	}
}

// loadConfig 从环境变量加载配置
func loadConfig() Settings {
	return Settings{
		AuthKey:             os.Getenv("AUTH_KEY"),
		AIGatewayToken:      os.Getenv("AI_GATEWAY_TOKEN"),
		CloudflareAccountID: os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		AIGatewayName:       os.Getenv("AI_GATEWAY"),
		AIGatewayBaseURL:    os.Getenv("AI_GATEWAY_BASE_URL"),
		IsLocal:             getBoolEnv("IS_LOCAL", false),

		OverallTimeout:    getMillisEnv("OVERALL_TIMEOUT_MS", DefaultOverallTimeoutMS),
		TargetTimeout:     getMillisEnv("TARGET_TIMEOUT_MS", DefaultTargetTimeoutMS),
		MaxSameKeyRetries: getIntEnv("MAX_SAME_KEY_RETRIES", DefaultMaxSameKeyRetries),
		RecoveryThreshold: getIntEnv("RECOVERY_THRESHOLD", DefaultRecoveryThreshold),

		MainCacheTTL:          getDurationEnv("MAIN_CACHE_TTL_SECONDS", DefaultMainCacheTTLSeconds),
		DefaultCooldown:       getDurationEnv("DEFAULT_COOLDOWN_SECONDS", DefaultCooldownSeconds),
		InvalidKeyCooldown:    getDurationEnv("INVALID_KEY_COOLDOWN_SECONDS", DefaultInvalidKeyCooldownSecs),
		CooldownCacheCapacity: getIntEnv("COOLDOWN_CACHE_CAPACITY", DefaultCooldownCacheCapacity),

		HealthCheckInterval: getDurationEnv("HEALTH_CHECK_INTERVAL_SECONDS", DefaultHealthCheckIntervalSecs),
		CleanupCron:         getStringEnv("CLEANUP_CRON", DefaultCleanupCron),

		Port:     getStringEnv("PORT", DefaultPort),
		LogLevel: getStringEnv("LOG_LEVEL", DefaultLogLevel),
		GinMode:  getStringEnv("GIN_MODE", DefaultGinMode),

		AdminPassword:    getStringEnv("ADMIN_PASSWORD", DefaultAdminPassword),
		SessionSecretKey: getStringEnv("SESSION_SECRET_KEY", DefaultSessionSecretKey),

		DBType:                   getStringEnv("DB_TYPE", DefaultDBType),
		DBConnectionStringSqlite: getStringEnv("DB_CONNECTION_STRING_SQLITE", DefaultDBConnectionStringSqlite),
		MySQLHost:                getStringEnv("MYSQL_HOST", DefaultMySQLHost),
		MySQLPort:                getStringEnv("MYSQL_PORT", DefaultMySQLPort),
		MySQLDBName:              getStringEnv("MYSQL_DBNAME", DefaultMySQLDBName),
		MySQLUser:                getStringEnv("MYSQL_USER", DefaultMySQLUser),
		MySQLPassword:            os.Getenv("MYSQL_PASSWORD"), // 密码可以为空
	}
}

func getStringEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getBoolEnv(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getDurationEnv(key string, defaultValueInSeconds int) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return time.Duration(defaultValueInSeconds) * time.Second
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		return time.Duration(defaultValueInSeconds) * time.Second
	}
	return time.Duration(value) * time.Second
}

func getMillisEnv(key string, defaultValueInMillis int) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return time.Duration(defaultValueInMillis) * time.Millisecond
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		return time.Duration(defaultValueInMillis) * time.Millisecond
	}
	return time.Duration(value) * time.Millisecond
}
