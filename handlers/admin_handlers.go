package handlers

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"thebalance/config"
	"thebalance/keypool"
	"thebalance/models"
	"thebalance/storage"
	"thebalance/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
)

// Store 是一个包级变量，用于存储 session 的 CookieStore 实例。
// 它将在 main.go 中初始化并配置。
var Store *sessions.CookieStore

// KeyStore 与 MainCache 由 main.go 注入；管理操作写仓库后需要使主缓存失效。
var (
	KeyStore  *storage.KeyStore
	MainCache *keypool.MainCache
)

const (
	SessionKey    = "admin-session" // Session cookie 在浏览器中存储的名称。
	IsLoggedInKey = "is_logged_in"  // 在 session 数据中标记登录状态的键。
	MaxAgeSeconds = 3600 * 24 * 7   // Session cookie 的最大有效期（7天）。
	SessionPath   = "/admin"        // Session cookie 的作用路径。
)

// LoginRequest 定义了登录请求的JSON结构体。
type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// LoginHandler 处理 `/admin/login` POST 请求，用于管理员登录。
func LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Log.Warnf("LoginHandler: 无效的登录请求体: %v", err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "请求数据无效: " + err.Error(), Type: "invalid_request_error"}})
		return
	}

	configuredPassword := config.GetSettings().AdminPassword
	if configuredPassword == "" || configuredPassword == config.DefaultAdminPassword {
		// 密码未配置或仍为不安全的默认值时拒绝登录，强制先设置强密码。
		Log.Error("LoginHandler: 管理员密码 (ADMIN_PASSWORD) 未安全设置或仍为默认值。登录功能禁用。")
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "管理员账户未正确配置或密码不安全，无法登录。", Type: "config_error"}})
		return
	}

	if req.Password != configuredPassword {
		Log.Warn("LoginHandler: 管理员登录失败，密码错误。")
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "密码错误。", Type: "authentication_error"}})
		return
	}

	session, _ := Store.Get(c.Request, SessionKey)
	session.Values[IsLoggedInKey] = true
	session.Options.MaxAge = MaxAgeSeconds
	session.Options.HttpOnly = true
	session.Options.Path = SessionPath
	session.Options.SameSite = http.SameSiteLaxMode

	if err := session.Save(c.Request, c.Writer); err != nil {
		Log.Errorf("LoginHandler: 保存 session 失败: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "登录时发生内部错误 (无法保存会话)。", Type: "server_error"}})
		return
	}
	Log.Info("LoginHandler: 管理员登录成功。")
	c.JSON(http.StatusOK, gin.H{"message": "登录成功"})
}

// LogoutHandler 处理 `/admin/logout` POST 请求，用于管理员登出。
func LogoutHandler(c *gin.Context) {
	session, _ := Store.Get(c.Request, SessionKey)
	session.Values[IsLoggedInKey] = false
	session.Options.MaxAge = -1 // 使 cookie 立即过期

	if err := session.Save(c.Request, c.Writer); err != nil {
		Log.Errorf("LogoutHandler: 保存 session (使之过期) 失败: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "登出时发生内部错误。", Type: "server_error"}})
		return
	}
	Log.Info("LogoutHandler: 管理员已登出。")
	c.JSON(http.StatusOK, gin.H{"message": "登出成功"})
}

// AuthMiddleware 是一个 Gin 中间件，用于验证需要管理员权限的路由。
// 它检查 session 中是否存在有效的登录标记。
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := Store.Get(c.Request, SessionKey)
		if err != nil {
			Log.Warnf("AuthMiddleware: 获取 session 失败: %v。可能原因：store key 更改或 cookie 损坏。", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: models.ErrorDetail{
				Message: "会话无效或已损坏，请重新登录。", Type: "authentication_error"}})
			return
		}

		isLoggedIn, ok := session.Values[IsLoggedInKey].(bool)
		if !ok || !isLoggedIn {
			Log.Warnf("AuthMiddleware: 用户未登录或 session 无效。访问路径: %s", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: models.ErrorDetail{
				Message: "未授权访问。请先登录。", Type: "authentication_error"}})
			return
		}
		c.Next()
	}
}

// KeySafeInfo 是密钥的“安全”视图，用于管理接口，不暴露完整凭证。
type KeySafeInfo struct {
	ID                  string                `json:"id"`
	KeySuffix           string                `json:"key_suffix"`
	Provider            string                `json:"provider"`
	Status              string                `json:"status"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	SuccessCount        int64                 `json:"success_count"`
	RequestCount        int64                 `json:"request_count"`
	LatencyMS           int64                 `json:"latency_ms"`
	TotalCoolingSeconds int64                 `json:"total_cooling_seconds"`
	ModelCoolings       storage.ModelCoolings `json:"model_coolings,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
	LastSucceededAt     *time.Time            `json:"last_succeeded_at"`
}

func toSafeInfo(k *storage.APIKey) KeySafeInfo {
	return KeySafeInfo{
		ID:                  k.ID,
		KeySuffix:           utils.SafeSuffix(k.Key),
		Provider:            k.Provider,
		Status:              k.Status,
		ConsecutiveFailures: k.ConsecutiveFailures,
		SuccessCount:        k.SuccessCount,
		RequestCount:        k.RequestCount,
		LatencyMS:           k.LatencyMS,
		TotalCoolingSeconds: k.TotalCoolingSeconds,
		ModelCoolings:       k.ModelCoolings,
		CreatedAt:           k.CreatedAt,
		UpdatedAt:           k.UpdatedAt,
		LastSucceededAt:     k.LastSucceededAt,
	}
}

// ListKeysHandler 处理 `GET /admin/keys`，分页返回某 provider 的密钥安全视图。
// 查询参数: provider（必填）、status（可选 active/blocked）、page（从 1 开始）。
func ListKeysHandler(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "provider 参数不能为空。", Type: "invalid_request_error", Param: "provider"}})
		return
	}
	status := c.Query("status")
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	const pageSize = 20

	keys, total, err := KeyStore.ListPaginated(provider, status, (page-1)*pageSize, pageSize)
	if err != nil {
		Log.Errorf("ListKeysHandler: 查询密钥失败: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "查询密钥失败。", Type: "server_error"}})
		return
	}

	safe := make([]KeySafeInfo, 0, len(keys))
	for _, k := range keys {
		safe = append(safe, toSafeInfo(k))
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":      safe,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// AddKeysRequest 批量导入密钥的请求体。keys 支持逗号或换行分隔。
type AddKeysRequest struct {
	Provider string `json:"provider" binding:"required"`
	Keys     string `json:"keys" binding:"required"`
}

// AddKeysHandler 处理 `POST /admin/keys`，向指定 provider 批量导入密钥。
func AddKeysHandler(c *gin.Context) {
	var req AddKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Log.Warnf("AddKeysHandler: 无效的请求体: %v", err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "请求数据无效: " + err.Error(), Type: "invalid_request_error"}})
		return
	}

	// 归一化分隔符后拆分、去空白。
	normalized := strings.ReplaceAll(req.Keys, "\n", ",")
	var secrets []string
	for _, entry := range strings.Split(normalized, ",") {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			secrets = append(secrets, trimmed)
		}
	}
	if len(secrets) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "没有解析到任何有效密钥。", Type: "invalid_request_error", Param: "keys"}})
		return
	}

	result, err := KeyStore.AddKeysInBatch(req.Provider, secrets)
	if err != nil {
		Log.Errorf("AddKeysHandler: 批量导入失败: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "批量导入密钥失败。", Type: "server_error"}})
		return
	}

	MainCache.Invalidate(req.Provider)
	Log.Infof("AddKeysHandler: provider %s 批量导入完成。新增: %d, 重复: %d, 无效: %d。",
		req.Provider, result.AddedCount, result.DuplicateCount, result.InvalidCount)
	c.JSON(http.StatusOK, result)
}

// DeleteKeyHandler 处理 `DELETE /admin/keys/:id`，按 id 删除单条密钥。
func DeleteKeyHandler(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "密钥 id 不能为空。", Type: "invalid_request_error", Param: "id"}})
		return
	}

	// 先取回密钥以确定要失效的 provider 缓存。
	key, err := KeyStore.GetKeyByID(id)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: models.ErrorDetail{
				Message: "未找到指定的密钥。", Type: "invalid_request_error"}})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "查询密钥失败。", Type: "server_error"}})
		return
	}

	if err := KeyStore.DeleteKey(id); err != nil {
		Log.Errorf("DeleteKeyHandler: 删除密钥 %s 失败: %v", utils.SafeSuffix(key.Key), err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "删除密钥失败。", Type: "server_error"}})
		return
	}

	MainCache.Invalidate(key.Provider)
	Log.Infof("DeleteKeyHandler: 密钥 %s (provider %s) 已删除。", utils.SafeSuffix(key.Key), key.Provider)
	c.JSON(http.StatusOK, gin.H{"message": "密钥已删除。"})
}

// DeleteBlockedKeysHandler 处理 `DELETE /admin/keys/blocked?provider=`，
// 清空指定 provider 下所有被封禁的密钥。
func DeleteBlockedKeysHandler(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "provider 参数不能为空。", Type: "invalid_request_error", Param: "provider"}})
		return
	}

	count, err := KeyStore.DeleteAllBlocked(provider)
	if err != nil {
		Log.Errorf("DeleteBlockedKeysHandler: 清理 provider %s 的封禁密钥失败: %v", provider, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "清理封禁密钥失败。", Type: "server_error"}})
		return
	}

	MainCache.Invalidate(provider)
	Log.Infof("DeleteBlockedKeysHandler: provider %s 共清理了 %d 条封禁密钥。", provider, count)
	c.JSON(http.StatusOK, gin.H{"deleted_count": count})
}

// AppStatusHandler 处理 `GET /admin/app-status`，返回运行时与配置状态。
func AppStatusHandler(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	settings := config.GetSettings()
	uptime := time.Since(AppStartTime)

	status := models.AppStatusInfo{
		StartTime:                AppStartTime,
		Uptime:                   uptime.Round(time.Second).String(),
		GoVersion:                runtime.Version(),
		NumGoroutines:            runtime.NumGoroutine(),
		MemAllocatedMB:           float64(memStats.Alloc) / 1024 / 1024,
		MemSysMB:                 float64(memStats.Sys) / 1024 / 1024,
		NumGC:                    memStats.NumGC,
		OverallTimeoutMS:         settings.OverallTimeout.Milliseconds(),
		TargetTimeoutMS:          settings.TargetTimeout.Milliseconds(),
		MaxSameKeyRetries:        settings.MaxSameKeyRetries,
		RecoveryThreshold:        settings.RecoveryThreshold,
		DefaultCooldownSeconds:   settings.DefaultCooldown.Seconds(),
		MainCacheTTLSeconds:      settings.MainCacheTTL.Seconds(),
		HealthCheckIntervalSecs:  settings.HealthCheckInterval.Seconds(),
		AuthKeyConfigured:        settings.AuthKey != "",
		AIGatewayTokenConfigured: settings.AIGatewayToken != "",
		IsLocal:                  settings.IsLocal,
		AdminPasswordConfigured:  settings.AdminPassword != "" && settings.AdminPassword != config.DefaultAdminPassword,
		Port:                     settings.Port,
		LogLevel:                 settings.LogLevel,
		GinMode:                  settings.GinMode,
		DBType:                   settings.DBType,
	}
	c.JSON(http.StatusOK, status)
}
