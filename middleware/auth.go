package middleware

import (
	"net/http"
	"strings"

	"thebalance/config"
	"thebalance/models"
	"thebalance/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Log 是一个包级变量，用于日志记录。它应该由外部（main.go）设置。
var Log *logrus.Logger

// VerifyAuthKey 是一个 Gin 中间件，用于验证访问 `/api/*` 代理端点的客户端请求。
// 它检查 Authorization 头部是否包含有效的 Bearer Token，该 Token 必须与
// 配置中的 `AuthKey` (AUTH_KEY) 匹配。客户端的这个头只用于网关自身认证，
// 绝不会被转发到上游。
func VerifyAuthKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		// AUTH_KEY 未配置时视为配置错误，拒绝所有请求比放行更安全。
		if config.GetSettings().AuthKey == "" {
			Log.Error("VerifyAuthKey 中间件被调用，但 AUTH_KEY 未配置。拒绝请求。")
			c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "服务配置错误，无法验证认证密钥", Type: "server_error", Code: "config_error_auth_key_missing"},
			})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			Log.Warn("VerifyAuthKey: 请求缺少 Authorization 头部。")
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "需要提供认证密钥才能访问此服务。", Type: "authentication_error", Code: "missing_api_key"},
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2) // 按空格分割，最多两部分
		// 检查格式是否为 "Bearer <token>"
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			Log.Warnf("VerifyAuthKey: Authorization 头部格式无效。")
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "无效的授权方案或令牌缺失。请使用 'Bearer <token>' 格式。", Type: "authentication_error", Code: "invalid_auth_scheme"},
			})
			return
		}

		// 比较提供的 token 和配置的 AuthKey
		if parts[1] != config.GetSettings().AuthKey {
			Log.Warnf("VerifyAuthKey: 无效的认证密钥。收到 token 后缀: %s", utils.SafeSuffix(parts[1]))
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "提供的认证密钥无效。", Type: "invalid_request_error", Code: "invalid_api_key"},
			})
			return
		}

		c.Next() // 验证通过，继续处理请求
	}
}
