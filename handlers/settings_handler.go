package handlers

import (
	"net/http"

	"thebalance/config"
	"thebalance/models"

	"github.com/gin-gonic/gin"
)

// UpdateSettingsHandler 处理 `POST /admin/settings`，热更新可调配置。
// 超时、重试参数与冷却时长在引擎、分类器和状态更新器构造时取走，更新后需重启才对转发生效；
// 日志级别、认证密钥、管理员密码与清理任务的阈值即刻生效。
func UpdateSettingsHandler(c *gin.Context) {
	var req config.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Log.Warnf("UpdateSettingsHandler: 无效的请求体: %v", err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "请求数据无效: " + err.Error(), Type: "invalid_request_error"}})
		return
	}

	config.UpdateSettings(req)
	c.JSON(http.StatusOK, gin.H{"message": "配置已更新。部分参数需要重启服务才会对转发生效。"})
}
