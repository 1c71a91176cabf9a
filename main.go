// main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"thebalance/config"
	"thebalance/handlers"
	"thebalance/healthcheck"
	"thebalance/keypool"
	"thebalance/middleware"
	"thebalance/proxy"
	"thebalance/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	log          *logrus.Logger // 全局日志记录器实例
	appStartTime = time.Now()   // 记录应用程序启动时间
)

func main() {
	// 1. 初始化日志记录器
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)

	// 2. 加载应用程序配置
	config.Init(log)
	settings := config.GetSettings()
	if level, err := logrus.ParseLevel(settings.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("无效的 LOG_LEVEL 配置 '%s', 将使用默认 Info 级别。", settings.LogLevel)
	}
	log.Infof("日志级别已设置为: %s", log.GetLevel().String())

	// 关键安全配置检查和警告
	if settings.AuthKey == "" {
		log.Error("严重配置错误: AUTH_KEY 未设置。所有代理请求都将被拒绝，请立即配置。")
	}
	if settings.AdminPassword == "" || settings.AdminPassword == config.DefaultAdminPassword {
		log.Warnf("安全警告: 管理员密码 (ADMIN_PASSWORD) 未设置或仍为默认值，管理接口登录将被禁用。请配置一个强密码。")
	}
	if settings.SessionSecretKey == config.DefaultSessionSecretKey {
		log.Warn("安全警告: Session 密钥 (SESSION_SECRET_KEY) 为默认值，这非常不安全! 请在生产环境中设置一个长且随机的密钥。")
	}
	if !settings.IsLocal && settings.AIGatewayBaseURL == "" && (settings.CloudflareAccountID == "" || settings.AIGatewayName == "") {
		log.Error("严重配置错误: 非直连模式需要 CLOUDFLARE_ACCOUNT_ID 与 AI_GATEWAY，否则无法构造上游 URL。")
	}

	// 3. 初始化数据库与密钥仓库
	db, err := storage.InitDB(log)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	keyStore := storage.NewKeyStore(db)

	// 4. 初始化核心组件：两级缓存、评分统计、状态更新器与转发引擎
	healthStats := keypool.NewHealthStats()
	mainCache := keypool.NewMainCache(keyStore, healthStats, settings.MainCacheTTL, settings.RecoveryThreshold, log)
	cooldowns := keypool.NewCooldownCache(settings.CooldownCacheCapacity)
	updater := keypool.NewStateUpdater(keyStore, mainCache, cooldowns, healthStats, settings.InvalidKeyCooldown, log)
	classifier := proxy.NewClassifier(settings.DefaultCooldown)

	// 上游 HTTP 客户端：单次尝试的时限由引擎的尝试上下文控制，
	// 客户端本身不设总超时，避免截断长流式响应。
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	engine := proxy.NewEngine(mainCache, cooldowns, updater, classifier, httpClient, proxy.Options{
		OverallTimeout:    settings.OverallTimeout,
		TargetTimeout:     settings.TargetTimeout,
		MaxSameKeyRetries: settings.MaxSameKeyRetries,
		Upstream: proxy.UpstreamConfig{
			IsLocal:             settings.IsLocal,
			CloudflareAccountID: settings.CloudflareAccountID,
			AIGatewayName:       settings.AIGatewayName,
			AIGatewayToken:      settings.AIGatewayToken,
			GatewayBaseURL:      settings.AIGatewayBaseURL,
		},
	}, log)

	// 5. 初始化 Session Store 并注入各包依赖
	handlers.Store = sessions.NewCookieStore([]byte(settings.SessionSecretKey))
	handlers.Store.Options = &sessions.Options{
		Path:     handlers.SessionPath,
		MaxAge:   handlers.MaxAgeSeconds,
		HttpOnly: true,
		Secure:   false, // 生产环境走 HTTPS 时应配置为 true。
		SameSite: http.SameSiteLaxMode,
	}

	handlers.Log = log
	handlers.Engine = engine
	handlers.KeyStore = keyStore
	handlers.MainCache = mainCache
	handlers.AppStartTime = appStartTime
	middleware.Log = log
	healthcheck.Log = log
	healthcheck.Store = keyStore
	healthcheck.Updater = updater
	healthcheck.Classifier = classifier

	// 6. 启动后台任务：健康检查 + 定期清理
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	go healthcheck.PerformPeriodicHealthChecks(backgroundCtx)
	log.Info("定期健康检查任务已启动。")

	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc(settings.CleanupCron, func() {
		threshold := config.GetSettings().RecoveryThreshold * 50
		count, providers, err := keyStore.DeleteExhausted(threshold)
		if err != nil {
			log.Errorf("清理任务: 删除失效密钥失败: %v", err)
			return
		}
		for _, p := range providers {
			mainCache.Invalidate(p)
		}
		if count > 0 {
			log.Infof("清理任务: 删除了 %d 条连续失败超过 %d 次的密钥 (providers: %v)。", count, threshold, providers)
		}
	}); err != nil {
		log.Errorf("清理任务: 无效的 CLEANUP_CRON 表达式 '%s': %v。清理任务未启动。", settings.CleanupCron, err)
	} else {
		cronRunner.Start()
		log.Infof("定期清理任务已启动 (调度: %s)。", settings.CleanupCron)
	}

	// 7. 设置 Gin 路由器
	if strings.ToLower(settings.GinMode) == "release" {
		gin.SetMode(gin.ReleaseMode)
		log.Info("Gin 运行模式: release")
	} else {
		gin.SetMode(gin.DebugMode)
		log.Info("Gin 运行模式: debug")
	}

	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s | %s | %3d | %13v | %15s | %-7s %#v %s\n%s",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.ClientIP,
			param.Method,
			param.Path,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.Recovery())

	// --- 代理路由 (/api) ---
	apiGroup := router.Group("/api")
	apiGroup.Use(middleware.VerifyAuthKey())
	{
		apiGroup.POST("/compat/chat/completions", handlers.ChatCompletionsHandler)
		apiGroup.POST("/compat/embeddings", handlers.EmbeddingsHandler)
		apiGroup.Any("/:provider/*rest", handlers.PassthroughHandler)
	}

	// --- 管理员路由 (/admin) ---
	adminGroup := router.Group("/admin")
	{
		adminGroup.POST("/login", handlers.LoginHandler)

		authorizedAdminGroup := adminGroup.Group("/")
		authorizedAdminGroup.Use(handlers.AuthMiddleware())
		{
			authorizedAdminGroup.POST("/logout", handlers.LogoutHandler)
			authorizedAdminGroup.GET("/keys", handlers.ListKeysHandler)
			authorizedAdminGroup.POST("/keys", handlers.AddKeysHandler)
			authorizedAdminGroup.DELETE("/keys/blocked", handlers.DeleteBlockedKeysHandler)
			authorizedAdminGroup.DELETE("/keys/:id", handlers.DeleteKeyHandler)
			authorizedAdminGroup.GET("/app-status", handlers.AppStatusHandler)
			authorizedAdminGroup.POST("/settings", handlers.UpdateSettingsHandler)
		}
	}
	log.Info("所有应用路由已设置完成。")

	// 8. 启动 HTTP 服务器
	serverAddr := ":" + settings.Port
	log.Infof("服务即将启动，监听地址: http://localhost%s", serverAddr)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 300 * time.Second, // 流式响应可能需要较长的写入时间
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务器启动失败: %s\n", err)
		}
	}()
	log.Infof("服务器正在运行中... 按 CTRL+C 关闭。")

	// 9. 实现优雅关闭
	quitChannel := make(chan os.Signal, 1)
	signal.Notify(quitChannel, syscall.SIGINT, syscall.SIGTERM)
	<-quitChannel

	log.Println("收到关闭信号，服务器正在优雅关闭...")

	backgroundCancel()
	cronRunner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("服务器优雅关闭失败: %v", err)
	}

	log.Println("服务器已成功优雅关闭。")
}
