package healthcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"thebalance/config"
	"thebalance/keypool"
	"thebalance/models"
	"thebalance/proxy"
	"thebalance/storage"
	"thebalance/utils"

	"github.com/sirupsen/logrus"
)

var (
	Log        *logrus.Logger
	Store      *storage.KeyStore
	Updater    *keypool.StateUpdater
	Classifier *proxy.Classifier
)

// probeModel 探测所用的廉价模型；探测请求只发一个 "hello"。
const probeModel = "gemini-2.0-flash-lite"

// PerformPeriodicHealthChecks 定期主动探测带有失败记录的密钥，
// 让被瞬时故障拖低排名的密钥尽快恢复，也让彻底失效的密钥尽快被封禁。
// 探测结果走与正常转发相同的状态机（分类器 + 状态更新器）。
func PerformPeriodicHealthChecks(ctx context.Context) {
	initialDelay := 15 * time.Second
	select {
	case <-time.After(initialDelay):
	case <-ctx.Done():
		Log.Info("健康检查任务在初始延迟期间被父上下文取消。")
		return
	}

	Log.Info("启动上游 API 密钥的定期健康检查任务。")
	ticker := time.NewTicker(config.GetSettings().HealthCheckInterval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 15 * time.Second}

	for {
		select {
		case <-ctx.Done():
			Log.Info("健康检查任务因父上下文取消而停止。")
			return
		case <-ticker.C:
			runCheckCycle(ctx, client)
		}
	}
}

// runCheckCycle 执行一轮探测。
func runCheckCycle(ctx context.Context, client *http.Client) {
	Log.Debug("健康检查: 运行计划中的 API 密钥健康检查周期...")

	keys, err := Store.ListFailing()
	if err != nil {
		Log.Warnf("健康检查: 查询待探测密钥失败: %v", err)
		return
	}
	if len(keys) == 0 {
		Log.Debug("健康检查: 当前没有需要主动检查的密钥。")
		return
	}

	checkedCount := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		// 目前只有 google 有廉价的原生探测请求；其他 provider 依赖被动恢复。
		if key.Provider != "google-ai-studio" {
			continue
		}

		Log.Infof("健康检查: 主动探测密钥 %s (连续失败 %d 次)。",
			utils.SafeSuffix(key.Key), key.ConsecutiveFailures)
		checkedCount++
		probeKey(ctx, client, key)
		_ = Store.TouchChecked(key.ID)
	}

	if checkedCount > 0 {
		Log.Debugf("健康检查: 本周期主动探测了 %d 个密钥。", checkedCount)
	} else {
		Log.Debug("健康检查: 本周期没有密钥符合主动探测的条件。")
	}
}

// probeKey 向 google 原生端点发送最小聊天请求，并把结果交给状态机。
func probeKey(ctx context.Context, client *http.Client, key *storage.APIKey) {
	probe := models.GeminiChatRequest{
		Contents: []models.GeminiContent{{
			Role:  "user",
			Parts: []models.GeminiPart{{Text: "hello"}},
		}},
	}
	body, err := json.Marshal(probe)
	if err != nil {
		Log.Errorf("健康检查: 序列化探测请求失败: %v", err)
		return
	}

	url := "https://generativelanguage.googleapis.com/v1beta/models/" + probeModel + ":generateContent"
	hcCtx, cancel := context.WithTimeout(ctx, client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hcCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		Log.Errorf("健康检查: 为密钥 %s 创建请求失败: %v。", utils.SafeSuffix(key.Key), err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	proxy.SetAuthHeader(req.Header, key.Provider, key.Key)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		// 探测自身的网络故障不改变密钥状态，下个周期再试。
		Log.Warnf("健康检查: 密钥 %s 的探测请求失败: %v。", utils.SafeSuffix(key.Key), err)
		return
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode == http.StatusOK {
		Log.Infof("健康检查: 密钥 %s 通过探测 (耗时 %v)。", utils.SafeSuffix(key.Key), latency.Round(time.Millisecond))
		Updater.OnSuccess(key.ID, latency)
		return
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	outcome := Classifier.Classify(key.Provider, resp.StatusCode, resp.Header, excerpt)
	suffix := utils.SafeSuffix(key.Key)

	switch outcome.Kind {
	case proxy.OutcomeKeyInvalid:
		Log.Warnf("健康检查: 密钥 %s 探测返回 %d，确认无效。", suffix, resp.StatusCode)
		Updater.OnBlock(key.ID, suffix, key.Provider)
	case proxy.OutcomeKeyOnCooldown:
		Log.Warnf("健康检查: 密钥 %s 探测返回 %d，仍在限速中。", suffix, resp.StatusCode)
		Updater.OnCooldown(key.ID, suffix, probeModel, outcome.Cooldown)
	default:
		Log.Warnf("健康检查: 密钥 %s 探测返回非预期状态 %d，暂不改变其状态。", suffix, resp.StatusCode)
	}
}
