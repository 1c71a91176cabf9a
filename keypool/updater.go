package keypool

import (
	"time"

	"thebalance/storage"

	"github.com/sirupsen/logrus"
)

// StateStore 是状态更新器消费的仓库写接口。
type StateStore interface {
	UpdateStatus(id string, status string) error
	ExtendCooldown(id string, model string, duration time.Duration) error
	RecordSuccess(id string, latencyMS int64) error
	RecordFailure(id string) error
}

// repoWriteAttempts 仓库写操作的尝试次数上限。写失败只记日志，
// 不回滚内存侧的屏蔽——惩罚区的 TTL 本身限定了不一致的时长。
const repoWriteAttempts = 2

// StateUpdater 把转发结果转化为两级缓存与仓库的状态变更。
// 顺序保证：内存侧的屏蔽先于仓库写入生效，使并发在途请求立即观察到屏蔽。
type StateUpdater struct {
	store           StateStore
	cache           *MainCache
	cooldowns       *CooldownCache
	stats           *HealthStats
	invalidCooldown time.Duration // 无效密钥在惩罚区中的安全屏蔽时长
	log             *logrus.Logger
}

// NewStateUpdater 创建状态更新器。invalidCooldown <= 0 时使用默认 300 秒。
func NewStateUpdater(store StateStore, cache *MainCache, cooldowns *CooldownCache, stats *HealthStats, invalidCooldown time.Duration, log *logrus.Logger) *StateUpdater {
	if invalidCooldown <= 0 {
		invalidCooldown = 300 * time.Second
	}
	return &StateUpdater{
		store:           store,
		cache:           cache,
		cooldowns:       cooldowns,
		stats:           stats,
		invalidCooldown: invalidCooldown,
		log:             log,
	}
}

// writeRepo 执行一次仓库写，带有限次数的重试。最终失败只记日志。
func (u *StateUpdater) writeRepo(desc string, op func() error) {
	var err error
	for i := 0; i < repoWriteAttempts; i++ {
		if err = op(); err == nil {
			return
		}
	}
	u.log.Errorf("状态更新: 仓库写入 (%s) 在 %d 次尝试后仍失败: %v。内存侧屏蔽保持生效。", desc, repoWriteAttempts, err)
}

// OnSuccess 处理成功结果：更新内存统计并持久化滚动统计。
func (u *StateUpdater) OnSuccess(keyID string, latency time.Duration) {
	latencyMS := latency.Milliseconds()
	u.stats.RecordSuccess(keyID, latencyMS)
	u.writeRepo("record success", func() error {
		return u.store.RecordSuccess(keyID, latencyMS)
	})
}

// OnTransient 处理瞬时失败：只更新内存统计，不屏蔽也不写仓库状态。
func (u *StateUpdater) OnTransient(keyID string) {
	u.stats.RecordFailure(keyID)
}

// OnCooldown 处理限速结果：先把密钥在惩罚区中按模型屏蔽 duration，
// 再把冷却延长持久化（max 合并 + 累计秒数单调递增）。
func (u *StateUpdater) OnCooldown(keyID, keySuffix, model string, duration time.Duration) {
	u.cooldowns.Flag(keyID, model, duration)
	u.stats.RecordFailure(keyID)
	u.log.Warnf("状态更新: 密钥 %s 在模型 %s 上进入冷却 %v。", keySuffix, model, duration)

	u.writeRepo("extend cooldown", func() error {
		return u.store.ExtendCooldown(keyID, model, duration)
	})
	u.writeRepo("record failure", func() error {
		return u.store.RecordFailure(keyID)
	})
}

// OnBlock 处理无效密钥：密钥级长屏蔽、主缓存失效、仓库状态置为 blocked。
// 惩罚区屏蔽先行，保证主缓存重建完成前的在途请求也会跳过该密钥。
func (u *StateUpdater) OnBlock(keyID, keySuffix, provider string) {
	u.cooldowns.Flag(keyID, "", u.invalidCooldown)
	u.stats.RecordFailure(keyID)
	u.cache.Invalidate(provider)
	u.log.Errorf("状态更新: 密钥 %s 无效，已屏蔽并调度封禁。", keySuffix)

	u.writeRepo("block key", func() error {
		return u.store.UpdateStatus(keyID, storage.StatusBlocked)
	})
	u.writeRepo("record failure", func() error {
		return u.store.RecordFailure(keyID)
	})
}
