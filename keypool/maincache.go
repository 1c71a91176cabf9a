package keypool

import (
	"context"
	"sync"
	"time"

	"thebalance/storage"
	"thebalance/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// KeyLister 是主缓存消费的密钥仓库接口。
type KeyLister interface {
	ListActive(ctx context.Context, provider string) ([]*storage.APIKey, error)
}

// buildTimeout 单次仓库构建的时限。构建与发起请求的调用方解耦：
// 某个调用方取消等待不应拖垮其他正在等待同一次构建的请求。
const buildTimeout = 10 * time.Second

type mainCacheEntry struct {
	keys    []*Candidate
	builtAt time.Time
}

// buildResult 单飞构建的返回值。
type buildResult struct {
	keys  []*Candidate
	stale bool
}

// MainCache 按 provider 缓存排序后的健康候选列表。
// 条目按 TTL 过期；同一 provider 同时只允许一次仓库构建（单飞），
// 其余调用方等待在途构建完成。仓库不可用且存在过期条目时返回陈旧数据并打标。
type MainCache struct {
	lister            KeyLister
	stats             *HealthStats
	ttl               time.Duration
	recoveryThreshold int
	log               *logrus.Logger

	mu      sync.RWMutex
	entries map[string]*mainCacheEntry
	group   singleflight.Group
}

// NewMainCache 创建主缓存。ttl <= 0 时使用默认 60 秒。
func NewMainCache(lister KeyLister, stats *HealthStats, ttl time.Duration, recoveryThreshold int, log *logrus.Logger) *MainCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &MainCache{
		lister:            lister,
		stats:             stats,
		ttl:               ttl,
		recoveryThreshold: recoveryThreshold,
		log:               log,
		entries:           make(map[string]*mainCacheEntry),
	}
}

// GetOrBuild 返回 provider 的排序候选列表。
// 缓存新鲜时直接返回；否则通过单飞原语触发一次构建，并发调用方共享结果。
// stale 为 true 表示仓库不可用、返回的是过期快照。
func (c *MainCache) GetOrBuild(ctx context.Context, provider string) (keys []*Candidate, stale bool, err error) {
	c.mu.RLock()
	entry, ok := c.entries[provider]
	if ok && time.Since(entry.builtAt) < c.ttl {
		defer c.mu.RUnlock()
		return entry.keys, false, nil
	}
	c.mu.RUnlock()

	ch := c.group.DoChan(provider, func() (interface{}, error) {
		br, buildErr := c.build(provider)
		return br, buildErr
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		br := res.Val.(buildResult)
		return br.keys, br.stale, nil
	case <-ctx.Done():
		// 调用方放弃等待；在途构建继续，结果写入缓存供后续请求使用。
		return nil, false, ctx.Err()
	}
}

// build 执行一次仓库构建。单飞保证同一 provider 不会并发进入这里。
func (c *MainCache) build(provider string) (buildResult, error) {
	// 双重检查：排队期间可能已有构建完成。
	c.mu.RLock()
	if entry, ok := c.entries[provider]; ok && time.Since(entry.builtAt) < c.ttl {
		c.mu.RUnlock()
		return buildResult{keys: entry.keys}, nil
	}
	c.mu.RUnlock()

	buildCtx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	rows, err := c.lister.ListActive(buildCtx, provider)
	if err != nil {
		// 仓库不可用：有过期条目则降级返回陈旧快照，没有则向上暴露错误。
		c.mu.RLock()
		entry, ok := c.entries[provider]
		c.mu.RUnlock()
		if ok {
			c.log.Warnf("主缓存: provider %s 的仓库查询失败 (%v)，降级返回 %d 个陈旧候选。", provider, err, len(entry.keys))
			return buildResult{keys: entry.keys, stale: true}, nil
		}
		c.log.Errorf("主缓存: provider %s 的仓库查询失败且无可用快照: %v", provider, err)
		return buildResult{}, err
	}

	candidates := make([]*Candidate, 0, len(rows))
	exhausted := 0
	for _, row := range rows {
		cand := newCandidate(row, c.stats.Snapshot(row.ID))
		if ExceedsRecoveryLimit(cand, c.recoveryThreshold) {
			// 超过清理阈值的密钥只做标记，等定时清理任务删除；排序中不剔除。
			exhausted++
			c.log.Warnf("主缓存: 密钥 %s 连续失败 %d 次，已超过清理阈值，等待清理任务回收。",
				utils.SafeSuffix(cand.Key), cand.Stats.ConsecutiveFailures)
		}
		candidates = append(candidates, cand)
	}
	Rank(candidates)

	c.mu.Lock()
	c.entries[provider] = &mainCacheEntry{keys: candidates, builtAt: time.Now()}
	c.mu.Unlock()

	c.log.Debugf("主缓存: provider %s 重建完成，共 %d 个候选（其中 %d 个待清理）。", provider, len(candidates), exhausted)
	return buildResult{keys: candidates}, nil
}

// Invalidate 丢弃 provider 的缓存条目。状态更新器在永久状态变更
// 和管理操作后调用，下一次请求会触发重建。
func (c *MainCache) Invalidate(provider string) {
	c.mu.Lock()
	delete(c.entries, provider)
	c.mu.Unlock()
	c.group.Forget(provider)
	c.log.Debugf("主缓存: provider %s 的条目已失效。", provider)
}
