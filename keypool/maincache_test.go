package keypool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"thebalance/storage"

	"github.com/sirupsen/logrus"
)

// fakeLister 内存密钥仓库，记录 ListActive 的调用次数并可注入故障。
type fakeLister struct {
	mu    sync.Mutex
	rows  []*storage.APIKey
	calls int32
	fail  bool
}

func (f *fakeLister) ListActive(ctx context.Context, provider string) ([]*storage.APIKey, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, storage.ErrStoreUnavailable
	}
	out := make([]*storage.APIKey, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *fakeLister) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mkRow(id string, createdAt time.Time) *storage.APIKey {
	return &storage.APIKey{
		ID:        id,
		Key:       "key-" + id,
		Provider:  "google-ai-studio",
		Status:    storage.StatusActive,
		CreatedAt: createdAt,
	}
}

// TestMainCacheBuildAndTTL 测试构建、缓存命中与排序
func TestMainCacheBuildAndTTL(t *testing.T) {
	base := time.Unix(1700000000, 0)
	lister := &fakeLister{rows: []*storage.APIKey{
		mkRow("k2", base.Add(time.Hour)),
		mkRow("k1", base),
	}}
	stats := NewHealthStats()
	cache := NewMainCache(lister, stats, time.Minute, 5, testLogger())

	keys, stale, err := cache.GetOrBuild(context.Background(), "google-ai-studio")
	if err != nil {
		t.Fatalf("首次构建不应失败: %v", err)
	}
	if stale {
		t.Error("仓库正常时不应返回陈旧标记")
	}
	if len(keys) != 2 {
		t.Fatalf("期望 2 个候选，实际 %d", len(keys))
	}
	// 统计完全相同时按创建时间升序。
	if keys[0].ID != "k1" || keys[1].ID != "k2" {
		t.Errorf("排序错误: 实际 %s, %s", keys[0].ID, keys[1].ID)
	}

	// TTL 内的再次读取不应触发仓库查询。
	if _, _, err := cache.GetOrBuild(context.Background(), "google-ai-studio"); err != nil {
		t.Fatalf("缓存命中不应失败: %v", err)
	}
	if got := atomic.LoadInt32(&lister.calls); got != 1 {
		t.Errorf("TTL 内应只有一次仓库查询，实际 %d 次", got)
	}
}

// TestMainCacheSingleFlight 测试失效后 N 个并发请求只触发一次仓库查询
func TestMainCacheSingleFlight(t *testing.T) {
	base := time.Unix(1700000000, 0)
	lister := &fakeLister{rows: []*storage.APIKey{mkRow("k1", base)}}
	cache := NewMainCache(lister, NewHealthStats(), time.Minute, 5, testLogger())

	cache.Invalidate("google-ai-studio")

	const concurrency = 100
	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys, _, err := cache.GetOrBuild(context.Background(), "google-ai-studio")
			if err != nil {
				errs <- err
				return
			}
			if len(keys) != 1 {
				errs <- errors.New("并发构建返回了错误的候选数")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("并发 GetOrBuild 失败: %v", err)
	}

	if got := atomic.LoadInt32(&lister.calls); got != 1 {
		t.Errorf("单飞约束: 期望恰好 1 次仓库查询，实际 %d 次", got)
	}
}

// TestMainCacheStaleServe 测试仓库不可用时降级返回过期快照
func TestMainCacheStaleServe(t *testing.T) {
	base := time.Unix(1700000000, 0)
	lister := &fakeLister{rows: []*storage.APIKey{mkRow("k1", base)}}
	// TTL 设得很短，让条目立即过期。
	cache := NewMainCache(lister, NewHealthStats(), 10*time.Millisecond, 5, testLogger())

	if _, _, err := cache.GetOrBuild(context.Background(), "google-ai-studio"); err != nil {
		t.Fatalf("首次构建不应失败: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	lister.setFail(true)

	keys, stale, err := cache.GetOrBuild(context.Background(), "google-ai-studio")
	if err != nil {
		t.Fatalf("有过期快照时仓库故障不应向上暴露: %v", err)
	}
	if !stale {
		t.Error("降级返回的快照应带陈旧标记")
	}
	if len(keys) != 1 || keys[0].ID != "k1" {
		t.Error("降级返回的应是上一次的快照内容")
	}
}

// TestMainCacheStoreUnavailable 测试无快照且仓库不可用时向上暴露错误
func TestMainCacheStoreUnavailable(t *testing.T) {
	lister := &fakeLister{fail: true}
	cache := NewMainCache(lister, NewHealthStats(), time.Minute, 5, testLogger())

	_, _, err := cache.GetOrBuild(context.Background(), "google-ai-studio")
	if err == nil {
		t.Fatal("没有任何快照时仓库故障应返回错误")
	}
	if !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Errorf("期望 ErrStoreUnavailable, 实际 %v", err)
	}
}

// TestMainCacheInvalidate 测试失效后重建能看到新的密钥集合
func TestMainCacheInvalidate(t *testing.T) {
	base := time.Unix(1700000000, 0)
	lister := &fakeLister{rows: []*storage.APIKey{mkRow("k1", base)}}
	cache := NewMainCache(lister, NewHealthStats(), time.Minute, 5, testLogger())

	if _, _, err := cache.GetOrBuild(context.Background(), "google-ai-studio"); err != nil {
		t.Fatalf("首次构建不应失败: %v", err)
	}

	// 仓库中密钥被封禁后失效缓存，重建结果不应再包含它。
	lister.mu.Lock()
	lister.rows = []*storage.APIKey{mkRow("k2", base)}
	lister.mu.Unlock()
	cache.Invalidate("google-ai-studio")

	keys, _, err := cache.GetOrBuild(context.Background(), "google-ai-studio")
	if err != nil {
		t.Fatalf("重建不应失败: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "k2" {
		t.Error("失效后的重建应反映仓库的最新内容")
	}
}
