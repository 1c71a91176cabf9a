package keypool

import (
	"fmt"
	"testing"
	"time"
)

// TestCooldownFlagAndExpiry 测试惩罚区的基础屏蔽与过期语义
func TestCooldownFlagAndExpiry(t *testing.T) {
	c := NewCooldownCache(100)

	c.Flag("k1", "gemini-pro", 50*time.Millisecond)

	if !c.IsFlagged("k1", "gemini-pro") {
		t.Error("刚刚屏蔽的 (密钥, 模型) 应该被判定为屏蔽中")
	}
	if c.IsFlagged("k1", "other-model") {
		t.Error("模型级屏蔽不应影响其他模型")
	}
	if c.IsFlagged("k2", "gemini-pro") {
		t.Error("未屏蔽的密钥不应被判定为屏蔽中")
	}

	time.Sleep(80 * time.Millisecond)
	if c.IsFlagged("k1", "gemini-pro") {
		t.Error("过期后的条目应该失效")
	}
}

// TestCooldownKeyLevelFlag 测试密钥级屏蔽对所有模型生效
func TestCooldownKeyLevelFlag(t *testing.T) {
	c := NewCooldownCache(100)

	c.Flag("k1", "", 1*time.Minute) // model 为空表示密钥级屏蔽

	for _, model := range []string{"", "gemini-pro", "gemini-flash"} {
		if !c.IsFlagged("k1", model) {
			t.Errorf("密钥级屏蔽应对模型 %q 生效", model)
		}
	}
}

// TestCooldownMaxExpiryMerge 测试重复屏蔽取最大过期时刻
func TestCooldownMaxExpiryMerge(t *testing.T) {
	c := NewCooldownCache(100)

	// 先长后短：短的不应缩短已有屏蔽。
	c.Flag("k1", "m", 200*time.Millisecond)
	c.Flag("k1", "m", 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	if !c.IsFlagged("k1", "m") {
		t.Error("较短的二次屏蔽不应缩短已有的过期时刻 (应取最大值)")
	}

	// 先短后长：长的应延长屏蔽。
	c.Flag("k2", "m", 20*time.Millisecond)
	c.Flag("k2", "m", 200*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	if !c.IsFlagged("k2", "m") {
		t.Error("较长的二次屏蔽应延长过期时刻")
	}
}

// TestCooldownCapacityEviction 测试容量上限下淘汰最早过期的条目
func TestCooldownCapacityEviction(t *testing.T) {
	c := NewCooldownCache(10)

	// 第一个条目过期最早，应当在溢出时被淘汰。
	c.Flag("victim", "", 1*time.Minute)
	for i := 0; i < 10; i++ {
		c.Flag(fmt.Sprintf("k%d", i), "", 2*time.Minute)
	}

	if c.Len() > 10 {
		t.Errorf("容量上限为 10，当前条目数 %d", c.Len())
	}
	if c.IsFlagged("victim", "") {
		t.Error("溢出时应淘汰最早过期的条目")
	}
	// 最晚过期的条目应该幸存。
	if !c.IsFlagged("k9", "") {
		t.Error("最晚过期的条目不应被淘汰")
	}
}

// TestCooldownZeroDurationIgnored 测试非法参数直接忽略
func TestCooldownZeroDurationIgnored(t *testing.T) {
	c := NewCooldownCache(10)
	c.Flag("k1", "m", 0)
	c.Flag("", "m", time.Minute)
	if c.Len() != 0 {
		t.Errorf("零时长或空密钥的屏蔽应被忽略，当前条目数 %d", c.Len())
	}
}
