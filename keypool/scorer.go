package keypool

import "sort"

// Rank 对候选列表做健康度排序（原地、稳定、确定性）。
// 排序键依次为：
//  1. 连续失败次数升序（失败少的在前）
//  2. 滚动成功率降序
//  3. 最近平均耗时升序
//  4. 累计冷却秒数升序（把负载推向被罚得少的密钥）
//  5. 创建时间升序作为稳定决胜键
//
// 创建时间仍相同时落到 ID 字典序，保证相同快照下排序结果完全一致。
func Rank(keys []*Candidate) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Stats.ConsecutiveFailures != b.Stats.ConsecutiveFailures {
			return a.Stats.ConsecutiveFailures < b.Stats.ConsecutiveFailures
		}
		if a.Stats.SuccessRatio != b.Stats.SuccessRatio {
			return a.Stats.SuccessRatio > b.Stats.SuccessRatio
		}
		if a.Stats.AvgLatencyMS != b.Stats.AvgLatencyMS {
			return a.Stats.AvgLatencyMS < b.Stats.AvgLatencyMS
		}
		if a.TotalCoolingSeconds != b.TotalCoolingSeconds {
			return a.TotalCoolingSeconds < b.TotalCoolingSeconds
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ExceedsRecoveryLimit 判断候选的连续失败是否超过清理阈值 (recoveryThreshold*50)。
// 评分器只做标记，不从排序中移除；实际删除由定时清理任务完成。
func ExceedsRecoveryLimit(c *Candidate, recoveryThreshold int) bool {
	if recoveryThreshold <= 0 {
		return false
	}
	return c.Stats.ConsecutiveFailures > recoveryThreshold*50
}
