package keypool

import (
	"time"

	"thebalance/storage"
)

// Candidate 是主缓存快照中的一个候选密钥。
// 它把持久行中参与排序与选取的字段和构建时刻的内存健康统计冻结在一起，
// 快照建成后不再变化，读取方无需加锁。
type Candidate struct {
	ID                  string
	Key                 string // 凭证本体，注入上游请求时使用
	Provider            string
	ModelCoolings       storage.ModelCoolings
	TotalCoolingSeconds int64
	CreatedAt           time.Time

	Stats StatsSnapshot // 构建快照时的健康统计
}

// newCandidate 从持久行与统计快照构造候选。
func newCandidate(row *storage.APIKey, stats StatsSnapshot) *Candidate {
	return &Candidate{
		ID:                  row.ID,
		Key:                 row.Key,
		Provider:            row.Provider,
		ModelCoolings:       row.ModelCoolings,
		TotalCoolingSeconds: row.TotalCoolingSeconds,
		CreatedAt:           row.CreatedAt,
		Stats:               stats,
	}
}

// OnCooldownFor 判断该候选在指定模型上是否仍处于持久侧记录的冷却期内。
// model 为空（非聊天请求）时只看惩罚区，不消费模型级冷却。
func (c *Candidate) OnCooldownFor(model string, now time.Time) bool {
	if model == "" || len(c.ModelCoolings) == 0 {
		return false
	}
	cooling, ok := c.ModelCoolings[model]
	if !ok {
		return false
	}
	return now.Unix() < cooling.CooldownEndsAt
}
