package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// 密钥状态常量。只有 active 的密钥会成为选取候选。
const (
	StatusActive  = "active"
	StatusBlocked = "blocked"
)

// ModelCooling 记录某个密钥在单个模型上的冷却信息。
type ModelCooling struct {
	TotalSeconds   int64 `json:"total_seconds"`    // 该模型上累计的冷却秒数（只增不减）
	CooldownEndsAt int64 `json:"cooldown_ends_at"` // 冷却截止的 epoch 秒；过期后即可再次选取
}

// ModelCoolings 以 JSON 文本列的形式持久化 模型名 -> 冷却信息 的映射。
// SQLite 与 MySQL 都以 TEXT 存储，避免依赖原生 JSON 类型。
type ModelCoolings map[string]ModelCooling

// Value 实现 driver.Valuer，序列化为 JSON 文本。
func (m ModelCoolings) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner，从 JSON 文本反序列化。
func (m *ModelCoolings) Scan(value interface{}) error {
	if value == nil {
		*m = ModelCoolings{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("无法将 %T 扫描为 ModelCoolings", value)
	}
	if len(data) == 0 {
		*m = ModelCoolings{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// APIKey 定义了存储在数据库中的上游 API 密钥的结构。
// 这个模型是密钥持久化状态的唯一真实来源；内存中的健康统计只是参考。
type APIKey struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"` // uuid 字符串主键
	CreatedAt time.Time // 记录创建时间
	UpdatedAt time.Time // 记录最后更新时间

	Key      string `gorm:"type:varchar(255);uniqueIndex:idx_provider_key;not null"` // 密钥凭证本体，(provider, key) 必须唯一
	Provider string `gorm:"type:varchar(64);uniqueIndex:idx_provider_key;index;not null"`
	Status   string `gorm:"type:varchar(16);default:active;index"` // active / blocked

	ModelCoolings       ModelCoolings `gorm:"type:text"` // 模型名 -> 冷却信息
	TotalCoolingSeconds int64         `gorm:"default:0"` // 全模型累计冷却秒数，用作排序的第四级键，只增不减

	ConsecutiveFailures int   `gorm:"default:0"` // 连续失败次数（持久侧计数，清理任务据此删除）
	SuccessCount        int64 `gorm:"default:0"` // 成功次数，滚动成功率的分子
	RequestCount        int64 `gorm:"default:0"` // 总请求次数，滚动成功率的分母
	LatencyMS           int64 `gorm:"default:0"` // 最近一次成功的耗时（毫秒）

	LastCheckedAt   *time.Time // 上次健康探测时间
	LastSucceededAt *time.Time // 上次成功使用时间
}

// TableName 自定义 APIKey 模型的表名
func (APIKey) TableName() string {
	return "upstream_api_keys"
}

// CooldownEnd 返回该密钥在指定模型上的冷却截止 epoch 秒。
// 没有记录时返回 (0, false)。
func (k *APIKey) CooldownEnd(model string) (int64, bool) {
	if len(k.ModelCoolings) == 0 {
		return 0, false
	}
	c, ok := k.ModelCoolings[model]
	if !ok {
		return 0, false
	}
	return c.CooldownEndsAt, true
}
