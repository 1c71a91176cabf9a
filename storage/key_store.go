package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrKeyNotFound      = errors.New("API key not found in the database")
	ErrStoreUnavailable = errors.New("key store unavailable")
)

// KeyStore 提供了与数据库中密钥表交互的所有方法。
// 读取方可能短暂观察到陈旧的 status/冷却信息；写入方在返回前保证持久化。
type KeyStore struct {
	db *gorm.DB
}

// NewKeyStore 创建一个新的 KeyStore 实例。
func NewKeyStore(db *gorm.DB) *KeyStore {
	return &KeyStore{db: db}
}

// storeErr 把底层 gorm 错误统一包装为 ErrStoreUnavailable，便于上层用 errors.Is 判断。
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// ListActive 返回指定 provider 下所有 status = active 的密钥。
// 冷却过滤不在这里做：主缓存持有完整的活动集，引擎在选取时再按模型过滤。
func (s *KeyStore) ListActive(ctx context.Context, provider string) ([]*APIKey, error) {
	var keys []*APIKey
	err := s.db.WithContext(ctx).
		Where("provider = ? AND status = ?", provider, StatusActive).
		Order("created_at asc").
		Find(&keys).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return keys, nil
}

// UpdateStatus 原子地更新单行的 status 字段。
func (s *KeyStore) UpdateStatus(id string, status string) error {
	result := s.db.Model(&APIKey{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return storeErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ExtendCooldown 延长密钥在某个模型上的冷却：
// cooldown_ends_at = max(现有值, now + duration)，同时把 duration 累加进
// 模型级与密钥级的累计冷却秒数。累计值只增不减。
func (s *KeyStore) ExtendCooldown(id string, model string, duration time.Duration) error {
	secs := int64(duration / time.Second)
	if secs <= 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var key APIKey
		if err := tx.Where("id = ?", id).First(&key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return err
		}

		if key.ModelCoolings == nil {
			key.ModelCoolings = ModelCoolings{}
		}
		cooling := key.ModelCoolings[model]
		newEnd := time.Now().Unix() + secs
		if newEnd > cooling.CooldownEndsAt {
			cooling.CooldownEndsAt = newEnd
		}
		cooling.TotalSeconds += secs
		key.ModelCoolings[model] = cooling

		return tx.Model(&APIKey{}).Where("id = ?", id).Updates(map[string]interface{}{
			"model_coolings":        key.ModelCoolings,
			"total_cooling_seconds": gorm.Expr("total_cooling_seconds + ?", secs),
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return err
		}
		return storeErr(err)
	}
	return nil
}

// RecordSuccess 记录一次成功使用：清零连续失败、累加计数并更新最近耗时。
func (s *KeyStore) RecordSuccess(id string, latencyMS int64) error {
	now := time.Now()
	result := s.db.Model(&APIKey{}).Where("id = ?", id).Updates(map[string]interface{}{
		"consecutive_failures": 0,
		"success_count":        gorm.Expr("success_count + 1"),
		"request_count":        gorm.Expr("request_count + 1"),
		"latency_ms":           latencyMS,
		"last_succeeded_at":    &now,
	})
	if result.Error != nil {
		return storeErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// RecordFailure 记录一次失败使用：递增连续失败与总计数。
func (s *KeyStore) RecordFailure(id string) error {
	result := s.db.Model(&APIKey{}).Where("id = ?", id).Updates(map[string]interface{}{
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
		"request_count":        gorm.Expr("request_count + 1"),
	})
	if result.Error != nil {
		return storeErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchChecked 更新健康探测时间戳。
func (s *KeyStore) TouchChecked(id string) error {
	now := time.Now()
	return storeErr(s.db.Model(&APIKey{}).Where("id = ?", id).
		Update("last_checked_at", &now).Error)
}

// BatchAddResult 报告批量导入操作的结果。
type BatchAddResult struct {
	AddedCount     int      `json:"added_count"`
	DuplicateCount int      `json:"duplicate_count"`
	InvalidCount   int      `json:"invalid_count"`
	ErrorMessages  []string `json:"error_messages"`
}

// AddKeysInBatch 向指定 provider 批量导入密钥。(provider, key) 重复的条目跳过并计数。
func (s *KeyStore) AddKeysInBatch(provider string, secrets []string) (BatchAddResult, error) {
	result := BatchAddResult{ErrorMessages: make([]string, 0)}
	for _, secret := range secrets {
		if secret == "" {
			result.InvalidCount++
			continue
		}
		row := &APIKey{
			ID:            uuid.NewString(),
			Key:           secret,
			Provider:      provider,
			Status:        StatusActive,
			ModelCoolings: ModelCoolings{},
		}
		// FirstOrCreate 以 (provider, key) 为查找条件，避免重复导入。
		res := s.db.Where(APIKey{Key: secret, Provider: provider}).Attrs(row).FirstOrCreate(row)
		if res.Error != nil {
			result.ErrorMessages = append(result.ErrorMessages, res.Error.Error())
			return result, storeErr(res.Error)
		}
		if res.RowsAffected == 0 {
			result.DuplicateCount++
			continue
		}
		result.AddedCount++
	}
	return result, nil
}

// GetKeyByID 按 id 获取单条密钥。
func (s *KeyStore) GetKeyByID(id string) (*APIKey, error) {
	var key APIKey
	result := s.db.Where("id = ?", id).First(&key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, storeErr(result.Error)
	}
	return &key, nil
}

// DeleteKey 按 id 删除单条密钥。
func (s *KeyStore) DeleteKey(id string) error {
	result := s.db.Where("id = ?", id).Delete(&APIKey{})
	if result.Error != nil {
		return storeErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DeleteAllBlocked 删除指定 provider 下所有 blocked 的密钥，返回删除条数。
func (s *KeyStore) DeleteAllBlocked(provider string) (int64, error) {
	result := s.db.Where("provider = ? AND status = ?", provider, StatusBlocked).Delete(&APIKey{})
	if result.Error != nil {
		return 0, storeErr(result.Error)
	}
	return result.RowsAffected, nil
}

// ListFailing 返回所有 active 但带有连续失败记录的密钥，供健康探测使用。
func (s *KeyStore) ListFailing() ([]*APIKey, error) {
	var keys []*APIKey
	err := s.db.Where("status = ? AND consecutive_failures > 0", StatusActive).Find(&keys).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return keys, nil
}

// ListPaginated 分页列出某 provider 的密钥（status 为空表示全部），并返回总数。
func (s *KeyStore) ListPaginated(provider, status string, offset, limit int) ([]*APIKey, int64, error) {
	var keys []*APIKey
	var totalCount int64

	query := s.db.Model(&APIKey{}).Where("provider = ?", provider)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, 0, storeErr(err)
	}
	if err := query.Order("created_at desc").Offset(offset).Limit(limit).Find(&keys).Error; err != nil {
		return nil, 0, storeErr(err)
	}
	return keys, totalCount, nil
}
