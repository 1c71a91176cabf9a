package storage

// DeleteExhausted 删除连续失败次数超过阈值的密钥。
// 阈值由调用方按 RecoveryThreshold*50 计算；这些密钥长期打不通，
// 继续留在候选集中只会拖慢转发。返回删除条数和受影响的 provider 列表，
// 调用方据此使对应的主缓存条目失效。
func (s *KeyStore) DeleteExhausted(threshold int) (int64, []string, error) {
	if threshold <= 0 {
		return 0, nil, nil
	}

	var providers []string
	err := s.db.Model(&APIKey{}).
		Where("consecutive_failures > ?", threshold).
		Distinct("provider").
		Pluck("provider", &providers).Error
	if err != nil {
		return 0, nil, storeErr(err)
	}
	if len(providers) == 0 {
		return 0, nil, nil
	}

	result := s.db.Where("consecutive_failures > ?", threshold).Delete(&APIKey{})
	if result.Error != nil {
		return 0, nil, storeErr(result.Error)
	}
	return result.RowsAffected, providers, nil
}
