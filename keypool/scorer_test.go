package keypool

import (
	"testing"
	"time"
)

func mkCandidate(id string, failures int, ratio float64, latency float64, cooling int64, createdAt time.Time) *Candidate {
	return &Candidate{
		ID:                  id,
		Key:                 "key-" + id,
		Provider:            "google-ai-studio",
		TotalCoolingSeconds: cooling,
		CreatedAt:           createdAt,
		Stats: StatsSnapshot{
			ConsecutiveFailures: failures,
			SuccessRatio:        ratio,
			AvgLatencyMS:        latency,
		},
	}
}

// TestRankOrdering 测试五级排序键依次生效
func TestRankOrdering(t *testing.T) {
	base := time.Unix(1700000000, 0)

	tests := []struct {
		name      string
		keys      []*Candidate
		wantOrder []string
	}{
		{
			name: "连续失败少的在前",
			keys: []*Candidate{
				mkCandidate("a", 3, 1.0, 10, 0, base),
				mkCandidate("b", 0, 0.5, 500, 9999, base),
			},
			wantOrder: []string{"b", "a"},
		},
		{
			name: "失败相同时成功率高的在前",
			keys: []*Candidate{
				mkCandidate("a", 1, 0.7, 10, 0, base),
				mkCandidate("b", 1, 0.9, 500, 0, base),
			},
			wantOrder: []string{"b", "a"},
		},
		{
			name: "成功率相同时耗时低的在前",
			keys: []*Candidate{
				mkCandidate("a", 0, 1.0, 800, 0, base),
				mkCandidate("b", 0, 1.0, 200, 0, base),
			},
			wantOrder: []string{"b", "a"},
		},
		{
			name: "耗时相同时累计冷却少的在前",
			keys: []*Candidate{
				mkCandidate("a", 0, 1.0, 100, 3600, base),
				mkCandidate("b", 0, 1.0, 100, 60, base),
			},
			wantOrder: []string{"b", "a"},
		},
		{
			name: "其余相同时创建早的在前",
			keys: []*Candidate{
				mkCandidate("a", 0, 1.0, 100, 0, base.Add(time.Hour)),
				mkCandidate("b", 0, 1.0, 100, 0, base),
			},
			wantOrder: []string{"b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Rank(tt.keys)
			for i, want := range tt.wantOrder {
				if tt.keys[i].ID != want {
					t.Errorf("位置 %d: 期望 %s, 实际 %s", i, want, tt.keys[i].ID)
				}
			}
		})
	}
}

// TestRankDeterministic 测试相同快照下排序结果完全一致（全序）
func TestRankDeterministic(t *testing.T) {
	base := time.Unix(1700000000, 0)
	build := func() []*Candidate {
		// 所有字段全部相同，只有 ID 不同：落到 ID 决胜键。
		return []*Candidate{
			mkCandidate("c", 0, 1.0, 100, 0, base),
			mkCandidate("a", 0, 1.0, 100, 0, base),
			mkCandidate("b", 0, 1.0, 100, 0, base),
		}
	}

	first := build()
	Rank(first)
	for i := 0; i < 10; i++ {
		again := build()
		Rank(again)
		for j := range first {
			if first[j].ID != again[j].ID {
				t.Fatalf("第 %d 轮排序结果不一致: 位置 %d 期望 %s 实际 %s", i, j, first[j].ID, again[j].ID)
			}
		}
	}
	if first[0].ID != "a" || first[1].ID != "b" || first[2].ID != "c" {
		t.Errorf("ID 决胜键应产生字典序: 实际 %s %s %s", first[0].ID, first[1].ID, first[2].ID)
	}
}

// TestExceedsRecoveryLimit 测试清理阈值判定
func TestExceedsRecoveryLimit(t *testing.T) {
	base := time.Unix(1700000000, 0)

	c := mkCandidate("a", 251, 0, 0, 0, base)
	if !ExceedsRecoveryLimit(c, 5) {
		t.Error("连续失败 251 次超过 5*50，应判定为待清理")
	}
	c = mkCandidate("b", 250, 0, 0, 0, base)
	if ExceedsRecoveryLimit(c, 5) {
		t.Error("连续失败 250 次恰好等于阈值，不应判定为待清理")
	}
	if ExceedsRecoveryLimit(c, 0) {
		t.Error("阈值未配置时不应判定为待清理")
	}
}
