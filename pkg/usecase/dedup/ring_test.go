package dedup_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/usecase/dedup"
	"github.com/m-mizutani/hearken/pkg/utils/similarity"
)

func TestRingExactMatch(t *testing.T) {
	r := dedup.New()
	norm := similarity.Normalize("请介绍一下你的项目经验。")

	gt.False(t, r.Contains(norm))
	r.Remember(norm)
	gt.True(t, r.Contains(norm))
	gt.False(t, r.Contains(""))
}

func TestRingSimilarMatch(t *testing.T) {
	r := dedup.New()
	r.Remember(similarity.Normalize("你对并发编程了解多少"))

	gt.True(t, r.Contains(similarity.Normalize("你了解并发编程吗")))
	gt.False(t, r.Contains(similarity.Normalize("说说数据库索引的原理")))
}

func TestRingEvictsOldest(t *testing.T) {
	r := dedup.New()
	for _, s := range []string{"alpha", "bravo", "charlie", "delta"} {
		r.Remember(s)
	}

	gt.Equal(t, r.Len(), dedup.DefaultCapacity)
	gt.False(t, r.Contains("alpha"))
	gt.True(t, r.Contains("bravo"))
	gt.True(t, r.Contains("delta"))
}

func TestRingThreshold(t *testing.T) {
	r := dedup.New(dedup.WithThreshold(1.0))
	r.Remember("redis kafka mysql")

	gt.True(t, r.Contains("redis kafka mysql"))
	gt.True(t, r.Contains("mysql kafka redis"))
	gt.False(t, r.Contains("redis kafka"))

	loose := dedup.New(dedup.WithThreshold(0.5))
	loose.Remember("redis kafka mysql")
	gt.True(t, loose.Contains("redis kafka"))
	gt.False(t, loose.Contains("redis nginx envoy"))
}
