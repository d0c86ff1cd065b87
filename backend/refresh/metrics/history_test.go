package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sample(second int) Snapshot {
	return Snapshot{Timestamp: time.Unix(int64(second), 0)}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	history := NewHistory(3)
	_, ok := history.Latest()
	require.False(t, ok)

	for i := 1; i <= 5; i++ {
		history.Append(sample(i))
	}
	require.Equal(t, 3, history.Len())
	require.Equal(t, 3, history.Cap())

	all := history.Snapshot(0)
	require.Len(t, all, 3)
	require.Equal(t, int64(3), all[0].Timestamp.Unix())
	require.Equal(t, int64(5), all[2].Timestamp.Unix())

	latest, ok := history.Latest()
	require.True(t, ok)
	require.Equal(t, int64(5), latest.Timestamp.Unix())
}

func TestHistorySnapshotLimitKeepsNewest(t *testing.T) {
	history := NewHistory(10)
	for i := 1; i <= 4; i++ {
		history.Append(sample(i))
	}
	recent := history.Snapshot(2)
	require.Len(t, recent, 2)
	require.Equal(t, int64(3), recent[0].Timestamp.Unix())
	require.Equal(t, int64(4), recent[1].Timestamp.Unix())

	require.Len(t, history.Snapshot(100), 4)
}

func TestHistoryDefaultCapacity(t *testing.T) {
	require.Equal(t, 60, NewHistory(0).Cap())
}

func TestAggregateComputesPercentages(t *testing.T) {
	nodes := Aggregate(
		map[string]NodeUsage{
			"b": {CPUUsageMilli: 500, MemoryUsageBytes: 1024},
			"a": {CPUUsageMilli: 100, MemoryUsageBytes: 10},
		},
		map[string]NodeCapacity{"b": {CPUMilli: 2000, MemoryBytes: 4096}},
	)
	require.Len(t, nodes, 2)
	require.Equal(t, "a", nodes[0].Name)
	require.Zero(t, nodes[0].CPUPercent)
	require.InDelta(t, 25.0, nodes[1].CPUPercent, 0.001)
	require.InDelta(t, 25.0, nodes[1].MemoryPercent, 0.001)

	snapshot := Snapshot{Nodes: nodes, Pods: podMetrics(map[string]PodUsage{"ns/x": {}, "other/y": {}})}
	cpu, mem := snapshot.Totals()
	require.Equal(t, int64(600), cpu)
	require.Equal(t, int64(1034), mem)
	require.Len(t, snapshot.PodsInNamespace("ns"), 1)
	require.Len(t, snapshot.PodsInNamespace(""), 2)
}
