// ============================================================================
// tilesplit 性能測試套件
// ============================================================================
//
// Package: test/integration
// 文件: performance_test.go
// 功能: 批次吞吐量與 ledger 恢復速度
//
// 測試項目:
//
// 1. TestSystemThroughput - 系統吞吐量測試
//    - 40 張長圖、4 個 worker
//    - 全部完成，記錄 units/s 與 tiles/s
//
// 2. TestRecoveryPerformance - 恢復性能測試
//    - 10,000 筆單元的快照 + 5,000 筆 journal 事件
//    - LoadState 應在 2 秒內完成
//
// 使用 -short 跳過
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tilesplit/internal/controller"
	"github.com/ChuLiYu/tilesplit/internal/snapshot"
	"github.com/ChuLiYu/tilesplit/internal/storage/wal"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	root := t.TempDir()
	sources := generateImages(t, filepath.Join(root, "in"), 40)
	p := newPipeline(t, root)

	start := time.Now()
	r := p.run(t, context.Background(), 4, nil, sources)
	elapsed := time.Since(start)

	assert.Equal(t, 40, r.Completed)
	assert.Equal(t, 0, r.Failed)
	assert.Equal(t, 80, r.TotalTilesWritten)

	t.Logf("=== Throughput ===")
	t.Logf("Units: %d in %v", r.Completed, elapsed)
	t.Logf("Rate:  %.2f units/s, %.2f tiles/s",
		float64(r.Completed)/elapsed.Seconds(),
		float64(r.TotalTilesWritten)/elapsed.Seconds())
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery performance test in short mode")
	}

	const (
		snapshotUnits = 10000
		journalEvents = 5000
		snapshotSeq   = 100
	)

	resume := filepath.Join(t.TempDir(), "resume.json")
	now := time.Now().UnixMilli()

	data := types.LedgerData{Units: make(map[string]*types.WorkUnit, snapshotUnits), LastSeq: snapshotSeq}
	for i := 0; i < snapshotUnits; i++ {
		path := fmt.Sprintf("/images/%05d.png", i)
		data.Units[path] = &types.WorkUnit{Path: path, Status: types.StatusPending, UpdatedAt: now}
	}
	require.NoError(t, snapshot.NewManager(resume).Write(data))

	journal, err := wal.Open(controller.JournalPath(resume), wal.Options{
		FlushEvery:    1000,
		FlushInterval: time.Second,
		StartSeq:      snapshotSeq,
	})
	require.NoError(t, err)
	for i := 0; i < journalEvents; i++ {
		path := fmt.Sprintf("/images/%05d.png", i)
		require.NoError(t, journal.Append(wal.EventDone, types.WorkUnit{
			Path:      path,
			Status:    types.StatusDone,
			Attempts:  1,
			Outputs:   []string{path + "_001.jpg"},
			RunID:     "perf",
			UpdatedAt: now,
		}))
	}
	require.NoError(t, journal.Close())

	start := time.Now()
	state, err := controller.LoadState(resume)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Len(t, state.Data.Units, snapshotUnits)
	assert.Equal(t, journalEvents, state.Replay.Applied)
	assert.Equal(t, uint64(snapshotSeq+journalEvents), state.Data.LastSeq)

	done := 0
	for _, u := range state.Data.Units {
		if u.Status == types.StatusDone {
			done++
		}
	}
	assert.Equal(t, journalEvents, done)

	t.Logf("Recovered %d units (%d journal events) in %v", snapshotUnits, journalEvents, elapsed)
	assert.Less(t, elapsed, 2*time.Second)
}
