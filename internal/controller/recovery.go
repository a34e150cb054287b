package controller

// ============================================================================
// 崩潰恢復
// 職責：snapshot → journal 重放 → 本次執行前的狀態整理
// ============================================================================

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/tilesplit/internal/fsutil"
	"github.com/ChuLiYu/tilesplit/internal/ledger"
	"github.com/ChuLiYu/tilesplit/internal/snapshot"
	"github.com/ChuLiYu/tilesplit/internal/storage/wal"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// JournalPath 回傳 resume 檔對應的 journal 路徑
func JournalPath(resumePath string) string {
	return resumePath + ".wal"
}

// State 磁碟上的 ledger 狀態（status 指令使用）
type State struct {
	Data        types.LedgerData
	HasSnapshot bool
	SnapshotAt  time.Time
	Replay      wal.ReplayStats
	Journal     *wal.WALStats // 尚未併入快照的 journal 事件
}

// LoadState 載入 snapshot 並重放 journal，不修改任何檔案
func LoadState(resumePath string) (State, error) {
	l := ledger.New()
	snap := snapshot.NewManager(resumePath)
	snapData, replay, err := restore(l, snap, JournalPath(resumePath))
	if err != nil {
		return State{}, err
	}
	journal, err := wal.GetWALStats(JournalPath(resumePath))
	if err != nil {
		return State{}, fmt.Errorf("failed to read journal stats: %w", err)
	}
	data := l.Snapshot()
	data.LastSeq = max(snapData.LastSeq, replay.LastSeq)
	return State{
		Data:        data,
		HasSnapshot: snap.Exists(),
		SnapshotAt:  snapData.SavedAt,
		Replay:      replay,
		Journal:     journal,
	}, nil
}

// restore 把磁碟狀態載入 l；回傳原始 snapshot 與重放統計
func restore(l *ledger.Ledger, snap *snapshot.Manager, journal string) (types.LedgerData, wal.ReplayStats, error) {
	data, err := snap.Load()
	if err != nil {
		return data, wal.ReplayStats{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := l.Restore(data); err != nil {
		return data, wal.ReplayStats{}, fmt.Errorf("failed to restore ledger: %w", err)
	}

	// 每個事件帶有轉換後的完整記錄，重放就是覆寫
	st, err := wal.Replay(journal, data.LastSeq, func(event wal.Event) error {
		l.Apply(event.Unit)
		return nil
	})
	if err != nil {
		return data, st, fmt.Errorf("failed to replay journal: %w", err)
	}
	return data, st, nil
}

// recover 恢復 ledger 並整理成可以開始本次執行的狀態
func (c *Controller) recover() (uint64, error) {
	start := time.Now()
	c.log.Info("Starting recovery...", "resume", c.cfg.ResumePath)

	snapData, replay, err := restore(c.ledger, c.snap, JournalPath(c.cfg.ResumePath))
	if err != nil {
		return 0, err
	}
	if replay.TornTail {
		c.log.Warn("Ignored incomplete final journal record", "journal", JournalPath(c.cfg.ResumePath))
	}

	stats := c.ledger.PrepareRun(outputsExist)

	duration := time.Since(start)
	c.metrics.SetRecoveryTime(duration)
	c.log.Info("Recovery completed",
		"duration", duration,
		"units", c.ledger.Stats()["total"],
		"replayed_events", replay.Applied,
		"reset_in_progress", stats.ResetInProgress,
		"missing_outputs", stats.MissingOutputs,
		"requeued_failed", stats.RequeuedFailed,
		"verified_done", stats.VerifiedDone)

	return max(snapData.LastSeq, replay.LastSeq), nil
}

// outputsExist 確認 done 單元的每個 tile 與後綴副本都還在（全部區段被排除時沒有輸出）
func outputsExist(files []string) bool {
	for _, p := range files {
		if !fsutil.Exists(p) {
			return false
		}
	}
	return true
}
