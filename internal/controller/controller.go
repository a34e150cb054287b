// ============================================================================
// tilesplit 控制器 - 批次處理核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 恢復 ledger、派送工作單元給 worker、記錄每個狀態轉換
//
// 架構設計:
//   Controller 是 ledger 的唯一寫入者，協調以下組件：
//   - Ledger: 工作單元狀態機（pending/in_progress/done/failed）
//   - WAL: 每個狀態轉換先寫 journal
//   - Snapshot: 定期保存 ledger，之後截斷 journal
//   - WorkerPool: 實際執行 splitter
//
// 主循環（單一 goroutine）:
//   1. 派送：inFlight + detached < N 時 Claim → CLAIM → Submit
//   2. 結果：DONE / RETRY / FAILED / RELEASE
//      逾時的單元先記為 detached，等 executor 真正返回（Reaped）才
//      RETRY / FAILED，同一個單元不會有兩個 executor 同時在跑
//   3. flush ticker：journal 寫盤
//   4. snapshot ticker：snapshot + journal 截斷
//
// 崩潰恢復流程:
//   1. snapshot.Load → ledger.Restore
//   2. wal.Replay（只重放 seq > snapshot.LastSeq 的事件）
//   3. ledger.PrepareRun：in_progress → pending、輸出遺失的 done → pending、
//      failed → pending（attempts 歸零）
//   4. 立刻寫一次 snapshot，讓整理後的狀態落盤
//
// 取消:
//   停止派送，等 in-flight 單元寫完目前的 tile，讀完所有結果，
//   寫最後一次 snapshot，回傳標記 interrupted 的報告。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/tilesplit/internal/ledger"
	"github.com/ChuLiYu/tilesplit/internal/metrics"
	"github.com/ChuLiYu/tilesplit/internal/render"
	"github.com/ChuLiYu/tilesplit/internal/report"
	"github.com/ChuLiYu/tilesplit/internal/snapshot"
	"github.com/ChuLiYu/tilesplit/internal/storage/wal"
	"github.com/ChuLiYu/tilesplit/internal/worker"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	ResumePath       string        // snapshot 路徑；journal 為 <ResumePath>.wal
	Format           string        // 報告中記錄的預設名稱
	WorkerCount      int           // Worker 數量（呼叫端已夾在 [1, NumCPU]）
	RetryBudget      int           // 可重試失敗的額外嘗試次數
	UnitTimeout      time.Duration // 單元期限，0 = 不限時
	FlushEvery       int           // journal 批次大小
	FlushInterval    time.Duration // journal 最長寫盤間隔
	SnapshotInterval time.Duration // 快照間隔
	ProgressEvery    int           // 每處理幾個單元輸出一次進度，0 = 關閉
	RunID            string        // 空字串時自動產生

	Logger  *slog.Logger
	Metrics *metrics.Collector // 可為 nil
	Layout  Layout             // 可為 nil：target 用 Format，不檢查輸出衝突
}

// Layout 描述每個來源的輸出位置（splitter.Splitter 實作）
type Layout interface {
	// Target 識別本次輸出設定；與 ledger 記錄不同時 done 單元會重做
	Target(path string) string
	// OutputKey 相同時兩個來源會寫到同一組 tile
	OutputKey(path string) string
}

// Controller 核心控制器
type Controller struct {
	cfg     Config
	exec    worker.Executor
	ledger  *ledger.Ledger
	snap    *snapshot.Manager
	journal *wal.WAL
	log     *slog.Logger
	metrics *metrics.Collector
	runID   string

	// 本次執行的進度
	startedAt time.Time
	admitted  int
	processed int

	journalErr error
}

// ErrJournal journal 寫入失敗；已完成的結果仍在 ledger 中，但不保證落盤
var ErrJournal = errors.New("ledger journal write failed")

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller；exec 處理單一工作單元
func New(cfg Config, exec worker.Executor) (*Controller, error) {
	if cfg.ResumePath == "" {
		return nil, errors.New("controller: resume path is required")
	}
	if exec == nil {
		return nil, errors.New("controller: executor is required")
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.FlushEvery < 1 {
		cfg.FlushEvery = 1
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	return &Controller{
		cfg:     cfg,
		exec:    exec,
		ledger:  ledger.New(),
		snap:    snapshot.NewManager(cfg.ResumePath),
		log:     cfg.Logger.With("run_id", cfg.RunID),
		metrics: cfg.Metrics,
		runID:   cfg.RunID,
	}, nil
}

// RunID 本次執行的識別碼
func (c *Controller) RunID() string {
	return c.runID
}

// Run 處理 sources 直到全部完成或 ctx 被取消
//
// 回傳的錯誤只有 ledger 損壞或 journal 無法寫入；單元失敗記錄在報告中。
// ctx 取消時回傳 Interrupted=true 的報告與 nil 錯誤。
func (c *Controller) Run(ctx context.Context, sources []string) (types.BatchReport, error) {
	c.startedAt = time.Now()

	lastSeq, err := c.recover()
	if err != nil {
		return types.BatchReport{}, err
	}

	if err := os.MkdirAll(filepath.Dir(c.cfg.ResumePath), 0o755); err != nil {
		return types.BatchReport{}, fmt.Errorf("failed to create resume directory: %w", err)
	}
	c.journal, err = wal.Open(JournalPath(c.cfg.ResumePath), wal.Options{
		FlushEvery:    c.cfg.FlushEvery,
		FlushInterval: c.cfg.FlushInterval,
		StartSeq:      lastSeq,
	})
	if err != nil {
		return types.BatchReport{}, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() {
		if err := c.journal.Close(); err != nil {
			c.log.Error("Failed to close journal", "error", err)
		}
	}()

	if err := c.checkpoint(); err != nil {
		return types.BatchReport{}, err
	}

	if err := c.admit(sources); err != nil {
		return types.BatchReport{}, err
	}

	interrupted := c.loop(ctx)

	if err := c.checkpoint(); err != nil {
		c.log.Error("Failed to take final snapshot", "error", err)
		if c.journalErr == nil {
			c.journalErr = err
		}
	}

	r := report.Emit(c.ledger.Snapshot(), report.Input{
		RunID:       c.runID,
		Format:      c.cfg.Format,
		StartedAt:   c.startedAt,
		FinishedAt:  time.Now(),
		Interrupted: interrupted,
		Sources:     sources,
	})

	c.log.Info("Run finished",
		"duration", time.Since(c.startedAt),
		"completed", r.Completed,
		"skipped", r.Skipped,
		"failed", r.Failed,
		"pending", r.Pending,
		"tiles", r.TotalTilesWritten,
		"variants", r.VariantsWritten,
		"interrupted", interrupted)

	return r, c.journalErr
}

// admit 將掃描結果加入 ledger：已完成的跳過，其餘排入佇列
//
// 輸出位置相同的來源只有第一個會處理，之後的直接記為失敗
func (c *Controller) admit(sources []string) error {
	skipped := 0
	owners := make(map[string]string) // output key → 第一個來源
	for _, path := range sources {
		target := c.cfg.Format
		if c.cfg.Layout != nil {
			target = c.cfg.Layout.Target(path)
			key := c.cfg.Layout.OutputKey(path)
			if owner, taken := owners[key]; taken && owner != path {
				if err := c.reject(path, target, owner); err != nil {
					return err
				}
				continue
			}
			owners[key] = path
		}

		status, err := c.ledger.Admit(path, target)
		if errors.Is(err, ledger.ErrDuplicateUnit) {
			c.log.Warn("Duplicate source ignored", "path", path)
			continue
		}
		if err != nil {
			return err
		}
		if status == types.StatusDone {
			skipped++
			c.metrics.RecordSkipped()
			continue
		}
		c.admitted++
		c.metrics.RecordAdmitted()
	}

	c.log.Info("Sources admitted",
		"scanned", len(sources),
		"to_process", c.admitted,
		"skipped", skipped,
		"workers", c.cfg.WorkerCount)
	return nil
}

// reject 記錄輸出位置衝突的來源
func (c *Controller) reject(path, target, owner string) error {
	msg := fmt.Sprintf("output location already used by %s", owner)
	unit, err := c.ledger.Reject(path, target, types.KindCollision, msg, c.runID)
	if errors.Is(err, ledger.ErrDuplicateUnit) {
		c.log.Warn("Duplicate source ignored", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	c.record(wal.EventFailed, unit)
	c.metrics.RecordFailed(string(types.KindCollision))
	c.log.Error("Output collision, source not processed", "path", path, "owner", owner)
	return nil
}

// ============================================================================
// 主循環
// ============================================================================

// loop 派送與收集結果，回傳是否因取消而提前結束
func (c *Controller) loop(ctx context.Context) bool {
	n := c.cfg.WorkerCount
	pool := worker.NewPool(n, c.exec, c.cfg.UnitTimeout)
	if err := pool.Start(ctx, n); err != nil {
		c.log.Error("Failed to start worker pool", "error", err)
		c.journalErr = err
		return false
	}
	defer pool.Stop()

	var flushC <-chan time.Time
	if c.cfg.FlushInterval > 0 {
		t := time.NewTicker(c.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	snapTicker := time.NewTicker(c.cfg.SnapshotInterval)
	defer snapTicker.Stop()

	inFlight := 0
	// 逾時但 executor 還沒返回的單元 → 當時的 timeout 結果
	detached := make(map[string]worker.Result)
	interrupted := false
	done := ctx.Done()

	for {
		if !interrupted && ctx.Err() != nil {
			interrupted = true
			done = nil
			c.log.Warn("Interrupted, draining in-flight units",
				"in_flight", inFlight,
				"detached", len(detached))
		}

		// 1. 派送
		for !interrupted && c.journalErr == nil && inFlight+len(detached) < n {
			unit, ok := c.ledger.Claim()
			if !ok {
				break
			}
			c.record(wal.EventClaim, unit)
			if err := pool.Submit(worker.Task{Unit: unit}); err != nil {
				// 只會在 pool 已停止時發生
				c.log.Error("Failed to submit unit", "path", unit.Path, "error", err)
				if _, err := c.ledger.Release(unit.Path); err != nil {
					c.log.Error("Failed to release unit", "path", unit.Path, "error", err)
				}
				break
			}
			inFlight++
			c.metrics.RecordClaim()
		}
		c.metrics.UpdateQueueStats(c.ledger.PendingCount(), inFlight)

		if inFlight == 0 && len(detached) == 0 {
			if interrupted || c.journalErr != nil || c.ledger.PendingCount() == 0 {
				return interrupted
			}
		}

		// 2. 等待結果或定時器
		select {
		case result := <-pool.Results():
			switch {
			case result.Detached:
				inFlight--
				detached[result.Path] = result
				c.log.Warn("Unit timed out, waiting for executor to return",
					"path", result.Path,
					"worker", result.WorkerID)
			case result.Reaped:
				timedOut, ok := detached[result.Path]
				if !ok {
					c.log.Error("Unexpected reaped result", "path", result.Path)
					continue
				}
				delete(detached, result.Path)
				c.log.Debug("Timed-out executor returned",
					"path", result.Path,
					"duration", result.Duration,
					"error", result.Err)
				c.handleResult(timedOut)
			default:
				inFlight--
				c.handleResult(result)
			}

		case <-done:
			// 下一輪標記 interrupted

		case <-flushC:
			if c.journal.Pending() == 0 {
				continue
			}
			if err := c.journal.Flush(); err != nil {
				c.fail(err)
			}

		case <-snapTicker.C:
			if err := c.checkpoint(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// handleResult 處理單個工作單元結果
func (c *Controller) handleResult(result worker.Result) {
	path := result.Path

	if result.Err == nil {
		unit, err := c.ledger.MarkDone(path, result.Outputs, c.runID)
		if err != nil {
			c.log.Error("Failed to mark done", "path", path, "error", err)
			return
		}
		c.record(wal.EventDone, unit)
		c.metrics.RecordCompleted(result.Duration, len(result.Outputs.Tiles))
		c.log.Debug("Unit completed",
			"path", path,
			"tiles", len(result.Outputs.Tiles),
			"variants", len(result.Outputs.Variants),
			"duration", result.Duration,
			"worker", result.WorkerID)
		c.progress()
		return
	}

	kind, retryable := render.Classify(result.Err)
	msg := result.Err.Error()

	if kind == types.KindInterrupted {
		unit, err := c.ledger.Release(path)
		if err != nil {
			c.log.Error("Failed to release unit", "path", path, "error", err)
			return
		}
		c.record(wal.EventRelease, unit)
		c.log.Debug("Unit released", "path", path, "tiles_written", len(result.Outputs.Tiles))
		return
	}

	current, _ := c.ledger.Get(path)
	if retryable && current.Attempts <= c.cfg.RetryBudget {
		unit, err := c.ledger.Requeue(path, kind, msg)
		if err != nil {
			c.log.Error("Failed to requeue", "path", path, "error", err)
			return
		}
		c.record(wal.EventRetry, unit)
		c.metrics.RecordRetry()
		c.log.Warn("Unit failed, will retry",
			"path", path,
			"kind", kind,
			"attempt", unit.Attempts,
			"budget", c.cfg.RetryBudget,
			"error", msg)
		return
	}

	unit, err := c.ledger.MarkFailed(path, kind, msg, c.runID)
	if err != nil {
		c.log.Error("Failed to mark failed", "path", path, "error", err)
		return
	}
	c.record(wal.EventFailed, unit)
	c.metrics.RecordFailed(string(kind))
	c.log.Error("Unit failed",
		"path", path,
		"kind", kind,
		"attempts", unit.Attempts,
		"error", msg)
	c.progress()
}

// record 寫入 journal；第一次失敗後停止派送
func (c *Controller) record(eventType wal.EventType, unit types.WorkUnit) {
	if err := c.journal.Append(eventType, unit); err != nil {
		c.fail(err)
	}
}

func (c *Controller) fail(err error) {
	if c.journalErr != nil {
		return
	}
	c.journalErr = fmt.Errorf("%w: %v", ErrJournal, err)
	c.log.Error("Journal write failed, stopping dispatch", "error", err)
}

// checkpoint 寫入快照並截斷 journal
func (c *Controller) checkpoint() error {
	start := time.Now()

	data := c.ledger.Snapshot()
	data.LastSeq = c.journal.GetLastSeq()

	if err := c.snap.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.journal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	c.log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"units", len(data.Units),
		"last_seq", data.LastSeq)
	return nil
}

// progress 每 ProgressEvery 個單元輸出一次進度、速率與預估剩餘時間
func (c *Controller) progress() {
	c.processed++
	every := c.cfg.ProgressEvery
	if every <= 0 || (c.processed%every != 0 && c.processed != c.admitted) {
		return
	}

	elapsed := time.Since(c.startedAt)
	rate := float64(c.processed) / max(elapsed.Seconds(), 1e-9)
	remaining := max(c.admitted-c.processed, 0)
	eta := time.Duration(0)
	if rate > 0 {
		eta = time.Duration(float64(remaining) / rate * float64(time.Second))
	}

	c.log.Info("Progress",
		"processed", c.processed,
		"total", c.admitted,
		"rate_per_sec", fmt.Sprintf("%.2f", rate),
		"eta", eta.Round(time.Second))
}
