// ============================================================================
// tilesplit Worker Pool - 並發工作單元執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 N 個 Worker goroutine 的生命週期與工作分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh (容量 N)
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh (容量 N)
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 獨占領取: 一個 Task 從 channel 取出後只屬於一個 Worker。
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(ctx, n) - 啟動 n 個 Worker，ctx 取消時 executor 收到中斷
//   3. Submit(task) - 提交已 claim 的單元
//   4. Results() - controller 讀取結果
//   5. Stop() - 關閉 taskCh，等所有 Worker 與逾時後仍在跑的 executor
//      結束後關閉 resultCh
//
// Submit 在持有 mu 的情況下送出，Stop 先在同一把鎖下標記 stopped，
// 因此不會對已關閉的 taskCh 送值。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	exec     Executor
	timeout  time.Duration
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool
//
//   - bufferSize: 任務與結果通道的容量，應等於 worker 數
//   - exec: 處理單一工作單元的函式
//   - unitTimeout: 單元期限，0 表示不限時
func NewPool(bufferSize int, exec Executor, unitTimeout time.Duration) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Pool{
		workers:  make([]*Worker, 0, bufferSize),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		exec:     exec,
		timeout:  unitTimeout,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.exec == nil {
		return errors.New("pool has no executor")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.exec, p.timeout, &p.wg)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交工作單元到 Worker Pool
//
// 呼叫端必須保證未完成的單元數不超過通道容量，否則會阻塞
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.taskCh <- task
	return nil
}

// Results 回傳結果通道；Stop 之後會被關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉 taskCh 後等待所有 Worker 處理完手上的單元，以及逾時單元的
// executor 返回，再關閉 resultCh。
// 呼叫前應先讀完所有結果，或確保結果通道還有空間。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}
