// ============================================================================
// tilesplit Worker - 工作單元執行者
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 每個 Worker 是一個獨立 goroutine，從 taskCh 取得工作單元並執行
//
// 執行模型:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ 單元期限 (WithTimeout)   │   │
//   │  │   ├─ executor(ctx, unit)     │   │
//   │  │   └─ resultCh <- result      │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// 期限與取消:
//   - 單元期限到期：立刻回報 Detached 的 timeout，worker 接著處理下一個；
//     背景 executor 結束後由 reap goroutine 再回報一次 Reaped
//   - 整批取消（parent ctx）：等 executor 寫完目前的 tile 後回報 interrupted
//   - executor panic：回報不可重試的 decode 失敗，worker 繼續運作
//
// 結果一定送達：resultCh 的容量等於 worker 數，而 controller 把執行中與
// 尚未 Reaped 的單元合計限制在 worker 數以內，每個單元同時最多只有一個
// 未讀結果，因此送出不會永久阻塞。
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/tilesplit/internal/render"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	exec     Executor
	timeout  time.Duration // 0 = 不限時

	// reapers 追蹤逾時後仍在執行的 executor；由 Pool 的 WaitGroup 提供，
	// Stop 會一併等待
	reapers *sync.WaitGroup
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, exec Executor, timeout time.Duration, reapers *sync.WaitGroup) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		exec:     exec,
		timeout:  timeout,
		reapers:  reapers,
	}
}

// Run is the main loop of Worker; it returns when taskCh is closed.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		o, orphan := w.execute(ctx, task.Unit)

		w.resultCh <- Result{
			WorkerID: w.id,
			Path:     task.Unit.Path,
			Outputs:  o.outputs,
			Err:      o.err,
			Duration: time.Since(start),
			Detached: orphan != nil,
		}
		if orphan != nil {
			w.reap(task.Unit.Path, start, orphan)
		}
	}
}

type outcome struct {
	outputs types.UnitOutputs
	err     error
}

// reap 等待逾時的 executor 真正返回，再送出 Reaped 結果
func (w *Worker) reap(path string, start time.Time, orphan <-chan outcome) {
	w.reapers.Add(1)
	go func() {
		defer w.reapers.Done()
		o := <-orphan
		w.resultCh <- Result{
			WorkerID: w.id,
			Path:     path,
			Outputs:  o.outputs,
			Err:      o.err,
			Duration: time.Since(start),
			Reaped:   true,
		}
	}()
}

// execute 在單元期限內執行 executor
//
// 逾時時回傳的 channel 不為 nil，executor 返回後會在上面送出結果
func (w *Worker) execute(parent context.Context, unit types.WorkUnit) (outcome, <-chan outcome) {
	if w.timeout <= 0 {
		out, err := w.call(parent, unit)
		return outcome{outputs: out, err: err}, nil
	}

	ctx, cancel := context.WithTimeout(parent, w.timeout)

	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		out, err := w.call(ctx, unit)
		done <- outcome{outputs: out, err: err}
	}()

	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		if parent.Err() != nil {
			// 整批取消：executor 會在目前的 tile 寫完後返回
			return <-done, nil
		}
		err := render.New(render.ReasonTimeout, unit.Path,
			fmt.Errorf("unit exceeded %s: %w", w.timeout, ctx.Err()))
		return outcome{err: err}, done
	}
}

// call 呼叫 executor 並把 panic 轉成錯誤
func (w *Worker) call(ctx context.Context, unit types.WorkUnit) (outputs types.UnitOutputs, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = types.UnitOutputs{}
			err = render.New(render.ReasonDecode, unit.Path, fmt.Errorf("panic: %v", r))
		}
	}()
	return w.exec(ctx, unit)
}
