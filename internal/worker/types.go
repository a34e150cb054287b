package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// Task 代表要執行的工作單元（已由 controller 在 ledger 中 claim）
type Task struct {
	Unit types.WorkUnit
}

// Result 代表工作單元的執行結果，只由 controller goroutine 消費
//
// 單元逾時時同一個單元會有兩個結果：先是 Detached 的 timeout 結果
// （worker 已經空出來），executor 真正返回後再送一個 Reaped。
// 在 Reaped 之前，該單元的 executor 仍可能在寫檔。
type Result struct {
	WorkerID int               // 執行的 worker
	Path     string            // 來源圖片路徑
	Outputs  types.UnitOutputs // 已寫入的 tile 與後綴副本
	Err      error             // nil 表示成功
	Duration time.Duration     // 實際執行時間
	Detached bool              // 逾時，executor 還在背景執行
	Reaped   bool              // 背景 executor 已結束
}

// Executor 實際處理一個工作單元的函式（通常是 splitter.Splitter.Process）
type Executor func(ctx context.Context, unit types.WorkUnit) (types.UnitOutputs, error)
