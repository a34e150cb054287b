// ============================================================================
// tilesplit Resume Ledger - 工作單元狀態機
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 管理每張來源圖片（WorkUnit）的生命週期與狀態轉換
//
// 設計理念:
//   1. units map - 所有工作單元的統一存儲，作為單一真實來源
//   2. 狀態索引 - pending queue 與 inProgress/done/failed maps 提供快速查詢
//   3. 兩者通過指針同步
//
// 狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ Claim()              attempts++
//   InProgress (執行中)
//      ├─ MarkDone()          → Done
//      ├─ Requeue()           → Pending（可重試錯誤，預算內）
//      ├─ MarkFailed()        → Failed（預算耗盡或不可重試）
//      └─ Release()           → Pending（取消，不計入 attempts）
//
// 跨執行的轉換由 PrepareRun() 與 Admit() 完成：
//   InProgress → Pending     上次崩潰時寫到一半，不可信
//   Done       → Pending     輸出檔案缺失，或輸出目標（格式/設定）與本次不同
//   Failed     → Pending     新的執行重新給予重試預算
//   *          → Failed      Reject()：加入前就確定無法處理（例如輸出檔名衝突）
//
// 單一寫入者:
//   只有 controller goroutine 會呼叫會改變狀態的方法；
//   RWMutex 讓 status/metrics 等讀取端可以安全取得快照。
//
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 同一個來源在本次執行中重複加入
	ErrDuplicateUnit = errors.New("unit already admitted")
	// 工作單元不在執行中狀態
	ErrNotInProgress = errors.New("unit not in progress")
	// 工作單元不存在
	ErrUnitNotFound = errors.New("unit not found")
)

// SchemaVersion 持久化格式版本
const SchemaVersion = 1

// Ledger 工作單元狀態機
type Ledger struct {
	mu         sync.RWMutex
	units      map[string]*types.WorkUnit // 所有工作單元，透過 Status 欄位區分狀態
	queue      []string                   // 本次執行待處理佇列（FIFO）
	admitted   map[string]bool            // 本次執行已加入的來源
	inProgress map[string]*types.WorkUnit
	done       map[string]*types.WorkUnit
	failed     map[string]*types.WorkUnit

	now func() time.Time
}

// New 建立空的 ledger
func New() *Ledger {
	l := &Ledger{now: time.Now}
	l.reset()
	return l
}

func (l *Ledger) reset() {
	l.units = make(map[string]*types.WorkUnit)
	l.queue = make([]string, 0)
	l.admitted = make(map[string]bool)
	l.inProgress = make(map[string]*types.WorkUnit)
	l.done = make(map[string]*types.WorkUnit)
	l.failed = make(map[string]*types.WorkUnit)
}

func (l *Ledger) touch(u *types.WorkUnit) {
	u.UpdatedAt = l.now().UnixMilli()
}

// ============================================================================
// 執行前準備
// ============================================================================

// RecoveryStats PrepareRun 的結果統計
type RecoveryStats struct {
	ResetInProgress int // in_progress → pending
	MissingOutputs  int // done 但輸出缺失 → pending
	RequeuedFailed  int // failed → pending
	VerifiedDone    int // done 且輸出完整
}

// PrepareRun 在恢復狀態後、派送前執行一次
//
// verify 用來檢查 done 單元的輸出是否都還在（tile 與後綴副本）；
// 只有通過驗證的 done 會被跳過
func (l *Ledger) PrepareRun(verify func(files []string) bool) RecoveryStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var st RecoveryStats
	for _, path := range l.sortedPathsLocked() {
		u := l.units[path]
		switch u.Status {
		case types.StatusInProgress:
			st.ResetInProgress++
			l.toPendingLocked(u)
		case types.StatusDone:
			if verify != nil && !verify(u.Files()) {
				st.MissingOutputs++
				l.toPendingLocked(u)
				continue
			}
			st.VerifiedDone++
		case types.StatusFailed:
			st.RequeuedFailed++
			l.toPendingLocked(u)
		default:
			u.Attempts = 0
		}
	}
	return st
}

func (l *Ledger) toPendingLocked(u *types.WorkUnit) {
	delete(l.inProgress, u.Path)
	delete(l.done, u.Path)
	delete(l.failed, u.Path)
	u.Status = types.StatusPending
	u.Attempts = 0
	u.Outputs = nil
	u.Variants = nil
	l.touch(u)
}

// Admit 將掃描到的來源加入本次執行
//
// target 是本次執行的輸出目標；done 單元只有在 target 相同時才會被跳過，
// 否則（例如換了 --format）重新排入佇列。
// 回傳 StatusDone 表示已完成可跳過；StatusPending 表示已排入佇列
func (l *Ledger) Admit(path, target string) (types.UnitStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.admitLocked(path)
	if err != nil {
		return "", err
	}

	if u.Status == types.StatusDone && u.Target != target {
		l.toPendingLocked(u)
	}
	switch u.Status {
	case types.StatusDone:
		return types.StatusDone, nil
	case types.StatusPending:
		u.Target = target
		l.queue = append(l.queue, path)
		return types.StatusPending, nil
	default:
		return "", fmt.Errorf("admit %s: unexpected status %q (PrepareRun not called?)", path, u.Status)
	}
}

// Reject 加入本次執行並直接標記為失敗，不會被派送
func (l *Ledger) Reject(path, target string, kind types.ErrorKind, msg, runID string) (types.WorkUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.admitLocked(path)
	if err != nil {
		return types.WorkUnit{}, err
	}
	if u.Status == types.StatusInProgress {
		return types.WorkUnit{}, fmt.Errorf("reject %s: unit is in progress", path)
	}

	delete(l.done, path)
	u.Status = types.StatusFailed
	u.Target = target
	u.ErrorKind = kind
	u.LastError = msg
	u.RunID = runID
	u.Outputs = nil
	u.Variants = nil
	l.touch(u)
	l.failed[path] = u
	return *u, nil
}

func (l *Ledger) admitLocked(path string) (*types.WorkUnit, error) {
	if l.admitted[path] {
		return nil, ErrDuplicateUnit
	}
	l.admitted[path] = true

	u, exists := l.units[path]
	if !exists {
		u = &types.WorkUnit{Path: path, Status: types.StatusPending}
		l.touch(u)
		l.units[path] = u
	}
	return u, nil
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Claim 取出下一個待處理單元並標記為執行中
//
// 被取出的單元從佇列中移除，其他呼叫者不可能再取得它，
// 直到它透過 Requeue / Release 回到佇列
func (l *Ledger) Claim() (types.WorkUnit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.queue) > 0 {
		path := l.queue[0]
		l.queue = l.queue[1:]

		u := l.units[path]
		if u == nil || u.Status != types.StatusPending {
			continue
		}
		u.Status = types.StatusInProgress
		u.Attempts++
		l.touch(u)
		l.inProgress[path] = u
		return *u, true
	}
	return types.WorkUnit{}, false
}

func (l *Ledger) inProgressLocked(path string) (*types.WorkUnit, error) {
	u, exists := l.units[path]
	if !exists {
		return nil, ErrUnitNotFound
	}
	if u.Status != types.StatusInProgress {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInProgress, path, u.Status)
	}
	return u, nil
}

// MarkDone 所有非排除區段都已寫入
func (l *Ledger) MarkDone(path string, out types.UnitOutputs, runID string) (types.WorkUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.inProgressLocked(path)
	if err != nil {
		return types.WorkUnit{}, err
	}
	u.Status = types.StatusDone
	u.Outputs = append([]string(nil), out.Tiles...)
	u.Variants = append([]string(nil), out.Variants...)
	u.RunID = runID
	u.LastError = ""
	u.ErrorKind = types.KindNone
	l.touch(u)

	delete(l.inProgress, path)
	l.done[path] = u
	return *u, nil
}

// Requeue 可重試的失敗，回到佇列尾端
func (l *Ledger) Requeue(path string, kind types.ErrorKind, msg string) (types.WorkUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.inProgressLocked(path)
	if err != nil {
		return types.WorkUnit{}, err
	}
	u.Status = types.StatusPending
	u.ErrorKind = kind
	u.LastError = msg
	l.touch(u)

	delete(l.inProgress, path)
	l.queue = append(l.queue, path)
	return *u, nil
}

// MarkFailed 終止性失敗（本次執行不再重試）
func (l *Ledger) MarkFailed(path string, kind types.ErrorKind, msg, runID string) (types.WorkUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.inProgressLocked(path)
	if err != nil {
		return types.WorkUnit{}, err
	}
	u.Status = types.StatusFailed
	u.ErrorKind = kind
	u.LastError = msg
	u.RunID = runID
	l.touch(u)

	delete(l.inProgress, path)
	l.failed[path] = u
	return *u, nil
}

// Release 取消時歸還單元，這次嘗試不計數
func (l *Ledger) Release(path string) (types.WorkUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.inProgressLocked(path)
	if err != nil {
		return types.WorkUnit{}, err
	}
	u.Status = types.StatusPending
	if u.Attempts > 0 {
		u.Attempts--
	}
	l.touch(u)

	delete(l.inProgress, path)
	l.queue = append(l.queue, path)
	return *u, nil
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Apply 以完整記錄覆寫單一單元（journal 重放使用）
func (l *Ledger) Apply(u types.WorkUnit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.inProgress, u.Path)
	delete(l.done, u.Path)
	delete(l.failed, u.Path)

	cp := cloneUnit(&u)
	l.units[u.Path] = cp
	l.indexLocked(cp)
}

func (l *Ledger) indexLocked(u *types.WorkUnit) {
	switch u.Status {
	case types.StatusInProgress:
		l.inProgress[u.Path] = u
	case types.StatusDone:
		l.done[u.Path] = u
	case types.StatusFailed:
		l.failed[u.Path] = u
	}
}

// Restore 從快照恢復狀態；佇列保持為空，由 Admit 決定本次要處理哪些
func (l *Ledger) Restore(data types.LedgerData) error {
	if data.SchemaVer != 0 && data.SchemaVer != SchemaVersion {
		return fmt.Errorf("ledger schema version %d is not supported", data.SchemaVer)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.reset()
	for path, u := range data.Units {
		if u == nil {
			continue
		}
		cp := cloneUnit(u)
		if cp.Path == "" {
			cp.Path = path
		}
		l.units[cp.Path] = cp
		l.indexLocked(cp)
	}
	return nil
}

// Snapshot 深拷貝目前狀態
func (l *Ledger) Snapshot() types.LedgerData {
	l.mu.RLock()
	defer l.mu.RUnlock()

	units := make(map[string]*types.WorkUnit, len(l.units))
	for path, u := range l.units {
		units[path] = cloneUnit(u)
	}
	return types.LedgerData{
		Units:     units,
		SchemaVer: SchemaVersion,
	}
}

func cloneUnit(u *types.WorkUnit) *types.WorkUnit {
	cp := *u
	if u.Outputs != nil {
		cp.Outputs = append([]string(nil), u.Outputs...)
	}
	if u.Variants != nil {
		cp.Variants = append([]string(nil), u.Variants...)
	}
	return &cp
}

// ============================================================================
// 查詢方法
// ============================================================================

// Stats 各狀態數量
func (l *Ledger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]int{
		"pending":     len(l.queue),
		"in_progress": len(l.inProgress),
		"done":        len(l.done),
		"failed":      len(l.failed),
		"total":       len(l.units),
	}
}

// PendingCount 佇列中的單元數
func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.queue)
}

// Get 取得單元副本
func (l *Ledger) Get(path string) (types.WorkUnit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.units[path]
	if !ok {
		return types.WorkUnit{}, false
	}
	return *cloneUnit(u), true
}

func (l *Ledger) sortedPathsLocked() []string {
	paths := make([]string, 0, len(l.units))
	for p := range l.units {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
