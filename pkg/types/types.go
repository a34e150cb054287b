// Package types 定義了 tilesplit 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// UnitStatus 工作單元狀態
type UnitStatus string

// 定義工作單元狀態常數
const (
	StatusPending    UnitStatus = "pending"     // 待處理：已掃描但尚未被 worker 領取
	StatusInProgress UnitStatus = "in_progress" // 執行中：已被某個 worker 獨占領取
	StatusDone       UnitStatus = "done"        // 完成：所有非排除的 tile 都已寫入
	StatusFailed     UnitStatus = "failed"      // 失敗：重試預算耗盡或不可重試的錯誤
)

// ErrorKind 錯誤分類，寫入 ledger 與報告
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindConfig      ErrorKind = "config"
	KindDecode      ErrorKind = "decode"
	KindBoundary    ErrorKind = "boundary"
	KindCropBounds  ErrorKind = "crop-bounds"
	KindEncode      ErrorKind = "encode"
	KindIO          ErrorKind = "io"
	KindTimeout     ErrorKind = "timeout"
	KindInterrupted ErrorKind = "interrupted"
	KindCollision   ErrorKind = "output-collision" // 與另一個來源寫到同一組 tile 檔名
)

// Axis 分割方向
type Axis string

const (
	AxisVertical   Axis = "vertical"   // 沿高度方向切（直向長圖）
	AxisHorizontal Axis = "horizontal" // 沿寬度方向切
)

// Dimensions 來源圖片的像素尺寸
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Length 回傳指定方向上的長度
func (d Dimensions) Length(axis Axis) int {
	if axis == AxisHorizontal {
		return d.Width
	}
	return d.Height
}

// Cross 回傳與分割方向垂直的長度
func (d Dimensions) Cross(axis Axis) int {
	if axis == AxisHorizontal {
		return d.Height
	}
	return d.Width
}

// BoundaryList 分割邊界，嚴格遞增，首元素為 0，末元素為圖片長度
type BoundaryList []int

// Segment 兩個相鄰邊界之間的區段，對應一張輸出 tile
type Segment struct {
	Index   int    `json:"index"`            // 1 起算的區段位置
	Start   int    `json:"start"`            // 起始偏移（含）
	End     int    `json:"end"`              // 結束偏移（不含）
	Exclude bool   `json:"exclude"`          // 排除的區段不產生 tile
	Width   int    `json:"width,omitempty"`  // 覆寫輸出寬度（0 = 使用預設）
	Height  int    `json:"height,omitempty"` // 覆寫輸出高度（0 = 使用預設）
	Suffix  string `json:"suffix,omitempty"` // 額外輸出一份帶後綴的檔案
}

// Len 區段長度
func (s Segment) Len() int {
	return s.End - s.Start
}

// WorkUnit 工作單元：一張來源圖片的完整分割任務，也是進度追蹤的最小單位
type WorkUnit struct {
	// 識別
	Path   string `json:"path"`             // 來源圖片絕對路徑
	Target string `json:"target,omitempty"` // 輸出目標（格式、目錄與設定指紋），不同目標的 done 不可沿用

	// 狀態追蹤
	Status    UnitStatus `json:"status"`
	Attempts  int        `json:"attempts"`             // 本次執行中已嘗試的次數
	LastError string     `json:"last_error,omitempty"` // 最後一次錯誤訊息
	ErrorKind ErrorKind  `json:"error_kind,omitempty"` // 最後一次錯誤分類

	// 產出
	Outputs  []string `json:"outputs,omitempty"`  // 已寫入的 tile 路徑，每個非排除區段一張
	Variants []string `json:"variants,omitempty"` // 區段後綴副本，不計入 tile 數
	RunID    string   `json:"run_id,omitempty"`   // 完成或失敗時所屬的執行 ID

	// 時間（Unix 毫秒）
	UpdatedAt int64 `json:"updated_at"`
}

// Files 單元寫出的所有檔案（tile + 後綴副本）
func (u WorkUnit) Files() []string {
	files := make([]string, 0, len(u.Outputs)+len(u.Variants))
	files = append(files, u.Outputs...)
	return append(files, u.Variants...)
}

// workUnitJSON 沒有方法的別名，避免 MarshalJSON 遞迴
type workUnitJSON WorkUnit

// workUnitWire 持久化格式
//
// encoding/json 會把非 UTF-8 字串換成 U+FFFD；Linux 檔名可以是任意位元組，
// 這種路徑另外以 base64 保存原始位元組，讀回時優先使用。
type workUnitWire struct {
	workUnitJSON
	PathRaw     []byte   `json:"path_raw,omitempty"`
	OutputsRaw  [][]byte `json:"outputs_raw,omitempty"`
	VariantsRaw [][]byte `json:"variants_raw,omitempty"`
}

// MarshalJSON 無損保存非 UTF-8 路徑
func (u WorkUnit) MarshalJSON() ([]byte, error) {
	w := workUnitWire{workUnitJSON: workUnitJSON(u)}
	if !utf8.ValidString(u.Path) {
		w.PathRaw = []byte(u.Path)
	}
	w.OutputsRaw = rawIfInvalid(u.Outputs)
	w.VariantsRaw = rawIfInvalid(u.Variants)
	return json.Marshal(w)
}

// UnmarshalJSON 還原 MarshalJSON 保存的原始路徑
func (u *WorkUnit) UnmarshalJSON(data []byte) error {
	var w workUnitWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = WorkUnit(w.workUnitJSON)
	if w.PathRaw != nil {
		u.Path = string(w.PathRaw)
	}
	if w.OutputsRaw != nil {
		u.Outputs = fromRaw(w.OutputsRaw)
	}
	if w.VariantsRaw != nil {
		u.Variants = fromRaw(w.VariantsRaw)
	}
	return nil
}

func rawIfInvalid(paths []string) [][]byte {
	for _, p := range paths {
		if !utf8.ValidString(p) {
			raw := make([][]byte, len(paths))
			for i, q := range paths {
				raw[i] = []byte(q)
			}
			return raw
		}
	}
	return nil
}

func fromRaw(raw [][]byte) []string {
	paths := make([]string, len(raw))
	for i, b := range raw {
		paths[i] = string(b)
	}
	return paths
}

// UnitOutputs executor 回傳的檔案清單
type UnitOutputs struct {
	Tiles    []string // 每個非排除區段一張
	Variants []string // 區段後綴副本
}

// LedgerData ledger 的持久化投影，用於快照與恢復
type LedgerData struct {
	Units     map[string]*WorkUnit `json:"units"`      // source path → 工作單元
	SchemaVer int                  `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64               `json:"last_seq"`   // 快照涵蓋的最後 journal 序號
	SavedAt   time.Time            `json:"saved_at"`
}

// FailureEntry 報告中的單筆失敗
type FailureEntry struct {
	Path     string    `json:"path"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
}

// BatchReport 批次處理報告，產生後不再修改
type BatchReport struct {
	RunID       string    `json:"run_id"`
	Format      string    `json:"format"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Interrupted bool      `json:"interrupted"`

	TotalScanned      int `json:"total_scanned"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Skipped           int `json:"skipped"`
	Pending           int `json:"pending"`
	TotalTilesWritten int `json:"total_tiles_written"`
	VariantsWritten   int `json:"variants_written"` // 區段後綴副本，不計入 tile 數

	Failures        []FailureEntry    `json:"failures"`
	ErrorAnalysis   map[ErrorKind]int `json:"error_analysis"`
	SplitStatistics map[int]int       `json:"split_statistics"`
}
