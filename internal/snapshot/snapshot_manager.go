package snapshot

// ============================================================================
// 職責說明：
// 1. 將 ledger 完整狀態序列化為 JSON 快照檔（--resume 指定的路徑）
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 WAL：快照記錄 LastSeq，寫入成功後 journal 即可截斷
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ChuLiYu/tilesplit/internal/fsutil"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 1. 寫入同目錄的臨時檔案並 fsync
// 2. os.Rename 原子性替換原始檔案
//
// 崩潰時磁碟上只會有舊快照或新快照，不會有半份檔案
func (m *Manager) Write(data types.LedgerData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = time.Now().UTC()
	}
	data.Units = wireKeys(data.Units)

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := fsutil.WriteFileAtomic(m.path, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
//   - 檔案不存在 → 回傳空的 LedgerData（首次執行）
//   - JSON 無法解析 → ErrCorruptedSnapshot
//   - 版本不符 → ErrIncompatibleVersion
func (m *Manager) Load() (types.LedgerData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.LedgerData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.LedgerData{
				Units:     make(map[string]*types.WorkUnit),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	// map key 是 JSON 字串，非 UTF-8 路徑會被改寫；以單元本身的 Path 為準
	units := make(map[string]*types.WorkUnit, len(data.Units))
	for key, u := range data.Units {
		if u == nil {
			return data, fmt.Errorf("%w: unit %q is null", ErrCorruptedSnapshot, key)
		}
		if u.Path == "" {
			u.Path = key
		}
		units[u.Path] = u
	}
	data.Units = units

	return data, nil
}

// wireKeys 把非 UTF-8 的 key 改成 ASCII 跳脫形式，避免不同路徑
// 在 JSON 中變成同一個 key；原始路徑保存在單元內，Load 依它重建
func wireKeys(units map[string]*types.WorkUnit) map[string]*types.WorkUnit {
	out := make(map[string]*types.WorkUnit, len(units))
	for key, u := range units {
		if !utf8.ValidString(key) {
			key = strconv.QuoteToASCII(key)
		}
		out[key] = u
	}
	return out
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
