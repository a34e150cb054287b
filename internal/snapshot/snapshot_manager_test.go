package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tilesplit/pkg/types"
)

func sampleData(lastSeq uint64) types.LedgerData {
	return types.LedgerData{
		Units: map[string]*types.WorkUnit{
			"/img/a.jpg": {
				Path:   "/img/a.jpg",
				Status: types.StatusPending,
			},
			"/img/b.jpg": {
				Path:     "/img/b.jpg",
				Status:   types.StatusInProgress,
				Attempts: 1,
			},
			"/img/c.jpg": {
				Path:     "/img/c.jpg",
				Status:   types.StatusDone,
				Attempts: 1,
				Outputs:  []string{"/out/instagram_square/c_001.jpg", "/out/instagram_square/c_002.jpg"},
				RunID:    "run-1",
			},
		},
		SchemaVer: SchemaVersion,
		LastSeq:   lastSeq,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("ledger.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "ledger.json", manager.path)
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "ledger.json")
	manager := NewManager(snapshotPath)

	original := sampleData(100)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.False(t, loaded.SavedAt.IsZero())
	require.Len(t, loaded.Units, len(original.Units))

	for path, want := range original.Units {
		got, ok := loaded.Units[path]
		require.True(t, ok, "unit %s should exist", path)
		assert.Equal(t, path, got.Path)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Attempts, got.Attempts)
		assert.Equal(t, want.Outputs, got.Outputs)
	}
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "ledger.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(sampleData(50)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData(100)))
	}()

	var loaded types.LedgerData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not survive a write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "ledger.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.LedgerData{}))
	assert.True(t, manager.Exists())
}

// TestNonUTF8PathRoundTrip 非 UTF-8 路徑寫入快照後原樣讀回
func TestNonUTF8PathRoundTrip(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "ledger.json"))
	src := "/src/caf\xe9.jpg"
	other := "/src/caf\xe8.jpg" // 換成 U+FFFD 後與 src 相同

	require.NoError(t, manager.Write(types.LedgerData{
		SchemaVer: SchemaVersion,
		Units: map[string]*types.WorkUnit{
			src:   {Path: src, Status: types.StatusDone, Outputs: []string{"/out/caf\xe9_001.jpg"}},
			other: {Path: other, Status: types.StatusPending},
		},
	}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Units, 2)
	assert.Contains(t, loaded.Units, other)
	u, ok := loaded.Units[src]
	require.True(t, ok, "unit must be keyed by its raw path")
	assert.Equal(t, src, u.Path)
	assert.Equal(t, []string{"/out/caf\xe9_001.jpg"}, u.Outputs)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstRun 測試首次執行（無快照）
func TestFirstRun(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Units)
	assert.Empty(t, loaded.Units)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "ledger.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(map[string]any{"units": map[string]any{}, "schema_ver": 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"units": {"/a.jpg": {"status": "pending"`},
		{"null unit", `{"units": {"/a.jpg": null}, "schema_ver": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshotPath := filepath.Join(t.TempDir(), "ledger.json")
			require.NoError(t, os.WriteFile(snapshotPath, []byte(tt.content), 0644))

			_, err := NewManager(snapshotPath).Load()
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
		})
	}
}

// TestWriteFailure 測試寫入失敗（父路徑是檔案）
func TestWriteFailure(t *testing.T) {
	tempDir := t.TempDir()
	blocker := filepath.Join(tempDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	manager := NewManager(filepath.Join(blocker, "ledger.json"))
	assert.Error(t, manager.Write(sampleData(1)))
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "ledger.json"))

	large := types.LedgerData{
		Units:   make(map[string]*types.WorkUnit),
		LastSeq: 10000,
	}
	for i := 0; i < 5000; i++ {
		path := fmt.Sprintf("/batch/%05d.jpg", i)
		large.Units[path] = &types.WorkUnit{
			Path:     path,
			Status:   types.StatusDone,
			Attempts: 1 + i%3,
			Outputs:  []string{path + "_001.jpg", path + "_002.jpg"},
		}
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	t.Logf("Write duration for 5000 units: %v", time.Since(start))

	start = time.Now()
	loaded, err := manager.Load()
	require.NoError(t, err)
	t.Logf("Load duration for 5000 units: %v", time.Since(start))

	assert.Len(t, loaded.Units, len(large.Units))
	assert.Equal(t, large.LastSeq, loaded.LastSeq)
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "ledger.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(uint64(index))))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Len(t, loaded.Units, 3)
}

// ============================================================================
// Benchmark 測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "ledger.json"))
	data := sampleData(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}

func BenchmarkLoad(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "ledger.json"))
	_ = manager.Write(sampleData(100))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.Load()
	}
}
