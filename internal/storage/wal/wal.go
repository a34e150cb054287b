package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 ledger 狀態轉換事件到 journal（append-only, JSON lines）
// 2. 批次寫入：累積 FlushEvery 筆或超過 FlushInterval 才寫盤
// 3. 提供重放功能，配合快照恢復 ledger
// 4. 快照成功後截斷 journal（Rotate）
//
// 容錯規則：
//   - 最後一行寫到一半（沒有換行且無法解析）→ 視為崩潰殘留，忽略
//   - 其他任何無法解析或校驗失敗的行 → 致命錯誤
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
	Truncate(size int64) error
}

// Options WAL 參數
type Options struct {
	FlushEvery    int           // 累積多少筆事件後寫盤
	FlushInterval time.Duration // 距上次寫盤超過多久，下一次 Append 就寫盤
	StartSeq      uint64        // 序號下限（通常是快照的 LastSeq）
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu     sync.Mutex    // 保護並發寫入
	file   FileInterface // WAL 檔案
	seq    uint64        // 當前事件序號
	closed bool

	buffer        []Event // 尚未寫盤的事件
	flushEvery    int
	flushInterval time.Duration
	lastFlushTime time.Time

	now func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案
- 如果檔案已存在，先截掉沒寫完的最後一行，再讀取最後一個事件的 seq 並繼續
- seq 取 max(最後事件 seq, opts.StartSeq)，確保快照之後的事件序號一定更大
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*WAL, error) {
	if err := trimTornTail(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	seq := opts.StartSeq
	if last, err := GetLastEvent(path); err == nil && last.Seq > seq {
		seq = last.Seq
	}

	if opts.FlushEvery < 1 {
		opts.FlushEvery = 1
	}

	return &WAL{
		file:          file,
		seq:           seq,
		buffer:        make([]Event, 0, opts.FlushEvery),
		flushEvery:    opts.FlushEvery,
		flushInterval: opts.FlushInterval,
		lastFlushTime: time.Now(),
		now:           time.Now,
	}, nil
}

// Append 追加一個事件到 WAL
//
// - 自動遞增 seq
// - 計算 checksum
// - 先進 buffer，滿 FlushEvery 筆或距上次寫盤超過 FlushInterval 時寫盤
func (w *WAL) Append(eventType EventType, unit types.WorkUnit) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Unit:      unit,
		Timestamp: w.now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, unit, w.seq)
	w.buffer = append(w.buffer, event)

	needFlush := len(w.buffer) >= w.flushEvery ||
		(w.flushInterval > 0 && w.now().Sub(w.lastFlushTime) >= w.flushInterval)
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush 將 buffer 中的事件寫盤（controller 的定時器呼叫）
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Pending 尚未寫盤的事件數
func (w *WAL) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Rotate 在快照寫入成功後截斷 journal
//
// seq 不歸零：快照記錄的 LastSeq 用來判斷哪些事件已包含在快照中
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	w.lastFlushTime = w.now()
	return nil
}

// Close 寫盤後關閉；關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
// 整批事件一次寫入後 fsync
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		w.lastFlushTime = w.now()
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}

	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.now()
	return nil
}

// trimTornTail 截掉檔尾沒有換行的殘留內容，避免後續追加的事件接在半行後面
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	return os.Truncate(path, int64(keep))
}

// ============================================================================
// 檔案層級的讀取
// ============================================================================

// Replay 逐行讀取 path，驗證校驗和後把 seq > afterSeq 的事件交給 handler
//
// 檔案不存在視為空 journal
func Replay(path string, afterSeq uint64, handler EventHandler) (ReplayStats, error) {
	var st ReplayStats

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	line := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) == 0 && errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return st, readErr
		}
		line++
		lineOffset := offset
		offset += int64(len(raw))

		complete := bytes.HasSuffix(raw, []byte("\n"))
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			if !complete {
				break
			}
			continue
		}

		var event Event
		if err := json.Unmarshal(trimmed, &event); err != nil {
			if !complete {
				// 最後一行沒寫完：崩潰殘留
				st.TornTail = true
				break
			}
			return st, &CorruptionError{Line: line, Offset: lineOffset, Cause: err}
		}

		if !VerifyChecksum(event) {
			return st, &ChecksumError{
				Seq:      event.Seq,
				Line:     line,
				Expected: CalculateChecksum(event.Type, event.Unit, event.Seq),
				Actual:   event.Checksum,
			}
		}

		if event.Seq > st.LastSeq {
			st.LastSeq = event.Seq
		}
		if event.Seq <= afterSeq {
			st.Skipped++
		} else {
			if err := handler(event); err != nil {
				return st, err
			}
			st.Applied++
		}

		if !complete {
			break
		}
	}

	return st, nil
}
