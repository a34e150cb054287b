package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 status 指令與 Open 使用的唯讀輔助功能
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 用途：
// - Open 時需要取得 last_seq 以繼續編號
// - status 指令顯示最後一次狀態轉換
//
// 回傳 ErrEmptyWAL 表示檔案不存在或沒有任何事件
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, err := Replay(path, 0, func(event Event) error {
		ev := event
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]（Unix 毫秒）
	TornTail    bool              // 檔尾有未寫完的事件
}

// GetWALStats 掃描整個 WAL 並收集統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}

	st, err := Replay(path, 0, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.LastSeq = st.LastSeq
	stats.TornTail = st.TornTail
	return stats, nil
}
