package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：seq（8 bytes big endian）+ 事件類型 + unit 的 JSON 編碼
// 不包含 Timestamp
func CalculateChecksum(eventType EventType, unit types.WorkUnit, seq uint64) uint32 {
	h := crc32.NewIEEE()

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write([]byte(eventType))

	// WorkUnit 只含基本型別，Marshal 不會失敗
	unitBytes, _ := json.Marshal(unit)
	h.Write(unitBytes)

	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.Unit, event.Seq)
}
