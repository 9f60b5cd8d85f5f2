package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證死信紀錄的 CRC32 校驗和
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 使用 Seq + ActionID + Reason + Payload 計算，不包含寫入時間。
// Payload 先壓縮空白，因為 encoding/json 寫出 RawMessage 時也會壓縮
func CalculateChecksum(entry Entry) uint32 {
	payload := entry.Payload
	var compact bytes.Buffer
	if len(payload) > 0 && json.Compact(&compact, payload) == nil {
		payload = compact.Bytes()
	}

	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(entry.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(entry.ActionID))
	h.Write([]byte{0})
	h.Write([]byte(entry.Reason))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(entry Entry) bool {
	return entry.Checksum == CalculateChecksum(entry)
}
