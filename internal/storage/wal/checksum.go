package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// Checksum 計算紀錄的 CRC32-IEEE 校驗和
//
// 以 Checksum 欄位歸零後的 JSON 編碼計算，涵蓋 Job 內容與 Timestamp
func Checksum(rec Record) (uint32, error) {
	rec.Checksum = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// Verify 驗證紀錄的校驗和是否正確
func Verify(rec Record) error {
	expected, err := Checksum(rec)
	if err != nil {
		return err
	}
	if expected != rec.Checksum {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
