package protocol

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Segment files are a sequence of framed transactions:
//
//	txid     uint64 big-endian
//	length   uint32 big-endian
//	checksum uint64 big-endian (xxhash64 of the payload)
//	payload  length bytes
//
// Txids are strictly consecutive within a segment. The framing is part of the
// wire contract: peers fetch raw segment bytes over HTTP during recovery and
// must be able to validate them.

const recordHeaderLen = 8 + 4 + 8

// ErrRecordGap is returned by ScanRecords when record txids are not strictly
// consecutive.
var ErrRecordGap = errors.New("record txids are not consecutive")

// AppendRecord appends one framed transaction to buf and returns the extended
// slice.
func AppendRecord(buf []byte, txid uint64, payload []byte) []byte {
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], txid)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint64(hdr[12:20], xxhash.Sum64(payload))
	buf = append(buf, hdr[:]...)
	return append(buf, payload...)
}

// ScanRecords walks the framed records in data, invoking fn for each valid
// record in order. Scanning stops at the first torn or corrupt frame; the
// returned length is the size of the valid prefix. A non-consecutive txid
// returns ErrRecordGap, and any error from fn aborts the scan.
func ScanRecords(data []byte, fn func(txid uint64, payload []byte) error) (int, error) {
	var (
		valid    int
		lastTxID uint64
		first    = true
	)
	for len(data)-valid >= recordHeaderLen {
		var (
			txid   = binary.BigEndian.Uint64(data[valid : valid+8])
			length = binary.BigEndian.Uint32(data[valid+8 : valid+12])
			sum    = binary.BigEndian.Uint64(data[valid+12 : valid+20])
		)
		end := valid + recordHeaderLen + int(length)
		if end > len(data) {
			// Torn tail from an interrupted write.
			break
		}
		payload := data[valid+recordHeaderLen : end]
		if xxhash.Sum64(payload) != sum {
			break
		}
		if !first && txid != lastTxID+1 {
			return valid, ErrRecordGap
		}
		if fn != nil {
			if err := fn(txid, payload); err != nil {
				return valid, err
			}
		}
		first = false
		lastTxID = txid
		valid = end
	}
	return valid, nil
}

// CountRecords returns the first and last txid and the number of records in
// the valid prefix of data. ok is false if data holds no complete record.
func CountRecords(data []byte) (firstTxID, lastTxID uint64, count int, ok bool) {
	_, err := ScanRecords(data, func(txid uint64, _ []byte) error {
		if count == 0 {
			firstTxID = txid
		}
		lastTxID = txid
		count++
		return nil
	})
	if err != nil || count == 0 {
		return 0, 0, 0, false
	}
	return firstTxID, lastTxID, count, true
}
