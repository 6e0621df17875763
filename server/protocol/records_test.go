package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Ensure framed records scan back in order and a torn tail is ignored.
func TestScanRecordsTornTail(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, 7, []byte("alpha"))
	buf = AppendRecord(buf, 8, []byte("beta"))
	whole := len(buf)
	buf = append(buf, 0xde, 0xad, 0xbe)

	var got []uint64
	valid, err := ScanRecords(buf, func(txid uint64, payload []byte) error {
		got = append(got, txid)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, whole, valid)
	require.Equal(t, []uint64{7, 8}, got)
}

// Ensure a corrupted payload stops the scan at the last good record.
func TestScanRecordsCorruptPayload(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, 1, []byte("good"))
	prefix := len(buf)
	buf = AppendRecord(buf, 2, []byte("flipped"))
	buf[len(buf)-1] ^= 0xff

	valid, err := ScanRecords(buf, nil)
	require.NoError(t, err)
	require.Equal(t, prefix, valid)
}

// Ensure a txid gap is reported as corruption rather than skipped.
func TestScanRecordsGap(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, 1, []byte("a"))
	buf = AppendRecord(buf, 3, []byte("c"))

	_, err := ScanRecords(buf, nil)
	require.ErrorIs(t, err, ErrRecordGap)

	_, _, _, ok := CountRecords(buf)
	require.False(t, ok)
}

// Ensure canonical segment file names are zero-padded to 19 digits.
func TestSegmentFileNames(t *testing.T) {
	require.Equal(t, "edits_0000000000000000001-0000000000000000003", SegmentFileName(1, 3))
	require.Equal(t, "edits_inprogress_0000000000000000001", InProgressFileName(1))
	seg := SegmentState{StartTxID: 1, EndTxID: 3}
	require.Equal(t, SegmentFileName(1, 3), seg.FileName())
	seg.InProgress = true
	require.Equal(t, InProgressFileName(1), seg.FileName())
}
