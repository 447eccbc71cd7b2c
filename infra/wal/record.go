package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// Frame layout, big endian:
//
//	[type:1][seq:8][time:8][len:4][payload][crc:4]
//
// The checksum covers header and payload.
const (
	headerSize  = 1 + 8 + 8 + 4
	trailerSize = 4
	// maxRecordSize bounds the length field; anything larger is treated
	// as a torn frame.
	maxRecordSize = 16 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one journaled command. Seq is assigned by Append.
type Record struct {
	Type uint8
	Seq  uint64
	Time int64
	Data []byte
}

func appendFrame(b []byte, r *Record) []byte {
	var h [headerSize]byte
	h[0] = r.Type
	binary.BigEndian.PutUint64(h[1:9], r.Seq)
	binary.BigEndian.PutUint64(h[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(h[17:21], uint32(len(r.Data)))

	start := len(b)
	b = append(b, h[:]...)
	b = append(b, r.Data...)
	return binary.BigEndian.AppendUint32(b, crc32.Checksum(b[start:], castagnoli))
}

func parseHeader(h []byte) (typ uint8, seq uint64, at int64, size uint32) {
	return h[0], binary.BigEndian.Uint64(h[1:9]), int64(binary.BigEndian.Uint64(h[9:17])), binary.BigEndian.Uint32(h[17:21])
}
