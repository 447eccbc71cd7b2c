package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// segmentInfo is what a full read of one segment found.
type segmentInfo struct {
	maxSeq uint64
	// valid is the length of the prefix made of whole, checksummed frames.
	valid int64
	torn  bool
}

// readSegment reads every frame of path in order, calling fn for each
// intact one. A short or corrupt frame ends the read and marks the
// segment torn at that point.
func readSegment(path string, fn func(*Record) error) (segmentInfo, error) {
	var info segmentInfo
	f, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		header [headerSize]byte
		frame  []byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return info, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				info.torn = true
				return info, nil
			}
			return info, err
		}
		typ, seq, at, size := parseHeader(header[:])

		if size > maxRecordSize {
			info.torn = true
			return info, nil
		}
		need := headerSize + int(size) + trailerSize
		if cap(frame) < need {
			frame = make([]byte, need)
		}
		frame = frame[:need]
		copy(frame, header[:])
		if _, err := io.ReadFull(r, frame[headerSize:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				info.torn = true
				return info, nil
			}
			return info, err
		}
		body := frame[:headerSize+int(size)]
		if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(frame[len(body):]) {
			info.torn = true
			return info, nil
		}

		info.valid += int64(len(frame))
		info.maxSeq = max(info.maxSeq, seq)
		if fn != nil {
			rec := Record{Type: typ, Seq: seq, Time: at, Data: frame[headerSize:len(body)]}
			if err := fn(&rec); err != nil {
				return info, fmt.Errorf("wal: record %d: %w", seq, err)
			}
		}
	}
}
