// Package codec delta-encodes sorted play timestamps into compact binary blobs.
//
// Layout: 8-byte big-endian first timestamp (milliseconds since epoch),
// 4-byte big-endian count, then count-1 4-byte deltas in whole seconds.
// Sub-second precision is dropped; source timestamps are second-granular.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 12 // first timestamp (8) + count (4)
	deltaSize  = 4
)

// ErrMalformed is returned when a blob's length disagrees with its header.
var ErrMalformed = errors.New("malformed timestamp blob")

// Encode packs a sorted slice of millisecond timestamps into a blob.
// An empty slice encodes to an empty blob.
func Encode(timestamps []int64) []byte {
	if len(timestamps) == 0 {
		return []byte{}
	}

	buf := make([]byte, headerSize+(len(timestamps)-1)*deltaSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(timestamps[0]))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(timestamps)))

	prev := timestamps[0]
	for i, ts := range timestamps[1:] {
		deltaSec := (ts - prev) / 1000
		binary.BigEndian.PutUint32(buf[headerSize+i*deltaSize:], uint32(deltaSec))
		prev = ts
	}
	return buf
}

// Decode unpacks a blob produced by Encode back into millisecond timestamps.
// An empty blob decodes to an empty slice.
func Decode(blob []byte) ([]int64, error) {
	if len(blob) == 0 {
		return []int64{}, nil
	}
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(blob))
	}

	first := int64(binary.BigEndian.Uint64(blob[0:8]))
	count := int(binary.BigEndian.Uint32(blob[8:12]))
	if count < 1 || len(blob) != headerSize+(count-1)*deltaSize {
		return nil, fmt.Errorf("%w: count %d for %d bytes", ErrMalformed, count, len(blob))
	}

	timestamps := make([]int64, count)
	timestamps[0] = first
	for i := 1; i < count; i++ {
		deltaSec := int64(binary.BigEndian.Uint32(blob[headerSize+(i-1)*deltaSize:]))
		timestamps[i] = timestamps[i-1] + deltaSec*1000
	}
	return timestamps, nil
}
