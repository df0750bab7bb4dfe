// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CRCError reports a checksum mismatch on a received wire word. The
// reading it belongs to must be discarded; it is never corrected.
type CRCError struct {
	// Expected is the checksum computed over the two data bytes.
	Expected byte
	// Actual is the checksum byte received on the wire.
	Actual byte
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("crc mismatch: computed 0x%02x, received 0x%02x", e.Expected, e.Actual)
}

// PackWord encodes a 16-bit value as the 3-byte unit used on the wire:
// two big-endian data bytes followed by their CRC8.
func PackWord(value uint16) []byte {
	b := make([]byte, 3)
	binary.BigEndian.PutUint16(b, value)
	b[2] = CRC8(b[:2])
	return b
}

// UnpackWord validates the checksum of a 3-byte wire unit and returns the
// 16-bit value carried in its first two bytes.
func UnpackWord(b []byte) (uint16, error) {
	data, err := UnpackBytes(b)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

// UnpackBytes validates the checksum of a 3-byte wire unit and returns the
// two raw data bytes. Use this instead of UnpackWord when the bytes are a
// fragment of a larger value rather than a standalone integer.
func UnpackBytes(b []byte) ([]byte, error) {
	if len(b) != 3 {
		return nil, fmt.Errorf("wire word must be 3 bytes, got %d", len(b))
	}
	if crc := CRC8(b[:2]); crc != b[2] {
		return nil, &CRCError{Expected: crc, Actual: b[2]}
	}
	return b[:2], nil
}

// UnpackFloat reassembles an IEEE-754 binary32 value from two CRC
// protected wire words, high half first. Both halves must pass their
// checksum; a failure in either invalidates the whole float. The bit
// pattern itself is not range checked, so NaN and Inf pass through.
func UnpackFloat(high, low []byte) (float32, error) {
	h, err := UnpackBytes(high)
	if err != nil {
		return 0, err
	}
	l, err := UnpackBytes(low)
	if err != nil {
		return 0, err
	}
	bits := uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(l[0])<<8 | uint32(l[1])
	return math.Float32frombits(bits), nil
}
