// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package packets

import (
	"encoding/binary"
	"io"
	"unicode/utf8"
	"unsafe"
)

// bytesToString provides a zero-alloc no-copy byte to string conversion.
// via https://github.com/golang/go/issues/25484#issuecomment-391415660
func bytesToString(bs []byte) string {
	return *(*string)(unsafe.Pointer(&bs))
}

// decodeUint16 extracts the value of two bytes from a byte array.
func decodeUint16(buf []byte, offset int) (uint16, int, error) {
	if len(buf) < offset+2 {
		return 0, 0, ErrMalformedLength
	}

	return binary.BigEndian.Uint16(buf[offset : offset+2]), offset + 2, nil
}

// decodeString extracts a string from a byte array, beginning at an offset.
func decodeString(buf []byte, offset int) (string, int, error) {
	b, n, err := decodeBytes(buf, offset)
	if err != nil {
		return "", 0, err
	}

	if !validUTF8(b) { // [MQTT-1.5.3-1] [MQTT-1.5.3-2]
		return "", 0, ErrMalformedTopic
	}

	return bytesToString(b), n, nil
}

// validUTF8 checks if the byte array contains valid UTF-8 characters, specifically
// conforming to the MQTT specification requirements.
func validUTF8(b []byte) bool {
	// [MQTT-1.5.3-1] [MQTT-1.5.3-2]
	return utf8.Valid(b) && !containsRune(b, 0x00)
}

func containsRune(b []byte, r rune) bool {
	for _, v := range string(b) {
		if v == r {
			return true
		}
	}
	return false
}

// decodeBytes extracts a byte array from a byte array, beginning at an offset. Used primarily for message payloads.
func decodeBytes(buf []byte, offset int) ([]byte, int, error) {
	length, next, err := decodeUint16(buf, offset)
	if err != nil {
		return make([]byte, 0), 0, err
	}

	if next+int(length) > len(buf) {
		return make([]byte, 0), 0, ErrMalformedLength
	}

	return buf[next : next+int(length)], next + int(length), nil
}

// decodeByte extracts the value of a byte from a byte array.
func decodeByte(buf []byte, offset int) (byte, int, error) {
	if len(buf) <= offset {
		return 0, 0, ErrMalformedLength
	}
	return buf[offset], offset + 1, nil
}

// decodeByteBool extracts the value of a byte from a byte array and returns a bool.
func decodeByteBool(buf []byte, offset int) (bool, int, error) {
	if len(buf) <= offset {
		return false, 0, ErrMalformedLength
	}
	return 1&buf[offset] > 0, offset + 1, nil
}

// encodeBytes encodes a byte array to a byte array. Used primarily for message payloads.
func encodeBytes(val []byte) []byte {
	// [MQTT-1.5.3-1]
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(val)))
	return append(buf, val...)
}

// encodeUint16 encodes a uint16 value to a byte array.
func encodeUint16(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

// encodeString encodes a string to a byte array.
func encodeString(val string) []byte {
	// [MQTT-1.5.3-1]
	return encodeBytes([]byte(val))
}

// DecodeLength reads a variable byte integer remaining-length value from a reader.
func DecodeLength(b io.ByteReader) (n int, bu int, err error) {
	mul := 1
	for i := 0; i < 4; i++ {
		eb, err := b.ReadByte()
		if err != nil {
			return 0, 0, err
		}

		bu++
		n += int(eb&0x7f) * mul
		if eb&0x80 == 0 {
			return n, bu, nil
		}

		mul *= 0x80
	}

	return 0, bu, ErrMalformedLength // [MQTT-2.2.3-1]
}
