// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package packets

import (
	"bytes"
)

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Remaining int  `json:"remaining"` // the number of remaining bytes in the payload.
	Type      byte `json:"type"`      // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Qos       byte `json:"qos"`       // indicates the quality of service expected.
	Dup       bool `json:"dup"`       // indicates if the packet was already sent at an earlier time.
	Retain    bool `json:"retain"`    // whether the message should be retained.
}

// Encode encodes the FixedHeader and returns a bytes buffer.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | fh.Qos<<1 | encodeBool(fh.Retain))
	encodeLength(buf, int64(fh.Remaining))
}

// Decode extracts the specification bits from the header byte.
func (fh *FixedHeader) Decode(hb byte) error {
	fh.Type = hb >> 4 // Get the message type from the first 4 bytes.

	switch fh.Type {
	case Publish:
		if (hb>>1)&0x03 > 2 { // [MQTT-3.3.1-4]
			return ErrProtocolViolation
		}

		fh.Dup = (hb>>3)&0x01 > 0 // is duplicate
		fh.Qos = (hb >> 1) & 0x03 // qos flag
		fh.Retain = hb&0x01 > 0   // retain flag
	case Pubrel, Subscribe, Unsubscribe:
		if (hb>>0)&0x0f != 0x02 { // [MQTT-3.6.1-1] [MQTT-3.8.1-1] [MQTT-3.10.1-1]
			return ErrInvalidFlags
		}

		fh.Qos = (hb >> 1) & 0x03
	default:
		if (hb>>3)&0x01 > 0 || (hb>>1)&0x03 > 0 || hb&0x01 > 0 { // [MQTT-2.2.2-2]
			return ErrInvalidFlags
		}
	}

	return nil
}

// encodeLength writes length bits for the header.
func encodeLength(buf *bytes.Buffer, length int64) {
	// 2.2.3 Remaining Length encode non-normative
	for {
		eb := byte(length % 128)
		length /= 128
		if length > 0 {
			eb |= 0x80
		}
		buf.WriteByte(eb)
		if length == 0 {
			break // [MQTT-2.2.3-1]
		}
	}
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}
