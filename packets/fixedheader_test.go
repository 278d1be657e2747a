// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedHeaderEncode(t *testing.T) {
	fh := FixedHeader{Type: Publish, Dup: true, Qos: 1, Retain: true, Remaining: 10}
	buf := new(bytes.Buffer)
	fh.Encode(buf)
	require.Equal(t, []byte{Publish<<4 | 1<<3 | 1<<1 | 1, 10}, buf.Bytes())
}

func TestFixedHeaderEncodeLongLength(t *testing.T) {
	fh := FixedHeader{Type: Publish, Remaining: 321}
	buf := new(bytes.Buffer)
	fh.Encode(buf)
	require.Equal(t, []byte{Publish << 4, 193, 2}, buf.Bytes())
}

func TestFixedHeaderDecode(t *testing.T) {
	var fh FixedHeader
	err := fh.Decode(Publish<<4 | 1<<3 | 2<<1 | 1)
	require.NoError(t, err)
	require.Equal(t, FixedHeader{Type: Publish, Dup: true, Qos: 2, Retain: true}, fh)
}

func TestFixedHeaderDecodeInvalidPublishQos(t *testing.T) {
	var fh FixedHeader
	err := fh.Decode(Publish<<4 | 3<<1)
	require.Error(t, err)
}

func TestFixedHeaderDecodeReservedFlags(t *testing.T) {
	var fh FixedHeader
	err := fh.Decode(Connack<<4 | 0x01)
	require.ErrorIs(t, err, ErrInvalidFlags)

	err = fh.Decode(Subscribe<<4 | 0x01) // subscribe requires flags 0b0010
	require.ErrorIs(t, err, ErrInvalidFlags)

	err = fh.Decode(Subscribe<<4 | 0x02)
	require.NoError(t, err)
}
