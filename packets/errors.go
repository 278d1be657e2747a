// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package packets

import "errors"

var (
	ErrMalformedProtocolName    = errors.New("malformed packet: protocol name")
	ErrMalformedProtocolVersion = errors.New("malformed packet: protocol version")
	ErrMalformedFlags           = errors.New("malformed packet: flags")
	ErrMalformedKeepalive       = errors.New("malformed packet: keepalive")
	ErrMalformedClientID        = errors.New("malformed packet: client id")
	ErrMalformedWillTopic       = errors.New("malformed packet: will topic")
	ErrMalformedWillPayload     = errors.New("malformed packet: will payload")
	ErrMalformedUsername        = errors.New("malformed packet: username")
	ErrMalformedPassword        = errors.New("malformed packet: password")
	ErrMalformedTopic           = errors.New("malformed packet: topic")
	ErrMalformedPacketID        = errors.New("malformed packet: packet id")
	ErrMalformedLength          = errors.New("malformed packet: remaining length")
	ErrMalformedSessionPresent  = errors.New("malformed packet: session present")
	ErrMalformedReturnCode      = errors.New("malformed packet: return code")
	ErrInvalidFlags             = errors.New("invalid fixed header flags")
	ErrProtocolViolation        = errors.New("protocol violation")
	ErrNoValidPacketAvailable   = errors.New("no valid packet available")
)
