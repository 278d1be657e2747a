// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package packets contains the MQTT 3.1.1 control packet codec: the Packet
// value type, fixed header framing, and the encoders, decoders and validators
// for each packet type.
package packets

// All of the valid packet types and their packet identifier.
const (
	Reserved    byte = iota // 0 - reserved; not a valid packet type.
	Connect                 // 1
	Connack                 // 2
	Publish                 // 3
	Puback                  // 4
	Pubrec                  // 5
	Pubrel                  // 6
	Pubcomp                 // 7
	Subscribe               // 8
	Suback                  // 9
	Unsubscribe             // 10
	Unsuback                // 11
	Pingreq                 // 12
	Pingresp                // 13
	Disconnect              // 14
)

// PacketNames is a map of packet bytes to human readable names, for easier debugging.
var PacketNames = map[byte]string{
	1:  "Connect",
	2:  "Connack",
	3:  "Publish",
	4:  "Puback",
	5:  "Pubrec",
	6:  "Pubrel",
	7:  "Pubcomp",
	8:  "Subscribe",
	9:  "Suback",
	10: "Unsubscribe",
	11: "Unsuback",
	12: "Pingreq",
	13: "Pingresp",
	14: "Disconnect",
}
