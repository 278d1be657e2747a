// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package packets

import (
	"bytes"
	"strconv"
	"strings"
)

// Packet represents an MQTT 3.1.1 control packet. Decoded values from the wire
// are unpacked into this structure, and outgoing packets are encoded from it.
type Packet struct {
	Connect        ConnectParams // parameters for a Connect packet
	Payload        []byte        // a message payload for publish packets
	ReasonCodes    []byte        // one or more grant codes for suback packets
	Filters        Subscriptions // a list of subscription filters for subscribe/unsubscribe packets
	TopicName      string        // the topic a payload is being published to
	Origin         string        // the id of the client who sent the message (used in store persistence)
	FixedHeader    FixedHeader   // the fixed header values of the packet
	Created        int64         // unix timestamp indicating time packet was created/received on the server
	PacketID       uint16        // the packet identifier for qos > 0 and (un)subscribe packets
	ReturnCode     byte          // the connack return code
	SessionPresent bool          // session present flag on a connack
}

// ConnectParams contains the values of a Connect packet.
type ConnectParams struct {
	Password         []byte `json:"password"`
	Username         []byte `json:"username"`
	ProtocolName     []byte `json:"protocolName"`
	WillPayload      []byte `json:"willPayload"`
	ClientIdentifier string `json:"clientId"`
	WillTopic        string `json:"willTopic"`
	Keepalive        uint16 `json:"keepalive"`
	PasswordFlag     bool   `json:"passwordFlag"`
	UsernameFlag     bool   `json:"usernameFlag"`
	WillQos          byte   `json:"willQos"`
	WillFlag         bool   `json:"willFlag"`
	WillRetain       bool   `json:"willRetain"`
	Clean            bool   `json:"clean"`
	ProtocolVersion  byte   `json:"protocolVersion"`
}

// Subscription contains the filter and granted qos of a subscription.
type Subscription struct {
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// Subscriptions is a slice of Subscription.
type Subscriptions []Subscription

// Copy creates a new instance of a packet, independent of the original.
// Used when a packet is fanned out to many subscribers.
func (pk *Packet) Copy() Packet {
	fh := FixedHeader{
		Type:      pk.FixedHeader.Type,
		Remaining: pk.FixedHeader.Remaining,
		Qos:       pk.FixedHeader.Qos,
		Retain:    pk.FixedHeader.Retain,
		// no dup: [MQTT-4.3.1-1] [MQTT-4.3.2-2]
	}

	out := Packet{
		FixedHeader:    fh,
		TopicName:      pk.TopicName,
		Origin:         pk.Origin,
		PacketID:       pk.PacketID,
		ReturnCode:     pk.ReturnCode,
		SessionPresent: pk.SessionPresent,
		Created:        pk.Created,
	}

	if len(pk.Payload) > 0 {
		out.Payload = make([]byte, len(pk.Payload))
		copy(out.Payload, pk.Payload)
	}

	if len(pk.Filters) > 0 {
		out.Filters = make(Subscriptions, len(pk.Filters))
		copy(out.Filters, pk.Filters)
	}

	if len(pk.ReasonCodes) > 0 {
		out.ReasonCodes = make([]byte, len(pk.ReasonCodes))
		copy(out.ReasonCodes, pk.ReasonCodes)
	}

	return out
}

// FormatID returns the PacketID field as a decimal string.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// ConnectEncode encodes a connect packet.
func (pk *Packet) ConnectEncode(buf *bytes.Buffer) error {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeBytes(pk.Connect.ProtocolName))
	nb.WriteByte(pk.Connect.ProtocolVersion)

	nb.WriteByte(
		encodeBool(pk.Connect.UsernameFlag)<<7 |
			encodeBool(pk.Connect.PasswordFlag)<<6 |
			encodeBool(pk.Connect.WillRetain)<<5 |
			pk.Connect.WillQos<<3 |
			encodeBool(pk.Connect.WillFlag)<<2 |
			encodeBool(pk.Connect.Clean)<<1,
	)

	nb.Write(encodeUint16(pk.Connect.Keepalive))
	nb.Write(encodeString(pk.Connect.ClientIdentifier))

	if pk.Connect.WillFlag { // [MQTT-3.1.2-8]
		nb.Write(encodeString(pk.Connect.WillTopic))
		nb.Write(encodeBytes(pk.Connect.WillPayload))
	}

	if pk.Connect.UsernameFlag { // [MQTT-3.1.2-19]
		nb.Write(encodeBytes(pk.Connect.Username))
	}

	if pk.Connect.PasswordFlag { // [MQTT-3.1.2-21]
		nb.Write(encodeBytes(pk.Connect.Password))
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// ConnectDecode decodes a connect packet.
func (pk *Packet) ConnectDecode(buf []byte) error {
	var offset int
	var err error

	pk.Connect.ProtocolName, offset, err = decodeBytes(buf, 0)
	if err != nil {
		return ErrMalformedProtocolName
	}

	pk.Connect.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedProtocolVersion
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedFlags
	}

	if flags&0x01 != 0 { // [MQTT-3.1.2-3]
		return ErrProtocolViolation
	}

	pk.Connect.UsernameFlag = 1&(flags>>7) > 0
	pk.Connect.PasswordFlag = 1&(flags>>6) > 0
	pk.Connect.WillRetain = 1&(flags>>5) > 0
	pk.Connect.WillQos = 3 & (flags >> 3)
	pk.Connect.WillFlag = 1&(flags>>2) > 0
	pk.Connect.Clean = 1&(flags>>1) > 0

	pk.Connect.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedKeepalive
	}

	pk.Connect.ClientIdentifier, offset, err = decodeString(buf, offset) // [MQTT-3.1.3-1] [MQTT-3.1.3-2]
	if err != nil {
		return ErrMalformedClientID
	}

	if pk.Connect.WillFlag { // [MQTT-3.1.3-1]
		pk.Connect.WillTopic, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedWillTopic
		}

		pk.Connect.WillPayload, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedWillPayload
		}
	}

	if pk.Connect.UsernameFlag { // [MQTT-3.1.3-1]
		pk.Connect.Username, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedUsername
		}
	}

	if pk.Connect.PasswordFlag {
		pk.Connect.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedPassword
		}
	}

	return nil
}

// ConnectValidate ensures the connect packet is compliant.
func (pk *Packet) ConnectValidate() Code {
	if !bytes.Equal(pk.Connect.ProtocolName, []byte{'M', 'Q', 'T', 'T'}) || pk.Connect.ProtocolVersion != 4 { // [MQTT-3.1.2-1]
		return ErrUnacceptableProtocolVersion // [MQTT-3.1.2-2]
	}

	if pk.Connect.WillFlag {
		if pk.Connect.WillQos > 2 { // [MQTT-3.1.2-14]
			return ErrUnacceptableProtocolVersion
		}

		if pk.Connect.WillTopic == "" {
			return ErrUnacceptableProtocolVersion // [MQTT-3.1.2-9]
		}
	} else if pk.Connect.WillQos > 0 || pk.Connect.WillRetain { // [MQTT-3.1.2-13] [MQTT-3.1.2-15]
		return ErrUnacceptableProtocolVersion
	}

	if !pk.Connect.UsernameFlag && pk.Connect.PasswordFlag { // [MQTT-3.1.2-22]
		return ErrUnacceptableProtocolVersion
	}

	if len(pk.Connect.ClientIdentifier) > 65535 {
		return ErrIdentifierRejected
	}

	if pk.Connect.ClientIdentifier == "" && !pk.Connect.Clean { // [MQTT-3.1.3-7] [MQTT-3.1.3-8]
		return ErrIdentifierRejected
	}

	return CodeAccepted
}

// ConnackEncode encodes a connack packet.
func (pk *Packet) ConnackEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.WriteByte(encodeBool(pk.SessionPresent)) // [MQTT-3.2.2-1] [MQTT-3.2.2-2] [MQTT-3.2.2-3]
	buf.WriteByte(pk.ReturnCode)
	return nil
}

// ConnackDecode decodes a connack packet.
func (pk *Packet) ConnackDecode(buf []byte) error {
	var offset int
	var err error

	pk.SessionPresent, offset, err = decodeByteBool(buf, 0)
	if err != nil {
		return ErrMalformedSessionPresent
	}

	pk.ReturnCode, _, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedReturnCode
	}

	return nil
}

// PublishEncode encodes a publish packet.
func (pk *Packet) PublishEncode(buf *bytes.Buffer) error {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeString(pk.TopicName)) // [MQTT-3.3.2-1]

	if pk.FixedHeader.Qos > 0 {
		if pk.PacketID == 0 {
			return ErrMalformedPacketID // [MQTT-2.3.1-1]
		}
		nb.Write(encodeUint16(pk.PacketID))
	}

	nb.Write(pk.Payload)

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// PublishDecode decodes a publish packet.
func (pk *Packet) PublishDecode(buf []byte) error {
	var offset int
	var err error

	pk.TopicName, offset, err = decodeString(buf, 0) // [MQTT-3.3.2-1]
	if err != nil {
		return ErrMalformedTopic
	}

	if pk.FixedHeader.Qos > 0 { // [MQTT-2.3.1-1]
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil {
			return ErrMalformedPacketID
		}
	}

	pk.Payload = buf[offset:]

	return nil
}

// PublishValidate validates a publish packet.
func (pk *Packet) PublishValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 { // [MQTT-2.3.1-1] [MQTT-2.3.1-5]
		return ErrNotAuthorized
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 { // [MQTT-2.3.1-5]
		return ErrNotAuthorized
	}

	if strings.ContainsAny(pk.TopicName, "+#") { // [MQTT-3.3.2-2]
		return ErrNotAuthorized
	}

	return CodeAccepted
}

// encodeAck encodes a fixed-header-and-packet-id acknowledgement
// (puback, pubrec, pubrel, pubcomp, unsuback).
func (pk *Packet) encodeAck(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID)) // [MQTT-2.3.1-6]
	return nil
}

// decodeAck decodes the packet id of an acknowledgement.
func (pk *Packet) decodeAck(buf []byte) error {
	var err error
	pk.PacketID, _, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}
	return nil
}

// PubackEncode encodes a puback packet.
func (pk *Packet) PubackEncode(buf *bytes.Buffer) error { return pk.encodeAck(buf) }

// PubackDecode decodes a puback packet.
func (pk *Packet) PubackDecode(buf []byte) error { return pk.decodeAck(buf) }

// PubrecEncode encodes a pubrec packet.
func (pk *Packet) PubrecEncode(buf *bytes.Buffer) error { return pk.encodeAck(buf) }

// PubrecDecode decodes a pubrec packet.
func (pk *Packet) PubrecDecode(buf []byte) error { return pk.decodeAck(buf) }

// PubrelEncode encodes a pubrel packet.
func (pk *Packet) PubrelEncode(buf *bytes.Buffer) error { return pk.encodeAck(buf) } // qos 1 flag is set by the caller [MQTT-3.6.1-1]

// PubrelDecode decodes a pubrel packet.
func (pk *Packet) PubrelDecode(buf []byte) error { return pk.decodeAck(buf) }

// PubcompEncode encodes a pubcomp packet.
func (pk *Packet) PubcompEncode(buf *bytes.Buffer) error { return pk.encodeAck(buf) }

// PubcompDecode decodes a pubcomp packet.
func (pk *Packet) PubcompDecode(buf []byte) error { return pk.decodeAck(buf) }

// SubscribeEncode encodes a subscribe packet.
func (pk *Packet) SubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrMalformedPacketID // [MQTT-2.3.1-1]
	}

	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))

	for _, opts := range pk.Filters {
		nb.Write(encodeString(opts.Filter)) // [MQTT-3.8.3-1]
		nb.WriteByte(opts.Qos)
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// SubscribeDecode decodes a subscribe packet.
func (pk *Packet) SubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	pk.Filters = Subscriptions{}
	for offset < len(buf) {
		var sub Subscription
		sub.Filter, offset, err = decodeString(buf, offset) // [MQTT-3.8.3-1]
		if err != nil {
			return ErrMalformedTopic
		}

		sub.Qos, offset, err = decodeByte(buf, offset)
		if err != nil {
			return ErrMalformedFlags
		}

		if sub.Qos > 2 {
			return ErrProtocolViolation // [MQTT-3.8.3-4]
		}

		pk.Filters = append(pk.Filters, sub)
	}

	return nil
}

// SubscribeValidate validates a subscribe packet.
func (pk *Packet) SubscribeValidate() Code {
	if pk.PacketID == 0 { // [MQTT-2.3.1-1]
		return ErrNotAuthorized
	}

	if len(pk.Filters) == 0 { // [MQTT-3.8.3-3]
		return ErrNotAuthorized
	}

	return CodeAccepted
}

// SubackEncode encodes a suback packet.
func (pk *Packet) SubackEncode(buf *bytes.Buffer) error {
	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID)) // [MQTT-2.3.1-7] [MQTT-3.8.4-2]
	nb.Write(pk.ReasonCodes)            // [MQTT-3.8.4-5] [MQTT-3.9.3-1]

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// SubackDecode decodes a suback packet.
func (pk *Packet) SubackDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	pk.ReasonCodes = buf[offset:]

	return nil
}

// UnsubscribeEncode encodes an unsubscribe packet.
func (pk *Packet) UnsubscribeEncode(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrMalformedPacketID // [MQTT-2.3.1-1]
	}

	nb := bytes.NewBuffer([]byte{})
	nb.Write(encodeUint16(pk.PacketID))

	for _, sub := range pk.Filters {
		nb.Write(encodeString(sub.Filter)) // [MQTT-3.10.3-1]
	}

	pk.FixedHeader.Remaining = nb.Len()
	pk.FixedHeader.Encode(buf)
	nb.WriteTo(buf)

	return nil
}

// UnsubscribeDecode decodes an unsubscribe packet.
func (pk *Packet) UnsubscribeDecode(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	pk.Filters = Subscriptions{}
	for offset < len(buf) {
		var sub Subscription
		sub.Filter, offset, err = decodeString(buf, offset) // [MQTT-3.10.3-1]
		if err != nil {
			return ErrMalformedTopic
		}

		pk.Filters = append(pk.Filters, sub)
	}

	return nil
}

// UnsubscribeValidate validates an unsubscribe packet.
func (pk *Packet) UnsubscribeValidate() Code {
	if pk.PacketID == 0 { // [MQTT-2.3.1-1]
		return ErrNotAuthorized
	}

	if len(pk.Filters) == 0 { // [MQTT-3.10.3-2]
		return ErrNotAuthorized
	}

	return CodeAccepted
}

// UnsubackEncode encodes an unsuback packet.
func (pk *Packet) UnsubackEncode(buf *bytes.Buffer) error { return pk.encodeAck(buf) }

// UnsubackDecode decodes an unsuback packet.
func (pk *Packet) UnsubackDecode(buf []byte) error { return pk.decodeAck(buf) }

// PingreqEncode encodes a pingreq packet.
func (pk *Packet) PingreqEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Encode(buf)
	return nil
}

// PingreqDecode decodes a pingreq packet.
func (pk *Packet) PingreqDecode(buf []byte) error { return nil }

// PingrespEncode encodes a pingresp packet.
func (pk *Packet) PingrespEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Encode(buf)
	return nil
}

// PingrespDecode decodes a pingresp packet.
func (pk *Packet) PingrespDecode(buf []byte) error { return nil }

// DisconnectEncode encodes a disconnect packet.
func (pk *Packet) DisconnectEncode(buf *bytes.Buffer) error {
	pk.FixedHeader.Encode(buf)
	return nil
}

// DisconnectDecode decodes a disconnect packet.
func (pk *Packet) DisconnectDecode(buf []byte) error { return nil }

// Encode encodes a packet to a byte buffer according to its fixed header type.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectEncode(buf)
	case Connack:
		return pk.ConnackEncode(buf)
	case Publish:
		return pk.PublishEncode(buf)
	case Puback:
		return pk.PubackEncode(buf)
	case Pubrec:
		return pk.PubrecEncode(buf)
	case Pubrel:
		return pk.PubrelEncode(buf)
	case Pubcomp:
		return pk.PubcompEncode(buf)
	case Subscribe:
		return pk.SubscribeEncode(buf)
	case Suback:
		return pk.SubackEncode(buf)
	case Unsubscribe:
		return pk.UnsubscribeEncode(buf)
	case Unsuback:
		return pk.UnsubackEncode(buf)
	case Pingreq:
		return pk.PingreqEncode(buf)
	case Pingresp:
		return pk.PingrespEncode(buf)
	case Disconnect:
		return pk.DisconnectEncode(buf)
	default:
		return ErrNoValidPacketAvailable
	}
}

// Decode unpacks the remaining bytes of a packet according to its fixed header type.
func (pk *Packet) Decode(buf []byte) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.ConnectDecode(buf)
	case Connack:
		return pk.ConnackDecode(buf)
	case Publish:
		return pk.PublishDecode(buf)
	case Puback:
		return pk.PubackDecode(buf)
	case Pubrec:
		return pk.PubrecDecode(buf)
	case Pubrel:
		return pk.PubrelDecode(buf)
	case Pubcomp:
		return pk.PubcompDecode(buf)
	case Subscribe:
		return pk.SubscribeDecode(buf)
	case Suback:
		return pk.SubackDecode(buf)
	case Unsubscribe:
		return pk.UnsubscribeDecode(buf)
	case Unsuback:
		return pk.UnsubackDecode(buf)
	case Pingreq:
		return pk.PingreqDecode(buf)
	case Pingresp:
		return pk.PingrespDecode(buf)
	case Disconnect:
		return pk.DisconnectDecode(buf)
	default:
		return ErrNoValidPacketAvailable
	}
}
