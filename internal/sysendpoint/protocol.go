// Package sysendpoint implements the control channel carried on endpoint 0:
// property get/set queries with the secondary, U-Information notifications
// for endpoint lifecycle events, and the open-endpoint confirmation Core
// consults before a local client may attach.
package sysendpoint

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the kind of system-endpoint message carried inside
// a U-Information payload on endpoint 0.
type MessageType byte

const (
	MsgPropertyGet   MessageType = 1
	MsgPropertySet   MessageType = 2
	MsgPropertyReply MessageType = 3
	MsgNotifyOpened  MessageType = 4
	MsgNotifyClosed  MessageType = 5
	MsgNotifyReset   MessageType = 6
)

// PropertyID names a queryable or settable piece of secondary/daemon state.
type PropertyID uint16

const (
	PropProtocolVersion PropertyID = 0x0001
	PropCapabilities    PropertyID = 0x0002
	PropBootloaderInfo  PropertyID = 0x0003
	PropLastResetCause  PropertyID = 0x0004

	propEndpointStateBase   PropertyID = 0x0100
	propEndpointRxCapBase   PropertyID = 0x0200
)

// EndpointStateProperty returns the property id reporting endpoint id's
// lifecycle state.
func EndpointStateProperty(id byte) PropertyID {
	return propEndpointStateBase + PropertyID(id)
}

// EndpointRxCapabilityProperty returns the property id reporting how much
// receive window endpoint id currently has free.
func EndpointRxCapabilityProperty(id byte) PropertyID {
	return propEndpointRxCapBase + PropertyID(id)
}

// endpointFromProperty recovers the endpoint id encoded in a per-endpoint
// property, or ok=false if prop is not one of the per-endpoint families.
func endpointFromProperty(prop PropertyID) (id byte, ok bool) {
	switch {
	case prop >= propEndpointStateBase && prop < propEndpointStateBase+256:
		return byte(prop - propEndpointStateBase), true
	case prop >= propEndpointRxCapBase && prop < propEndpointRxCapBase+256:
		return byte(prop - propEndpointRxCapBase), true
	default:
		return 0, false
	}
}

// message is the wire layout of every payload exchanged on endpoint 0:
// type(1) | field(2 LE) | length(2 LE) | value[]. field holds a PropertyID
// for Get/Set/Reply messages and an endpoint id for notifications.
type message struct {
	Type  MessageType
	Field uint16
	Value []byte
}

const msgHeaderLen = 5

func (m message) encode() []byte {
	buf := make([]byte, msgHeaderLen+len(m.Value))
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint16(buf[1:3], m.Field)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(m.Value)))
	copy(buf[msgHeaderLen:], m.Value)
	return buf
}

func decodeMessage(buf []byte) (message, error) {
	if len(buf) < msgHeaderLen {
		return message{}, fmt.Errorf("sysendpoint: message shorter than header (%d bytes)", len(buf))
	}
	length := binary.LittleEndian.Uint16(buf[3:5])
	if int(length) != len(buf)-msgHeaderLen {
		return message{}, fmt.Errorf("sysendpoint: declared length %d does not match buffer %d", length, len(buf)-msgHeaderLen)
	}
	value := make([]byte, length)
	copy(value, buf[msgHeaderLen:])
	return message{
		Type:  MessageType(buf[0]),
		Field: binary.LittleEndian.Uint16(buf[1:3]),
		Value: value,
	}, nil
}
