// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

// Package genl provides the generic netlink boundary between the bridge and
// the cpc-gpio kernel driver: the CPC_GPIO_GENL wire tables, the attribute
// codec, and the client that speaks them.
package genl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

const (
	// FamilyName is the generic netlink family registered by the kernel
	// driver.
	FamilyName = "CPC_GPIO_GENL"

	// MulticastGroupName is the multicast group the driver emits GPIO
	// commands on.
	MulticastGroupName = "CPC_GPIO_GENL_M"

	// FamilyVersion is the generic netlink API version carried in every
	// message header.
	FamilyVersion = 1

	// UIDAll is the multicast destination addressing all peers.
	UIDAll = 0
)

// APIVersion is the driver-facing API version implemented by the bridge.
// The major number must match the kernel driver's.
var APIVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Commands of the CPC_GPIO_GENL family.
const (
	CmdUnspec uint8 = iota
	CmdExit
	CmdInit
	CmdDeinit
	CmdGetGpioValue
	CmdSetGpioValue
	CmdSetGpioConfig
	CmdSetGpioDirection
)

// Attributes of the CPC_GPIO_GENL family.
const (
	attrUnspec uint16 = iota
	attrStatus
	attrMessage
	attrVersionMajor
	attrVersionMinor
	attrVersionPatch
	attrUniqueID
	attrChipLabel
	attrGpioCount
	attrGpioNames
	attrGpioPin
	attrGpioValue
	attrGpioConfig
	attrGpioDirection
)

// ErrProtocol indicates a message that does not conform to the wire schema:
// a missing required attribute or an unknown command. Addressable commands
// with an out of range value or direction are marked Malformed instead.
var ErrProtocol = errors.New("protocol error")

// Status is the result code carried in the STATUS attribute of every reply.
type Status uint32

const (
	StatusOK            Status = 0
	StatusNotSupported  Status = 1
	StatusBrokenPipe    Status = 2
	StatusProtocolError Status = 3
	StatusUnknown       Status = 0xffffffff
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotSupported:
		return "not-supported"
	case StatusBrokenPipe:
		return "broken-pipe"
	case StatusProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// Direction is the line direction carried in the GPIO_DIRECTION attribute.
type Direction uint32

const (
	DirectionOutput   Direction = 0
	DirectionInput    Direction = 1
	DirectionDisabled Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionOutput:
		return "output"
	case DirectionInput:
		return "input"
	case DirectionDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("direction(%d)", uint32(d))
	}
}

// Config is the line configuration carried in the GPIO_CONFIG attribute.
// The values are the kernel's generic pinconf parameters.
type Config uint32

const (
	ConfigBiasDisable     Config = 1
	ConfigBiasPullDown    Config = 3
	ConfigBiasPullUp      Config = 5
	ConfigDriveOpenDrain  Config = 6
	ConfigDriveOpenSource Config = 7
	ConfigDrivePushPull   Config = 8
)

func (c Config) String() string {
	switch c {
	case ConfigBiasDisable:
		return "bias-disable"
	case ConfigBiasPullDown:
		return "bias-pull-down"
	case ConfigBiasPullUp:
		return "bias-pull-up"
	case ConfigDriveOpenDrain:
		return "drive-open-drain"
	case ConfigDriveOpenSource:
		return "drive-open-source"
	case ConfigDrivePushPull:
		return "drive-push-pull"
	default:
		return fmt.Sprintf("config(%d)", uint32(c))
	}
}

// Version is a semantic API version triplet.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ChipInfo describes the virtual chip advertised to the kernel driver.
type ChipInfo struct {
	UID   uint64
	Label string
	Names []string
}

// Request is a command multicast by the kernel driver to the bridge.
// Cmd selects which of the remaining fields are meaningful.
type Request struct {
	Cmd       uint8
	UID       uint64
	Pin       uint32
	Value     uint32
	HasValue  bool
	Config    Config
	Direction Direction

	// Message accompanies CmdExit.
	Message string

	// Malformed marks a command that was addressable (uid and pin
	// decoded) but carried an out of range attribute. The owed reply is
	// a protocol error.
	Malformed bool
}

func (r Request) String() string {
	switch r.Cmd {
	case CmdExit:
		return fmt.Sprintf("Exit { %q }", r.Message)
	case CmdInit:
		return fmt.Sprintf("Init { uid: %#x }", r.UID)
	case CmdDeinit:
		return fmt.Sprintf("Deinit { uid: %#x }", r.UID)
	case CmdGetGpioValue:
		return fmt.Sprintf("GetGpioValue { pin: %d }", r.Pin)
	case CmdSetGpioValue:
		return fmt.Sprintf("SetGpioValue { pin: %d, value: %d }", r.Pin, r.Value)
	case CmdSetGpioConfig:
		return fmt.Sprintf("SetGpioConfig { pin: %d, config: %v }", r.Pin, r.Config)
	case CmdSetGpioDirection:
		if r.HasValue {
			return fmt.Sprintf("SetGpioDirection { pin: %d, direction: %v, value: %d }", r.Pin, r.Direction, r.Value)
		}
		return fmt.Sprintf("SetGpioDirection { pin: %d, direction: %v }", r.Pin, r.Direction)
	default:
		return fmt.Sprintf("Unknown { cmd: %d }", r.Cmd)
	}
}

// Reply is a bridge response to a driver command.
type Reply struct {
	Cmd    uint8
	UID    uint64
	Status Status

	Pin    uint32
	HasPin bool

	Value    uint32
	HasValue bool

	// Version is attached to a Deinit acknowledgement.
	Version    Version
	HasVersion bool
}

// Ack is a unicast acknowledgement from the kernel driver to an Init or
// Deinit sent by the bridge. Errno is 0 on success, a positive errno
// otherwise. A Deinit Ack also carries the driver's API version.
type Ack struct {
	Cmd        uint8
	UID        uint64
	Errno      uint32
	Version    Version
	HasVersion bool
	// GenlVersion is the generic netlink API version from the message
	// header.
	GenlVersion uint8
}

// DecodeRequest decodes a multicast message from the kernel driver.
func DecodeRequest(m genetlink.Message) (Request, error) {
	a, err := decodeAttrs(m.Data)
	if err != nil {
		return Request{}, err
	}

	r := Request{Cmd: m.Header.Command}

	uid, ok := a.uint64s[attrUniqueID]
	if !ok {
		return Request{}, fmt.Errorf("%w: no UNIQUE_ID attribute", ErrProtocol)
	}
	r.UID = uid

	pin := func() error {
		p, ok := a.uint32s[attrGpioPin]
		if !ok {
			return fmt.Errorf("%w: no GPIO_PIN attribute", ErrProtocol)
		}
		r.Pin = p
		return nil
	}

	switch m.Header.Command {
	case CmdExit:
		msg, ok := a.strings[attrMessage]
		if !ok {
			return Request{}, fmt.Errorf("%w: no MESSAGE attribute", ErrProtocol)
		}
		r.Message = msg
	case CmdInit, CmdDeinit:
		// uid only
	case CmdGetGpioValue:
		if err := pin(); err != nil {
			return Request{}, err
		}
	case CmdSetGpioValue:
		if err := pin(); err != nil {
			return Request{}, err
		}
		v, ok := a.uint32s[attrGpioValue]
		if !ok {
			return Request{}, fmt.Errorf("%w: no GPIO_VALUE attribute", ErrProtocol)
		}
		if v > 1 {
			r.Malformed = true
		}
		r.Value = v
		r.HasValue = true
	case CmdSetGpioConfig:
		if err := pin(); err != nil {
			return Request{}, err
		}
		c, ok := a.uint32s[attrGpioConfig]
		if !ok {
			return Request{}, fmt.Errorf("%w: no GPIO_CONFIG attribute", ErrProtocol)
		}
		r.Config = Config(c)
	case CmdSetGpioDirection:
		if err := pin(); err != nil {
			return Request{}, err
		}
		d, ok := a.uint32s[attrGpioDirection]
		if !ok {
			return Request{}, fmt.Errorf("%w: no GPIO_DIRECTION attribute", ErrProtocol)
		}
		if d > uint32(DirectionDisabled) {
			r.Malformed = true
		}
		r.Direction = Direction(d)
		if v, ok := a.uint32s[attrGpioValue]; ok {
			if v > 1 {
				r.Malformed = true
			}
			r.Value = v
			r.HasValue = true
		}
	default:
		return Request{}, fmt.Errorf("%w: unknown command %d", ErrProtocol, m.Header.Command)
	}

	return r, nil
}

// DecodeAck decodes a unicast acknowledgement from the kernel driver.
func DecodeAck(m genetlink.Message) (Ack, error) {
	a, err := decodeAttrs(m.Data)
	if err != nil {
		return Ack{}, err
	}

	ack := Ack{Cmd: m.Header.Command, GenlVersion: m.Header.Version}

	if uid, ok := a.uint64s[attrUniqueID]; ok {
		ack.UID = uid
	}

	errno, ok := a.uint32s[attrStatus]
	if !ok {
		return Ack{}, fmt.Errorf("%w: no STATUS attribute", ErrProtocol)
	}
	ack.Errno = errno

	major, okMajor := a.uint8s[attrVersionMajor]
	minor, okMinor := a.uint8s[attrVersionMinor]
	patch, okPatch := a.uint8s[attrVersionPatch]
	if okMajor && okMinor && okPatch {
		ack.Version = Version{Major: major, Minor: minor, Patch: patch}
		ack.HasVersion = true
	}

	return ack, nil
}

// EncodeReply encodes a bridge reply to a driver command.
func EncodeReply(r Reply) (genetlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint64(attrUniqueID, r.UID)
	if r.HasPin {
		ae.Uint32(attrGpioPin, r.Pin)
	}
	ae.Uint32(attrStatus, uint32(r.Status))
	if r.HasValue {
		ae.Uint32(attrGpioValue, r.Value)
	}
	if r.HasVersion {
		ae.Uint8(attrVersionMajor, r.Version.Major)
		ae.Uint8(attrVersionMinor, r.Version.Minor)
		ae.Uint8(attrVersionPatch, r.Version.Patch)
	}
	data, err := ae.Encode()
	if err != nil {
		return genetlink.Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return message(r.Cmd, data), nil
}

// EncodeInit encodes the Init advertisement carrying the chip descriptor.
func EncodeInit(ci ChipInfo) (genetlink.Message, error) {
	if ci.UID == UIDAll {
		return genetlink.Message{}, fmt.Errorf("%w: unique id cannot be %d", ErrProtocol, UIDAll)
	}
	if len(ci.Names) == 0 {
		return genetlink.Message{}, fmt.Errorf("%w: gpio count cannot be 0", ErrProtocol)
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint64(attrUniqueID, ci.UID)
	ae.Uint32(attrStatus, uint32(StatusOK))
	ae.Uint32(attrGpioCount, uint32(len(ci.Names)))
	ae.Bytes(attrGpioNames, nulStrings(ci.Names))
	ae.Bytes(attrChipLabel, nulString(ci.Label))
	data, err := ae.Encode()
	if err != nil {
		return genetlink.Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return message(CmdInit, data), nil
}

// EncodeDeinit encodes a Deinit request for the chip with the given uid.
func EncodeDeinit(uid uint64) (genetlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint64(attrUniqueID, uid)
	data, err := ae.Encode()
	if err != nil {
		return genetlink.Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return message(CmdDeinit, data), nil
}

func message(cmd uint8, data []byte) genetlink.Message {
	return genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: FamilyVersion,
		},
		Data: data,
	}
}

// The driver expects NUL terminated strings, which the attribute encoder
// does not append.
func nulString(s string) []byte {
	return append([]byte(s), 0)
}

func nulStrings(ss []string) []byte {
	var b []byte
	for _, s := range ss {
		b = append(b, nulString(s)...)
	}
	return b
}

type attrs struct {
	uint8s  map[uint16]uint8
	uint32s map[uint16]uint32
	uint64s map[uint16]uint64
	strings map[uint16]string
}

func decodeAttrs(data []byte) (attrs, error) {
	a := attrs{
		uint8s:  make(map[uint16]uint8),
		uint32s: make(map[uint16]uint32),
		uint64s: make(map[uint16]uint64),
		strings: make(map[uint16]string),
	}

	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return attrs{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	for ad.Next() {
		switch ad.Type() {
		case attrVersionMajor, attrVersionMinor, attrVersionPatch:
			a.uint8s[ad.Type()] = ad.Uint8()
		case attrStatus, attrGpioCount, attrGpioPin, attrGpioValue, attrGpioConfig, attrGpioDirection:
			a.uint32s[ad.Type()] = ad.Uint32()
		case attrUniqueID:
			a.uint64s[ad.Type()] = ad.Uint64()
		case attrMessage, attrChipLabel, attrGpioNames:
			a.strings[ad.Type()] = strings.TrimRight(string(ad.Bytes()), "\x00")
		}
	}
	if err := ad.Err(); err != nil {
		return attrs{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return a, nil
}
