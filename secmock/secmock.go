// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

// Package secmock provides an in-process GPIO secondary speaking the
// endpoint wire protocol. It is intended for testing the bridge and users
// of the bridge without firmware, and offers knobs to provoke the failure
// paths: dropped responses, forced statuses and malformed frames.
package secmock

import (
	"net"
	"sync"

	"github.com/SiliconLabs/cpc-gpio-expander/endpoint"
)

type line struct {
	value     uint8
	config    endpoint.Config
	direction endpoint.Direction
}

// Secondary is a mock firmware GPIO secondary.
type Secondary struct {
	mu sync.Mutex

	uid     uint64
	label   string
	names   []string
	lines   []line
	version endpoint.Version

	drop      int
	forced    []endpoint.Status
	omitValue bool

	conn endpoint.Conn // secondary side
	host endpoint.Conn // bridge side
}

// New starts a secondary with the given identity. The host side of the
// link, returned by Conn, is handed to the bridge.
func New(uid uint64, label string, names []string) *Secondary {
	hc, sc := net.Pipe()
	s := &Secondary{
		uid:     uid,
		label:   label,
		names:   names,
		lines:   make([]line, len(names)),
		version: endpoint.APIVersion,
		conn:    endpoint.NewConn(sc),
		host:    endpoint.NewConn(hc),
	}
	for i := range s.lines {
		s.lines[i].direction = endpoint.DirectionInput
	}
	go s.serve()
	return s
}

// Conn returns the host side of the link.
func (s *Secondary) Conn() endpoint.Conn {
	return s.host
}

// SetVersion overrides the endpoint API version the secondary claims.
// A greeting with a different major is refused with the version mismatch
// marker. Call before the handshake.
func (s *Secondary) SetVersion(v endpoint.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// DropResponses makes the secondary swallow the next n pin operation
// requests without answering, to provoke timeouts. Greetings are always
// answered.
func (s *Secondary) DropResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// FailNext makes the secondary answer the next request with the given
// status.
func (s *Secondary) FailNext(status endpoint.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, status)
}

// OmitValueOnce makes the next successful GetValue response carry no value
// byte.
func (s *Secondary) OmitValueOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitValue = true
}

// SetValue sets the raw value of a line, as if the hardware changed it.
func (s *Secondary) SetValue(pin uint32, value uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[pin].value = value
}

// Line returns the current value, config and direction of a line.
func (s *Secondary) Line(pin uint32) (uint8, endpoint.Config, endpoint.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lines[pin]
	return l.value, l.config, l.direction
}

// Close tears the link down. The bridge observes a closed endpoint.
func (s *Secondary) Close() {
	s.conn.Close()
	s.host.Close()
}

func (s *Secondary) serve() {
	for {
		p, err := s.conn.ReadFrame()
		if err != nil {
			return
		}
		reply, ok := s.handle(p)
		if !ok {
			continue
		}
		if err = s.conn.WriteFrame(reply); err != nil {
			return
		}
	}
}

func (s *Secondary) handle(p []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return nil, false
	}

	if p[0] == endpoint.TagGreeting {
		v, err := endpoint.DecodeGreeting(p)
		if err != nil {
			return nil, false
		}
		if v.Major != s.version.Major {
			return endpoint.EncodeVersionMismatch(s.version), true
		}
		return endpoint.EncodeDescriptor(endpoint.Descriptor{
			UID:     s.uid,
			Version: s.version,
			Label:   s.label,
			Names:   s.names,
		}), true
	}

	req, err := endpoint.DecodeRequest(p)
	if err != nil {
		return nil, false
	}

	if s.drop > 0 {
		s.drop--
		return nil, false
	}

	resp := endpoint.Response{Tag: req.Tag, UID: s.uid, Pin: req.Pin}

	if len(s.forced) > 0 {
		resp.Status = s.forced[0]
		s.forced = s.forced[1:]
		return endpoint.EncodeResponse(resp), true
	}

	if req.Pin >= uint32(len(s.lines)) {
		resp.Status = endpoint.StatusInvalidPin
		return endpoint.EncodeResponse(resp), true
	}

	switch req.Tag {
	case endpoint.TagGetValue:
		resp.Status = endpoint.StatusOK
		if s.omitValue {
			s.omitValue = false
			// deliberately malformed: success with no value byte
			return endpoint.EncodeResponse(resp), true
		}
		resp.Value = s.lines[req.Pin].value
		resp.HasValue = true

	case endpoint.TagSetValue:
		if req.Arg > 1 {
			resp.Status = endpoint.StatusNotSupported
			break
		}
		s.lines[req.Pin].value = req.Arg
		resp.Status = endpoint.StatusOK

	case endpoint.TagSetConfig:
		if endpoint.Config(req.Arg) > endpoint.ConfigDrivePushPull {
			resp.Status = endpoint.StatusNotSupported
			break
		}
		s.lines[req.Pin].config = endpoint.Config(req.Arg)
		resp.Status = endpoint.StatusOK

	case endpoint.TagSetDirection:
		d := endpoint.Direction(req.Arg)
		if d > endpoint.DirectionDisabled {
			resp.Status = endpoint.StatusNotSupported
			break
		}
		if d == endpoint.DirectionDisabled {
			s.lines[req.Pin].value = 0
		}
		s.lines[req.Pin].direction = d
		resp.Status = endpoint.StatusOK

	default:
		resp.Status = endpoint.StatusUnknown
	}

	return endpoint.EncodeResponse(resp), true
}
