// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

package endpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sigurn/crc8"
)

// Conn is a frame-oriented connection to the secondary. Frames are a 16-bit
// big-endian payload length followed by the payload bytes.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// ErrBadCRC indicates a frame whose CRC trailer did not match. The frame is
// unusable but the connection is still synchronized.
var ErrBadCRC = errors.New("frame CRC mismatch")

var crcTable = crc8.MakeTable(crc8.CRC8)

type frameConn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader

	// a CRC-8 trailer follows each payload on links without a reliable
	// transport underneath (UART)
	crc bool

	wmu sync.Mutex
}

// NewConn wraps a reliable byte stream in the frame layer.
func NewConn(rwc io.ReadWriteCloser) Conn {
	return &frameConn{rwc: rwc, br: bufio.NewReader(rwc)}
}

// NewCheckedConn wraps an unreliable byte stream in the frame layer with a
// CRC-8 trailer on every frame.
func NewCheckedConn(rwc io.ReadWriteCloser) Conn {
	return &frameConn{rwc: rwc, br: bufio.NewReader(rwc), crc: true}
}

func (c *frameConn) ReadFrame() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 || n > MaxFrameLen {
		return nil, fmt.Errorf("%w: frame length %d", ErrProtocol, n)
	}

	p := make([]byte, n)
	if _, err := io.ReadFull(c.br, p); err != nil {
		return nil, err
	}

	if c.crc {
		var sum [1]byte
		if _, err := io.ReadFull(c.br, sum[:]); err != nil {
			return nil, err
		}
		if crc8.Checksum(p, crcTable) != sum[0] {
			return nil, ErrBadCRC
		}
	}
	return p, nil
}

func (c *frameConn) WriteFrame(p []byte) error {
	if len(p) == 0 || len(p) > MaxFrameLen {
		return fmt.Errorf("%w: frame length %d", ErrProtocol, len(p))
	}

	b := make([]byte, 0, 2+len(p)+1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
	b = append(b, p...)
	if c.crc {
		b = append(b, crc8.Checksum(p, crcTable))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rwc.Write(b)
	return err
}

func (c *frameConn) Close() error {
	return c.rwc.Close()
}
