// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

package endpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout indicates the secondary did not answer within the deadline.
var ErrTimeout = errors.New("timeout waiting for secondary")

// ErrClosed indicates the connection to the secondary was lost.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is the client side of the GPIO endpoint. A reader goroutine owns
// the connection's receive path from construction; decoded pin operation
// responses are delivered on Responses and a terminal read error on Errs.
type Endpoint struct {
	log   *logrus.Entry
	conn  Conn
	trace bool

	chip Descriptor

	frames chan []byte
	resps  chan Response
	errs   chan error
}

// New wraps a connection to the secondary and starts its receive path.
func New(conn Conn, log *logrus.Entry, trace bool) *Endpoint {
	e := &Endpoint{
		log:    log,
		conn:   conn,
		trace:  trace,
		frames: make(chan []byte, 16),
		resps:  make(chan Response, 16),
		errs:   make(chan error, 1),
	}
	go e.readLoop()
	return e
}

// Chip returns the descriptor obtained during the handshake.
func (e *Endpoint) Chip() Descriptor {
	return e.chip
}

// Responses delivers decoded pin operation responses.
func (e *Endpoint) Responses() <-chan Response {
	return e.resps
}

// Errs delivers the terminal connection error, if any.
func (e *Endpoint) Errs() <-chan error {
	return e.errs
}

// Handshake greets the secondary, obtains and validates the chip
// descriptor, and drives every line to disabled so the chip starts from a
// known state. It must complete before Start.
func (e *Endpoint) Handshake(timeout time.Duration) (Descriptor, error) {
	if err := e.write(EncodeGreeting(APIVersion)); err != nil {
		return Descriptor{}, fmt.Errorf("failed to send greeting: %w", err)
	}

	p, err := e.next(timeout)
	if err != nil {
		return Descriptor{}, fmt.Errorf("no descriptor from secondary: %w", err)
	}
	d, err := DecodeDescriptor(p)
	if err != nil {
		return Descriptor{}, err
	}
	if d.Version.Major != APIVersion.Major {
		return Descriptor{}, fmt.Errorf("%w: bridge endpoint API v%v is not compatible with secondary API v%v",
			ErrVersionMismatch, APIVersion, d.Version)
	}
	if err = d.Validate(); err != nil {
		return Descriptor{}, err
	}
	e.chip = d

	for pin := range d.Names {
		if err = e.disable(uint32(pin), timeout); err != nil {
			return Descriptor{}, err
		}
	}

	e.log.Infof("Initialized secondary (UID: %#x, Label: %q, GPIOs: %v)", d.UID, d.Label, d.Names)
	return d, nil
}

// Start launches response delivery. Call after a successful Handshake.
func (e *Endpoint) Start() {
	go e.pump()
}

// Send encodes and writes a request frame.
func (e *Endpoint) Send(r Request) error {
	return e.write(EncodeRequest(r))
}

// Close tears down the connection. The reader terminates with ErrClosed.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

func (e *Endpoint) write(p []byte) error {
	if e.trace {
		e.log.Debugf("endpoint tx: % x", p)
	}
	if err := e.conn.WriteFrame(p); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// disable drives one pin to the disabled direction and waits for the
// acknowledgement, skipping unrelated frames.
func (e *Endpoint) disable(pin uint32, timeout time.Duration) error {
	if err := e.Send(SetDirection(e.chip.UID, pin, DirectionDisabled)); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		p, err := e.next(time.Until(deadline))
		if err != nil {
			return fmt.Errorf("failed to disable gpio %d: %w", pin, err)
		}
		r, err := DecodeResponse(p)
		if err != nil {
			e.log.Warnf("Discarding frame during handshake: %v", err)
			continue
		}
		if r.Tag != TagSetDirection || r.Pin != pin {
			e.log.Warnf("Discarding unexpected %#x response during handshake (pin %d)", r.Tag, r.Pin)
			continue
		}
		if r.Status != StatusOK {
			return fmt.Errorf("failed to disable gpio %d: status %v", pin, r.Status)
		}
		return nil
	}
}

func (e *Endpoint) next(timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p, ok := <-e.frames:
		if !ok {
			return nil, ErrClosed
		}
		return p, nil
	case err := <-e.errs:
		return nil, err
	case <-t.C:
		return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

func (e *Endpoint) readLoop() {
	for {
		p, err := e.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrBadCRC) {
				e.log.Warnf("Dropping frame: %v", err)
				continue
			}
			e.errs <- fmt.Errorf("%w: %v", ErrClosed, err)
			close(e.frames)
			return
		}
		if e.trace {
			e.log.Debugf("endpoint rx: % x", p)
		}
		e.frames <- p
	}
}

// pump decodes raw frames into responses once the handshake is done.
func (e *Endpoint) pump() {
	for p := range e.frames {
		r, err := DecodeResponse(p)
		if err != nil {
			e.log.Warnf("Discarding frame: %v", err)
			continue
		}
		e.resps <- r
	}
}
