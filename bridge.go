// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

// Package bridge exposes the GPIO pins of a CPC secondary as a virtual GPIO
// chip on the host.
//
// The bridge sits between the cpc-gpio kernel driver and the firmware GPIO
// endpoint: driver commands arrive over generic netlink, are translated
// into endpoint requests, and the secondary's answers are reported back as
// driver replies. One event loop goroutine owns all bridge state; the wire
// packages only encode, decode and perform I/O.
//
// Example of use:
//
//	b, err := bridge.New(bridge.WithInstance("cpcd_0"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//	err = b.Run(ctx)
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SiliconLabs/cpc-gpio-expander/endpoint"
	"github.com/SiliconLabs/cpc-gpio-expander/genl"
)

// Version is the bridge release version.
const Version = "1.0.0"

// DriverLink is the kernel driver boundary as seen by the event loop.
// genl.Client is the production implementation.
type DriverLink interface {
	Start()
	Init(ci genl.ChipInfo, timeout time.Duration) error
	Deinit(uid uint64, timeout time.Duration) (genl.Version, error)
	DeinitNotify(uid uint64) error
	Reply(r genl.Reply) error
	Commands() <-chan genl.Request
	Errs() <-chan error
	Close() error
}

// EndpointLink is the firmware boundary as seen by the event loop.
// endpoint.Endpoint is the production implementation.
type EndpointLink interface {
	Handshake(timeout time.Duration) (endpoint.Descriptor, error)
	Start()
	Send(r endpoint.Request) error
	Responses() <-chan endpoint.Response
	Errs() <-chan error
	Close() error
}

// Bridge routes GPIO operations between the kernel driver and the firmware
// secondary for one chip.
type Bridge struct {
	log  *logrus.Entry
	opts options

	lock    *Lock
	ep      EndpointLink
	drv     DriverLink
	watcher *chipWatcher

	chip  genl.ChipInfo
	table *lineTable

	closed bool
}

// New acquires the instance lock, connects and handshakes both
// collaborators and advertises the chip to the kernel driver. On return the
// bridge is Ready and Run may be called. Errors from New are startup
// failures in the sense of the CLI contract (exit code 1).
func New(opts ...Option) (*Bridge, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = NewLogger(logrus.InfoLevel)
	}

	log.Infof("[CPC GPIO Bridge v%s] [Endpoint API v%v] [Driver API v%v]",
		Version, endpoint.APIVersion, genl.APIVersion)

	b := &Bridge{log: log, opts: o}
	ok := false
	defer func() {
		if !ok {
			b.teardown()
		}
	}()

	lock, err := TakeLock(o.lockDir, o.instance)
	if err != nil {
		return nil, err
	}
	b.lock = lock

	conn := o.conn
	if conn == nil {
		if o.uartDevice != "" {
			conn, err = endpoint.DialUART(o.uartDevice, o.uartBaud)
		} else {
			conn, err = endpoint.DialCPC(o.socketDir, o.instance)
		}
		if err != nil {
			return nil, err
		}
	}

	ep := endpoint.New(conn, log, o.traceFrames)
	b.ep = ep

	desc, err := ep.Handshake(o.handshakeTimeout)
	if err != nil {
		return nil, err
	}
	b.chip = genl.ChipInfo{UID: desc.UID, Label: desc.Label, Names: desc.Names}
	b.table = newLineTable(len(desc.Names))

	drv := o.drv
	if drv == nil {
		drv, err = genl.Connect(desc.UID, log)
		if err != nil {
			return nil, err
		}
	}
	b.drv = drv

	// Clear any stale chip from a previous bridge and check the driver's
	// API version, which only its Deinit acknowledgement carries.
	ver, err := drv.Deinit(desc.UID, o.opTimeout)
	if err != nil {
		return nil, err
	}
	log.Infof("Kernel Driver API v%v", ver)

	// The watcher must be listening before Init registers the chip.
	if o.watchChip {
		w, werr := newChipWatcher(log)
		if werr != nil {
			log.Debugf("Running without chip watcher: %v", werr)
		} else {
			b.watcher = w
		}
	}

	if err = drv.Init(b.chip, o.opTimeout); err != nil {
		return nil, err
	}

	ok = true
	return b, nil
}

// Deinit connects to a running kernel driver, tears down its chip and
// returns. The firmware endpoint is not contacted.
func Deinit(opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = NewLogger(logrus.InfoLevel)
	}

	lock, err := TakeLock(o.lockDir, o.instance)
	if err != nil {
		return err
	}
	defer lock.Close()

	drv := o.drv
	if drv == nil {
		drv, err = genl.Connect(genl.UIDAll, log)
		if err != nil {
			return err
		}
	}
	defer drv.Close()

	ver, err := drv.Deinit(genl.UIDAll, o.opTimeout)
	if err != nil {
		return err
	}
	log.Infof("Deinitialized Kernel Driver (API v%v)", ver)
	return nil
}

// Chip returns the chip advertised to the kernel driver.
func (b *Bridge) Chip() genl.ChipInfo {
	return b.chip
}

// Line returns the last acknowledged state of a line. It is only
// synchronized once Run has returned.
func (b *Bridge) Line(pin uint32) LineState {
	return b.table.snapshot(pin)
}

// Run drives the bridge until the driver asks it to stop, the context is
// cancelled, or a collaborator fails. A nil return is a clean exit; any
// error is a runtime failure in the sense of the CLI contract (exit
// code 2).
func (b *Bridge) Run(ctx context.Context) error {
	b.drv.Start()
	b.ep.Start()

	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if dl, ok := b.table.nextDeadline(); ok {
			timer = time.NewTimer(time.Until(dl))
			timerC = timer.C
		}

		var done bool
		var err error
		select {
		case req := <-b.drv.Commands():
			done, err = b.onCommand(req)
		case resp := <-b.ep.Responses():
			err = b.onResponse(resp)
		case rerr := <-b.drv.Errs():
			err = fmt.Errorf("kernel driver: %w", rerr)
		case rerr := <-b.ep.Errs():
			err = rerr
		case <-timerC:
			err = b.onDeadline(time.Now())
		case <-ctx.Done():
			b.log.Info("Received shutdown signal")
			done, err = true, b.shutdown(true)
		case <-b.removed():
			err = errors.New("the gpio chip was removed by the kernel driver")
		}
		if timer != nil {
			timer.Stop()
		}

		if err != nil {
			return b.fail(err)
		}
		if done {
			b.teardown()
			return nil
		}
	}
}

// Close releases every resource the bridge holds. It is safe to call after
// Run has returned.
func (b *Bridge) Close() {
	b.teardown()
}

func (b *Bridge) removed() <-chan struct{} {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Removed()
}

// onCommand handles one decoded driver command while Ready.
func (b *Bridge) onCommand(req genl.Request) (bool, error) {
	b.log.Debugf("UID { %#x } %v", b.chip.UID, req)

	switch req.Cmd {
	case genl.CmdExit:
		b.log.Infof("Kernel driver: %s", req.Message)
		// the driver is unloading; drain without deinit
		return true, b.shutdown(false)

	case genl.CmdDeinit:
		ack := genl.Reply{
			Cmd:        genl.CmdDeinit,
			UID:        b.chip.UID,
			Status:     genl.StatusOK,
			Version:    genl.APIVersion,
			HasVersion: true,
		}
		if err := b.drv.Reply(ack); err != nil {
			b.log.Warnf("Failed to acknowledge Deinit: %v", err)
		}
		return true, b.shutdown(false)

	case genl.CmdInit:
		// the chip is frozen until deinit; a second Init is refused
		b.log.Warnf("Refusing duplicate Init (uid: %#x)", req.UID)
		return false, b.drv.Reply(genl.Reply{
			Cmd:    genl.CmdInit,
			UID:    b.chip.UID,
			Status: genl.StatusProtocolError,
		})

	default:
		return false, b.onPinCommand(req)
	}
}

// onPinCommand validates a pin operation and forwards it to the secondary,
// or answers it locally when it cannot or must not be forwarded.
func (b *Bridge) onPinCommand(req genl.Request) error {
	uid := b.chip.UID

	if req.Pin >= uint32(b.table.size()) {
		b.log.Warnf("%v: unknown pin", req)
		return b.replyStatus(req.Cmd, req.Pin, genl.StatusProtocolError)
	}
	if req.Malformed {
		b.log.Warnf("%v: malformed command", req)
		return b.replyStatus(req.Cmd, req.Pin, genl.StatusProtocolError)
	}
	if _, busy := b.table.get(req.Pin); busy {
		b.log.Warnf("%v: pin busy", req)
		return b.replyStatus(req.Cmd, req.Pin, genl.StatusProtocolError)
	}

	p := &pending{cmd: req.Cmd, deadline: time.Now().Add(b.opts.opTimeout)}
	var out endpoint.Request

	switch req.Cmd {
	case genl.CmdGetGpioValue:
		p.expect = endpoint.TagGetValue
		out = endpoint.GetValue(uid, req.Pin)

	case genl.CmdSetGpioValue:
		p.expect = endpoint.TagSetValue
		p.arg = req.Value
		out = endpoint.SetValue(uid, req.Pin, uint8(req.Value))

	case genl.CmdSetGpioConfig:
		cfg, ok := endpointConfig(req.Config)
		if !ok {
			// answered locally, the secondary is not contacted
			b.log.Warnf("%v: unsupported config", req)
			return b.replyStatus(req.Cmd, req.Pin, genl.StatusNotSupported)
		}
		p.expect = endpoint.TagSetConfig
		p.arg = uint32(req.Config)
		out = endpoint.SetConfig(uid, req.Pin, cfg)

	case genl.CmdSetGpioDirection:
		p.expect = endpoint.TagSetDirection
		p.arg = uint32(req.Direction)
		if req.Direction == genl.DirectionOutput && req.HasValue {
			p.value = req.Value
			p.writeValue = true
		}
		out = endpoint.SetDirection(uid, req.Pin, endpointDirection(req.Direction))

	default:
		b.log.Warnf("%v: unknown command", req)
		return b.replyStatus(req.Cmd, req.Pin, genl.StatusProtocolError)
	}

	b.table.begin(req.Pin, p)
	if err := b.ep.Send(out); err != nil {
		return err
	}
	return nil
}

// onResponse correlates a secondary response with its pending request,
// updates the line table and answers the driver.
func (b *Bridge) onResponse(resp endpoint.Response) error {
	p, ok := b.table.get(resp.Pin)
	if !ok {
		b.log.Warnf("Discarding response for idle pin %d", resp.Pin)
		return nil
	}
	if resp.UID != b.chip.UID {
		b.log.Warnf("Discarding response for unknown uid %#x", resp.UID)
		return nil
	}
	if resp.Tag != p.expect {
		b.log.Warnf("Discarding response with tag %#x (pin %d expects %#x)",
			resp.Tag, resp.Pin, p.expect)
		return nil
	}

	if resp.Malformed {
		b.table.clear(resp.Pin)
		return b.replyStatus(p.cmd, resp.Pin, genl.StatusProtocolError)
	}

	status := driverStatus(resp.Status)

	switch p.cmd {
	case genl.CmdGetGpioValue:
		b.table.clear(resp.Pin)
		if status != genl.StatusOK {
			// the cached value is left untouched
			return b.replyStatus(p.cmd, resp.Pin, status)
		}
		b.table.lines[resp.Pin].Value = uint32(resp.Value)
		return b.replyValue(p.cmd, resp.Pin, uint32(resp.Value))

	case genl.CmdSetGpioValue:
		b.table.clear(resp.Pin)
		if status == genl.StatusOK {
			b.table.lines[resp.Pin].Value = p.arg
		}
		return b.replyStatus(p.cmd, resp.Pin, status)

	case genl.CmdSetGpioConfig:
		b.table.clear(resp.Pin)
		if status == genl.StatusOK {
			b.table.lines[resp.Pin].Config = genl.Config(p.arg)
		}
		return b.replyStatus(p.cmd, resp.Pin, status)

	case genl.CmdSetGpioDirection:
		if resp.Tag == endpoint.TagSetDirection {
			if status == genl.StatusOK {
				b.table.lines[resp.Pin].Direction = genl.Direction(p.arg)
				if p.writeValue {
					// direction change succeeded, drive the value
					p.expect = endpoint.TagSetValue
					return b.ep.Send(endpoint.SetValue(b.chip.UID, resp.Pin, uint8(p.value)))
				}
			}
			b.table.clear(resp.Pin)
			return b.replyStatus(p.cmd, resp.Pin, status)
		}
		// value write sub-step; the reported status is the last one
		b.table.clear(resp.Pin)
		if status == genl.StatusOK {
			b.table.lines[resp.Pin].Value = p.value
		}
		return b.replyStatus(p.cmd, resp.Pin, status)
	}

	b.table.clear(resp.Pin)
	return nil
}

// onDeadline answers every expired request with broken-pipe. The line
// state is left unchanged.
func (b *Bridge) onDeadline(now time.Time) error {
	for _, pin := range b.table.expired(now) {
		p, _ := b.table.get(pin)
		b.table.clear(pin)
		b.log.Warnf("Timeout on pin %d (cmd %d)", pin, p.cmd)
		if err := b.replyStatus(p.cmd, pin, genl.StatusBrokenPipe); err != nil {
			return err
		}
	}
	return nil
}

// shutdown is the clean exit path: drain in-flight requests, optionally
// deinitialize the driver, release everything.
func (b *Bridge) shutdown(deinit bool) error {
	b.drain()
	if deinit {
		if _, err := b.drv.Deinit(b.chip.UID, b.opts.opTimeout); err != nil {
			b.log.Warnf("Failed to deinitialize Kernel Driver: %v", err)
		} else {
			b.log.Infof("Deinitialized Kernel Driver (UID: %#x)", b.chip.UID)
		}
	}
	return nil
}

// drain waits for in-flight requests to complete or expire, bounded by the
// drain timeout. New driver commands are rejected with broken-pipe.
// Whatever remains afterwards is answered with broken-pipe.
func (b *Bridge) drain() {
	deadline := time.Now().Add(b.opts.drainTimeout)

	for b.table.pendingCount() > 0 {
		next, _ := b.table.nextDeadline()
		if next.After(deadline) {
			next = deadline
		}
		timer := time.NewTimer(time.Until(next))

		stop := false
		select {
		case resp := <-b.ep.Responses():
			if err := b.onResponse(resp); err != nil {
				stop = true
			}
		case req := <-b.drv.Commands():
			b.rejectDraining(req)
		case <-b.ep.Errs():
			stop = true
		case <-timer.C:
			b.onDeadline(time.Now())
			if !time.Now().Before(deadline) {
				stop = true
			}
		}
		timer.Stop()
		if stop {
			break
		}
	}

	for _, pin := range b.table.pins() {
		p, _ := b.table.get(pin)
		b.table.clear(pin)
		b.replyStatus(p.cmd, pin, genl.StatusBrokenPipe)
	}
}

// rejectDraining answers a driver command received while draining.
func (b *Bridge) rejectDraining(req genl.Request) {
	switch req.Cmd {
	case genl.CmdGetGpioValue, genl.CmdSetGpioValue, genl.CmdSetGpioConfig, genl.CmdSetGpioDirection:
		b.replyStatus(req.Cmd, req.Pin, genl.StatusBrokenPipe)
	default:
		b.log.Debugf("Ignoring %v while draining", req)
	}
}

// fail is the unrecoverable exit path: answer what is owed, notify the
// driver best-effort, release everything and report the error upwards.
func (b *Bridge) fail(err error) error {
	b.log.Errorf("%v", err)

	for _, pin := range b.table.pins() {
		p, _ := b.table.get(pin)
		b.table.clear(pin)
		b.replyStatus(p.cmd, pin, genl.StatusBrokenPipe)
	}

	if derr := b.drv.DeinitNotify(b.chip.UID); derr != nil {
		b.log.Debugf("Failed to notify Kernel Driver: %v", derr)
	}

	b.teardown()
	return err
}

func (b *Bridge) replyStatus(cmd uint8, pin uint32, status genl.Status) error {
	return b.drv.Reply(genl.Reply{
		Cmd:    cmd,
		UID:    b.chip.UID,
		Pin:    pin,
		HasPin: true,
		Status: status,
	})
}

func (b *Bridge) replyValue(cmd uint8, pin uint32, value uint32) error {
	return b.drv.Reply(genl.Reply{
		Cmd:      cmd,
		UID:      b.chip.UID,
		Pin:      pin,
		HasPin:   true,
		Status:   genl.StatusOK,
		Value:    value,
		HasValue: true,
	})
}

func (b *Bridge) teardown() {
	if b.closed {
		return
	}
	b.closed = true

	if b.watcher != nil {
		b.watcher.Close()
	}
	if b.ep != nil {
		b.ep.Close()
	}
	if b.drv != nil {
		b.drv.Close()
	}
	if b.lock != nil {
		b.lock.Close()
	}
}
