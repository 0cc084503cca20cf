// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package bridge

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SiliconLabs/cpc-gpio-expander/endpoint"
)

// Option configures the bridge.
type Option func(*options)

type options struct {
	instance  string
	lockDir   string
	socketDir string

	uartDevice string
	uartBaud   int

	opTimeout        time.Duration
	drainTimeout     time.Duration
	handshakeTimeout time.Duration

	traceFrames bool
	watchChip   bool

	logger *logrus.Entry

	// test seams
	conn endpoint.Conn
	drv  DriverLink
}

func defaultOptions() options {
	return options{
		instance:         "cpcd_0",
		lockDir:          "/tmp",
		socketDir:        endpoint.DefaultSocketDir,
		uartBaud:         endpoint.DefaultBaud,
		opTimeout:        2 * time.Second,
		drainTimeout:     3 * time.Second,
		handshakeTimeout: 2 * time.Second,
		watchChip:        true,
	}
}

// WithInstance names the cpcd instance to attach to. The instance also
// keys the bridge lock.
func WithInstance(instance string) Option {
	return func(o *options) {
		o.instance = instance
	}
}

// WithLockDir sets the directory holding the bridge lock file.
func WithLockDir(dir string) Option {
	return func(o *options) {
		o.lockDir = dir
	}
}

// WithSocketDir sets the directory holding the cpcd endpoint sockets.
func WithSocketDir(dir string) Option {
	return func(o *options) {
		o.socketDir = dir
	}
}

// WithUART attaches directly to a secondary on a serial device instead of
// going through cpcd. A baud of 0 selects the default rate.
func WithUART(device string, baud int) Option {
	return func(o *options) {
		o.uartDevice = device
		if baud != 0 {
			o.uartBaud = baud
		}
	}
}

// WithOpTimeout bounds each secondary round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) {
		o.opTimeout = d
	}
}

// WithDrainTimeout bounds the wait for in-flight requests on shutdown.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		o.drainTimeout = d
	}
}

// WithLogger sets the bridge logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		o.logger = log
	}
}

// WithFrameTracing logs endpoint frames at debug level.
func WithFrameTracing(enable bool) Option {
	return func(o *options) {
		o.traceFrames = enable
	}
}

// WithChipWatcher enables or disables the advisory udev watcher for the
// virtual gpio chip.
func WithChipWatcher(enable bool) Option {
	return func(o *options) {
		o.watchChip = enable
	}
}

// WithEndpointConn supplies an established endpoint connection, bypassing
// the cpcd or UART dial. Used with the secmock secondary.
func WithEndpointConn(conn endpoint.Conn) Option {
	return func(o *options) {
		o.conn = conn
	}
}

// WithDriverLink supplies the driver boundary, bypassing generic netlink.
func WithDriverLink(drv DriverLink) Option {
	return func(o *options) {
		o.drv = drv
	}
}
