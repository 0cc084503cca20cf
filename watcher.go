// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package bridge

import (
	"fmt"

	"github.com/pilebones/go-udev/netlink"
	"github.com/sirupsen/logrus"
)

// chipWatcher observes udev for the virtual gpio chip the kernel driver
// registers after Init. It is advisory: an add event confirms the chip is
// visible to user space, and a remove event for the same device while the
// bridge is running means the driver tore the chip down underneath us.
type chipWatcher struct {
	log *logrus.Entry

	conn  *netlink.UEventConn
	queue chan netlink.UEvent
	errs  chan error
	quit  chan struct{}

	removed chan struct{}
}

func newChipWatcher(log *logrus.Entry) (*chipWatcher, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("unable to connect to the udev uevent socket: %w", err)
	}

	matcher := &netlink.RuleDefinition{
		Env: map[string]string{
			"SUBSYSTEM": "gpio",
			"DEVNAME":   "/dev/gpiochip\\d+",
		},
	}

	w := &chipWatcher{
		log:     log,
		conn:    conn,
		queue:   make(chan netlink.UEvent),
		errs:    make(chan error),
		removed: make(chan struct{}),
	}
	w.quit = conn.Monitor(w.queue, w.errs, matcher)
	go w.watch()
	return w, nil
}

// Removed is closed when the chip the watcher saw registered disappears.
func (w *chipWatcher) Removed() <-chan struct{} {
	return w.removed
}

func (w *chipWatcher) watch() {
	// the first add after Init is our chip
	var devpath string
	for {
		select {
		case evt := <-w.queue:
			switch evt.Action {
			case "add":
				if devpath == "" {
					devpath = evt.Env["DEVPATH"]
					w.log.Infof("Registered gpio chip (%s)", evt.Env["DEVNAME"])
				}
			case "remove":
				if devpath != "" && evt.Env["DEVPATH"] == devpath {
					close(w.removed)
					return
				}
			}
		case err := <-w.errs:
			w.log.Debugf("udev monitor: %v", err)
		case <-w.quit:
			return
		}
	}
}

func (w *chipWatcher) Close() {
	select {
	case w.quit <- struct{}{}:
	default:
	}
	w.conn.Close()
}
