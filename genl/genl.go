// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package genl

import (
	"errors"
	"fmt"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrDriverNotLoaded indicates the CPC_GPIO_GENL family is not
	// registered with the kernel.
	ErrDriverNotLoaded = errors.New("generic netlink family not found - is the kernel driver loaded?")

	// ErrVersionMismatch indicates the kernel driver speaks an
	// incompatible API version.
	ErrVersionMismatch = errors.New("kernel driver API version mismatch")
)

// Client connects the bridge to the kernel driver's generic netlink family.
//
// It holds two sockets, as the driver does on its side: a unicast socket
// used to issue commands and read the driver's acknowledgements, and a
// multicast socket joined to CPC_GPIO_GENL_M on which the driver emits GPIO
// commands. Incoming commands are decoded, filtered by uid and delivered on
// Commands; a receive failure is terminal and is delivered on Errs.
type Client struct {
	log *logrus.Entry

	uc     *genetlink.Conn
	mc     *genetlink.Conn
	family genetlink.Family

	uid  uint64
	cmds chan Request
	errs chan error
}

// Connect dials generic netlink, resolves the driver family and joins its
// multicast group. Commands addressed to uid (or to all peers) are delivered
// on Commands once Start has been called.
func Connect(uid uint64, log *logrus.Entry) (*Client, error) {
	uc, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial generic netlink: %w", err)
	}

	family, err := uc.GetFamily(FamilyName)
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("%w: %v", ErrDriverNotLoaded, err)
	}

	var groupID uint32
	found := false
	for _, g := range family.Groups {
		if g.Name == MulticastGroupName {
			groupID = g.ID
			found = true
			break
		}
	}
	if !found {
		uc.Close()
		return nil, fmt.Errorf("family %s has no multicast group %s", FamilyName, MulticastGroupName)
	}

	mc, err := genetlink.Dial(nil)
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("failed to dial generic netlink: %w", err)
	}
	if err = mc.JoinGroup(groupID); err != nil {
		uc.Close()
		mc.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %w", MulticastGroupName, err)
	}

	c := &Client{
		log:    log,
		uc:     uc,
		mc:     mc,
		family: family,
		uid:    uid,
		cmds:   make(chan Request, 16),
		errs:   make(chan error, 1),
	}
	return c, nil
}

// Start launches the multicast receive loop.
func (c *Client) Start() {
	go c.watch()
}

// Commands delivers decoded driver commands addressed to this chip.
func (c *Client) Commands() <-chan Request {
	return c.cmds
}

// Errs delivers the terminal receive error, if any.
func (c *Client) Errs() <-chan error {
	return c.errs
}

// Init advertises the chip to the driver and waits for its unicast
// acknowledgement.
func (c *Client) Init(ci ChipInfo, timeout time.Duration) error {
	m, err := EncodeInit(ci)
	if err != nil {
		return err
	}
	if err = c.send(m); err != nil {
		return fmt.Errorf("failed to send Init: %w", err)
	}

	ack, err := c.readAck(timeout)
	if err != nil {
		return fmt.Errorf("no Init acknowledgement from kernel driver: %w", err)
	}
	if ack.Errno != 0 {
		return fmt.Errorf("kernel driver refused Init (uid: %#x): %v",
			ci.UID, unix.Errno(ack.Errno))
	}

	c.log.Infof("Initialized Kernel Driver (UID: %#x, Label: %q, GPIOs: %v)",
		ci.UID, ci.Label, ci.Names)
	return nil
}

// Deinit asks the driver to tear down the chip with the given uid and waits
// for its unicast acknowledgement. The acknowledgement carries the driver's
// API version, which is checked against APIVersion.
func (c *Client) Deinit(uid uint64, timeout time.Duration) (Version, error) {
	m, err := EncodeDeinit(uid)
	if err != nil {
		return Version{}, err
	}
	if err = c.send(m); err != nil {
		return Version{}, fmt.Errorf("failed to send Deinit: %w", err)
	}

	ack, err := c.readAck(timeout)
	if err != nil {
		return Version{}, fmt.Errorf("no Deinit acknowledgement from kernel driver: %w", err)
	}
	if ack.GenlVersion != FamilyVersion {
		return Version{}, fmt.Errorf("%w: bridge genl v%d != driver genl v%d",
			ErrVersionMismatch, FamilyVersion, ack.GenlVersion)
	}
	if !ack.HasVersion {
		return Version{}, fmt.Errorf("%w: Deinit acknowledgement carries no version", ErrProtocol)
	}
	if ack.Version.Major != APIVersion.Major {
		return ack.Version, fmt.Errorf("%w: bridge API v%v is not compatible with driver API v%v",
			ErrVersionMismatch, APIVersion, ack.Version)
	}
	if ack.Errno != 0 {
		return ack.Version, fmt.Errorf("kernel driver refused Deinit (uid: %#x): %v",
			uid, unix.Errno(ack.Errno))
	}
	return ack.Version, nil
}

// DeinitNotify sends a Deinit without waiting for an acknowledgement. Used
// on teardown paths where the driver may already be gone.
func (c *Client) DeinitNotify(uid uint64) error {
	m, err := EncodeDeinit(uid)
	if err != nil {
		return err
	}
	return c.send(m)
}

// Reply sends a reply to a driver command. A send that fails because nobody
// is listening is not an error.
func (c *Client) Reply(r Reply) error {
	m, err := EncodeReply(r)
	if err != nil {
		return err
	}
	if err = c.send(m); err != nil {
		if errors.Is(err, unix.ESRCH) {
			c.log.Debugf("No listener for %d reply (uid: %#x)", r.Cmd, r.UID)
			return nil
		}
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// Close closes both netlink sockets. The receive loop, if running, will
// terminate with an error which is discarded by the event loop once closed.
func (c *Client) Close() error {
	err := c.uc.Close()
	if err2 := c.mc.Close(); err == nil {
		err = err2
	}
	return err
}

func (c *Client) send(m genetlink.Message) error {
	_, err := c.uc.Send(m, c.family.ID, netlink.Request)
	return err
}

func (c *Client) readAck(timeout time.Duration) (Ack, error) {
	if err := c.uc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Ack{}, err
	}
	defer c.uc.SetReadDeadline(time.Time{})

	msgs, _, err := c.uc.Receive()
	if err != nil {
		return Ack{}, err
	}
	if len(msgs) == 0 {
		return Ack{}, fmt.Errorf("%w: empty read from kernel driver", ErrProtocol)
	}
	return DecodeAck(msgs[0])
}

// watch is the multicast receive loop. It terminates on the first receive
// error, which it reports on errs.
func (c *Client) watch() {
	for {
		msgs, _, err := c.mc.Receive()
		if err != nil {
			c.errs <- fmt.Errorf("failed to read from multicast socket: %w", err)
			return
		}
		for _, m := range msgs {
			req, err := DecodeRequest(m)
			if err != nil {
				c.log.Warnf("Discarding driver message: %v", err)
				continue
			}
			// a client connected with UIDAll observes every chip
			if c.uid != UIDAll && req.UID != UIDAll && req.UID != c.uid {
				continue
			}
			c.cmds <- req
		}
	}
}
