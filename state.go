// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package bridge

import (
	"time"

	"github.com/SiliconLabs/cpc-gpio-expander/genl"
)

// LineState is the last acknowledged state of one line. It only changes
// when the secondary confirms the corresponding transition.
type LineState struct {
	Direction genl.Direction

	// Value is the last driven value, meaningful while the line is an
	// output, or the last successful read.
	Value uint32

	Config genl.Config
}

// pending is the single in-flight request slot of a line.
type pending struct {
	cmd      uint8 // driver command owed a reply
	expect   uint8 // endpoint response tag that completes the current step
	deadline time.Time

	// requested transition, applied to the line state on success
	arg uint32

	// SetDirection(output) may carry a value to drive once the
	// direction change succeeds.
	value      uint32
	writeValue bool
}

// lineTable holds the chip's line states and the pending request slots.
// It is confined to the event loop and needs no locking.
type lineTable struct {
	lines   []LineState
	pending map[uint32]*pending
}

func newLineTable(n int) *lineTable {
	t := &lineTable{
		lines:   make([]LineState, n),
		pending: make(map[uint32]*pending, n),
	}
	for i := range t.lines {
		t.lines[i].Direction = genl.DirectionInput
	}
	return t
}

func (t *lineTable) size() int {
	return len(t.lines)
}

// begin records an in-flight request for the pin. It reports false if the
// pin is already busy.
func (t *lineTable) begin(pin uint32, p *pending) bool {
	if _, busy := t.pending[pin]; busy {
		return false
	}
	t.pending[pin] = p
	return true
}

// get returns the pending slot for the pin, if any.
func (t *lineTable) get(pin uint32) (*pending, bool) {
	p, ok := t.pending[pin]
	return p, ok
}

// clear releases the pending slot so the pin is usable again.
func (t *lineTable) clear(pin uint32) {
	delete(t.pending, pin)
}

func (t *lineTable) pendingCount() int {
	return len(t.pending)
}

// nextDeadline returns the earliest pending deadline.
func (t *lineTable) nextDeadline() (time.Time, bool) {
	var min time.Time
	found := false
	for _, p := range t.pending {
		if !found || p.deadline.Before(min) {
			min = p.deadline
			found = true
		}
	}
	return min, found
}

// expired returns the pins whose deadline has passed.
func (t *lineTable) expired(now time.Time) []uint32 {
	var pins []uint32
	for pin, p := range t.pending {
		if !p.deadline.After(now) {
			pins = append(pins, pin)
		}
	}
	return pins
}

// pins returns all pins with a pending slot.
func (t *lineTable) pins() []uint32 {
	pins := make([]uint32, 0, len(t.pending))
	for pin := range t.pending {
		pins = append(pins, pin)
	}
	return pins
}

// snapshot returns the line state for the pin.
func (t *lineTable) snapshot(pin uint32) LineState {
	return t.lines[pin]
}
