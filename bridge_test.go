// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package bridge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridge "github.com/SiliconLabs/cpc-gpio-expander"
	"github.com/SiliconLabs/cpc-gpio-expander/genl"
	"github.com/SiliconLabs/cpc-gpio-expander/secmock"
)

// fakeDriver drives the bridge's kernel boundary from the test.
type fakeDriver struct {
	mu sync.Mutex

	cmds    chan genl.Request
	errs    chan error
	replies chan genl.Reply

	inits   []genl.ChipInfo
	deinits []uint64
	// order of Init/Deinit calls, for the startup contract
	calls []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		cmds:    make(chan genl.Request, 16),
		errs:    make(chan error, 1),
		replies: make(chan genl.Reply, 64),
	}
}

func (d *fakeDriver) Start() {}

func (d *fakeDriver) Init(ci genl.ChipInfo, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits = append(d.inits, ci)
	d.calls = append(d.calls, "init")
	return nil
}

func (d *fakeDriver) Deinit(uid uint64, timeout time.Duration) (genl.Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deinits = append(d.deinits, uid)
	d.calls = append(d.calls, "deinit")
	return genl.APIVersion, nil
}

func (d *fakeDriver) DeinitNotify(uid uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deinits = append(d.deinits, uid)
	d.calls = append(d.calls, "deinit-notify")
	return nil
}

func (d *fakeDriver) Reply(r genl.Reply) error {
	d.replies <- r
	return nil
}

func (d *fakeDriver) Commands() <-chan genl.Request {
	return d.cmds
}

func (d *fakeDriver) Errs() <-chan error {
	return d.errs
}

func (d *fakeDriver) Close() error {
	return nil
}

func (d *fakeDriver) callOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) reply(t *testing.T) genl.Reply {
	t.Helper()
	select {
	case r := <-d.replies:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from bridge")
		return genl.Reply{}
	}
}

type fixture struct {
	sec *secmock.Secondary
	drv *fakeDriver
	b   *bridge.Bridge

	cancel context.CancelFunc
	done   chan error
}

func newFixture(t *testing.T, opts ...bridge.Option) *fixture {
	t.Helper()

	sec := secmock.New(0xA1B2, "CPC-EXP", []string{"P0", "P1"})
	drv := newFakeDriver()

	opts = append([]bridge.Option{
		bridge.WithLogger(bridge.NewLogger(logrus.PanicLevel)),
		bridge.WithLockDir(t.TempDir()),
		bridge.WithChipWatcher(false),
		bridge.WithEndpointConn(sec.Conn()),
		bridge.WithDriverLink(drv),
		bridge.WithDrainTimeout(time.Second),
	}, opts...)

	b, err := bridge.New(opts...)
	require.Nil(t, err)

	f := &fixture{sec: sec, drv: drv, b: b, done: make(chan error, 1)}
	t.Cleanup(func() {
		f.stop(t)
		sec.Close()
	})
	return f
}

func (f *fixture) run() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.done <- f.b.Run(ctx)
	}()
}

// stop cancels the run and waits for a clean exit.
func (f *fixture) stop(t *testing.T) {
	t.Helper()
	if f.cancel == nil {
		f.b.Close()
		return
	}
	f.cancel()
	f.cancel = nil
	f.wait(t)
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		f.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not exit")
		return nil
	}
}

func TestNew(t *testing.T) {
	f := newFixture(t)

	// the chip descriptor is advertised as received from the secondary
	ci := f.b.Chip()
	assert.Equal(t, uint64(0xA1B2), ci.UID)
	assert.Equal(t, "CPC-EXP", ci.Label)
	assert.Equal(t, []string{"P0", "P1"}, ci.Names)

	// stale state is cleared before the chip is advertised
	assert.Equal(t, []string{"deinit", "init"}, f.drv.callOrder())
	require.Len(t, f.drv.inits, 1)
	assert.Equal(t, ci, f.drv.inits[0])
}

func TestSecondBridgeRefused(t *testing.T) {
	dir := t.TempDir()
	lock, err := bridge.TakeLock(dir, "cpcd_0")
	require.Nil(t, err)
	defer lock.Close()

	drv := newFakeDriver()
	start := time.Now()
	_, err = bridge.New(
		bridge.WithLogger(bridge.NewLogger(logrus.PanicLevel)),
		bridge.WithLockDir(dir),
		bridge.WithDriverLink(drv),
	)
	assert.ErrorIs(t, err, bridge.ErrAlreadyRunning)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// the loser emits no netlink traffic
	assert.Empty(t, drv.callOrder())
}

func TestGetValue(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.sec.SetValue(1, 1)
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 1}

	r := f.drv.reply(t)
	assert.Equal(t, genl.CmdGetGpioValue, r.Cmd)
	assert.Equal(t, uint64(0xA1B2), r.UID)
	assert.Equal(t, uint32(1), r.Pin)
	assert.Equal(t, genl.StatusOK, r.Status)
	require.True(t, r.HasValue)
	assert.Equal(t, uint32(1), r.Value)
}

func TestGetValueTimeout(t *testing.T) {
	f := newFixture(t, bridge.WithOpTimeout(100*time.Millisecond))
	f.run()

	f.sec.DropResponses(1)
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 1}

	r := f.drv.reply(t)
	assert.Equal(t, genl.CmdGetGpioValue, r.Cmd)
	assert.Equal(t, genl.StatusBrokenPipe, r.Status)
	assert.False(t, r.HasValue)

	// the pin is usable again after the timeout
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 1}
	r = f.drv.reply(t)
	assert.Equal(t, genl.StatusOK, r.Status)
}

func TestSetDirectionThenSetValue(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.drv.cmds <- genl.Request{
		Cmd: genl.CmdSetGpioDirection, UID: 0xA1B2, Pin: 0,
		Direction: genl.DirectionOutput,
	}
	r := f.drv.reply(t)
	assert.Equal(t, genl.CmdSetGpioDirection, r.Cmd)
	assert.Equal(t, genl.StatusOK, r.Status)

	f.drv.cmds <- genl.Request{
		Cmd: genl.CmdSetGpioValue, UID: 0xA1B2, Pin: 0,
		Value: 1, HasValue: true,
	}
	r = f.drv.reply(t)
	assert.Equal(t, genl.CmdSetGpioValue, r.Cmd)
	assert.Equal(t, genl.StatusOK, r.Status)

	value, _, dir := f.sec.Line(0)
	assert.Equal(t, uint8(1), value)
	assert.EqualValues(t, 0, dir) // output

	f.stop(t)
	assert.Equal(t, genl.DirectionOutput, f.b.Line(0).Direction)
	assert.Equal(t, uint32(1), f.b.Line(0).Value)
}

func TestSetDirectionOutputWithValue(t *testing.T) {
	f := newFixture(t)
	f.run()

	// a single command carrying direction and value performs the value
	// write once the direction change succeeds, and replies once
	f.drv.cmds <- genl.Request{
		Cmd: genl.CmdSetGpioDirection, UID: 0xA1B2, Pin: 0,
		Direction: genl.DirectionOutput, Value: 1, HasValue: true,
	}
	r := f.drv.reply(t)
	assert.Equal(t, genl.CmdSetGpioDirection, r.Cmd)
	assert.Equal(t, genl.StatusOK, r.Status)

	value, _, _ := f.sec.Line(0)
	assert.Equal(t, uint8(1), value)

	f.stop(t)
	assert.Equal(t, genl.DirectionOutput, f.b.Line(0).Direction)
	assert.Equal(t, uint32(1), f.b.Line(0).Value)
}

func TestUnsupportedConfig(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.drv.cmds <- genl.Request{
		Cmd: genl.CmdSetGpioConfig, UID: 0xA1B2, Pin: 0,
		Config: genl.Config(0xFF),
	}
	r := f.drv.reply(t)
	assert.Equal(t, genl.StatusNotSupported, r.Status)

	// the secondary was not contacted
	_, cfg, _ := f.sec.Line(0)
	assert.EqualValues(t, 0, cfg)
}

func TestSetConfig(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.drv.cmds <- genl.Request{
		Cmd: genl.CmdSetGpioConfig, UID: 0xA1B2, Pin: 0,
		Config: genl.ConfigBiasPullUp,
	}
	r := f.drv.reply(t)
	assert.Equal(t, genl.StatusOK, r.Status)

	f.stop(t)
	assert.Equal(t, genl.ConfigBiasPullUp, f.b.Line(0).Config)
}

func TestBusyPin(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.sec.DropResponses(1)
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 1}
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 1}

	// the second command is refused while the first is in flight
	r := f.drv.reply(t)
	assert.Equal(t, genl.StatusProtocolError, r.Status)
}

func TestDistinctPinsInFlight(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.sec.SetValue(0, 1)
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 0}
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 1}

	seen := map[uint32]genl.Reply{}
	for i := 0; i < 2; i++ {
		r := f.drv.reply(t)
		seen[r.Pin] = r
	}
	require.Len(t, seen, 2)
	assert.Equal(t, genl.StatusOK, seen[0].Status)
	assert.Equal(t, uint32(1), seen[0].Value)
	assert.Equal(t, genl.StatusOK, seen[1].Status)
	assert.Equal(t, uint32(0), seen[1].Value)
}

func TestUnknownPin(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 5}
	r := f.drv.reply(t)
	assert.Equal(t, genl.StatusProtocolError, r.Status)
	assert.Equal(t, uint32(5), r.Pin)
}

func TestDuplicateInit(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.drv.cmds <- genl.Request{Cmd: genl.CmdInit, UID: 0xA1B2}
	r := f.drv.reply(t)
	assert.Equal(t, genl.CmdInit, r.Cmd)
	assert.Equal(t, genl.StatusProtocolError, r.Status)
}

func TestIdempotentSetValue(t *testing.T) {
	f := newFixture(t)
	f.run()

	for i := 0; i < 2; i++ {
		f.drv.cmds <- genl.Request{
			Cmd: genl.CmdSetGpioValue, UID: 0xA1B2, Pin: 0,
			Value: 1, HasValue: true,
		}
		r := f.drv.reply(t)
		assert.Equal(t, genl.StatusOK, r.Status)
	}

	f.stop(t)
	assert.Equal(t, uint32(1), f.b.Line(0).Value)
}

func TestMalformedGetResponse(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.sec.OmitValueOnce()
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 0}

	r := f.drv.reply(t)
	assert.Equal(t, genl.StatusProtocolError, r.Status)
	assert.False(t, r.HasValue)

	f.stop(t)
	// the cached value is untouched
	assert.Equal(t, uint32(0), f.b.Line(0).Value)
}

func TestDeinitWithPendingPin(t *testing.T) {
	f := newFixture(t, bridge.WithOpTimeout(100*time.Millisecond))
	f.run()

	f.sec.DropResponses(1)
	f.drv.cmds <- genl.Request{Cmd: genl.CmdGetGpioValue, UID: 0xA1B2, Pin: 1}
	f.drv.cmds <- genl.Request{Cmd: genl.CmdDeinit, UID: 0xA1B2}

	// the deinit is acknowledged with the bridge's API version
	r := f.drv.reply(t)
	assert.Equal(t, genl.CmdDeinit, r.Cmd)
	assert.Equal(t, genl.StatusOK, r.Status)
	require.True(t, r.HasVersion)
	assert.Equal(t, genl.APIVersion, r.Version)

	// the pending pin is answered before exit
	r = f.drv.reply(t)
	assert.Equal(t, genl.CmdGetGpioValue, r.Cmd)
	assert.Equal(t, uint32(1), r.Pin)
	assert.Equal(t, genl.StatusBrokenPipe, r.Status)

	assert.Nil(t, f.wait(t))
}

func TestExitCommand(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.drv.cmds <- genl.Request{Cmd: genl.CmdExit, UID: genl.UIDAll, Message: "driver unloading"}
	assert.Nil(t, f.wait(t))
}

func TestSignalShutdown(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.cancel()
	f.cancel = nil
	assert.Nil(t, f.wait(t))

	// the chip is deinitialized on the way out, on top of the startup
	// deinit
	assert.Equal(t, []string{"deinit", "init", "deinit"}, f.drv.callOrder())
}

func TestEndpointClosed(t *testing.T) {
	f := newFixture(t)
	f.run()

	f.sec.Close()

	err := f.wait(t)
	assert.NotNil(t, err)

	// a best-effort deinit notification was sent
	assert.Contains(t, f.drv.callOrder(), "deinit-notify")
}
