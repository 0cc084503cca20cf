// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	patterns := []Request{
		GetValue(0xA1B2, 1),
		SetValue(0xA1B2, 0, 1),
		SetConfig(0xA1B2, 3, ConfigBiasPullUp),
		SetDirection(0xA1B2, 2, DirectionOutput),
	}
	for _, want := range patterns {
		got, err := DecodeRequest(EncodeRequest(want))
		require.Nil(t, err)
		assert.Equal(t, want, got)
	}
}

func TestGreetingRoundTrip(t *testing.T) {
	v, err := DecodeGreeting(EncodeGreeting(Version{1, 2, 3}))
	require.Nil(t, err)
	assert.Equal(t, Version{1, 2, 3}, v)
}

func TestDescriptorRoundTrip(t *testing.T) {
	want := Descriptor{
		UID:     0xA1B2,
		Version: Version{1, 0, 0},
		Label:   "CPC-EXP",
		Names:   []string{"P0", "P1"},
	}
	got, err := DecodeDescriptor(EncodeDescriptor(want))
	require.Nil(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeDescriptorVersionMismatch(t *testing.T) {
	_, err := DecodeDescriptor(EncodeVersionMismatch(Version{2, 0, 0}))
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDecodeDescriptorTruncated(t *testing.T) {
	p := EncodeDescriptor(Descriptor{
		UID:     0xA1B2,
		Version: Version{1, 0, 0},
		Label:   "CPC-EXP",
		Names:   []string{"P0", "P1"},
	})
	for i := 1; i < len(p); i++ {
		_, err := DecodeDescriptor(p[:i])
		assert.NotNil(t, err, "length %d", i)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	patterns := []Response{
		{Tag: TagGetValue, UID: 0xA1B2, Pin: 1, Status: StatusOK, Value: 1, HasValue: true},
		{Tag: TagGetValue, UID: 0xA1B2, Pin: 1, Status: StatusInvalidPin},
		{Tag: TagSetValue, UID: 0xA1B2, Pin: 0, Status: StatusOK},
		{Tag: TagSetConfig, UID: 0xA1B2, Pin: 3, Status: StatusNotSupported},
		{Tag: TagSetDirection, UID: 0xA1B2, Pin: 2, Status: StatusOK},
	}
	for _, want := range patterns {
		got, err := DecodeResponse(EncodeResponse(want))
		require.Nil(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeResponseMissingValue(t *testing.T) {
	// a successful read with no value byte is addressable but malformed
	p := EncodeResponse(Response{Tag: TagGetValue, UID: 0xA1B2, Pin: 1, Status: StatusOK})
	r, err := DecodeResponse(p)
	require.Nil(t, err)
	assert.True(t, r.Malformed)
	assert.False(t, r.HasValue)
	assert.Equal(t, uint32(1), r.Pin)
}

func TestDecodeResponseErrors(t *testing.T) {
	_, err := DecodeResponse([]byte{})
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = DecodeResponse([]byte{0x77, 0, 0, 0})
	assert.ErrorIs(t, err, ErrProtocol)

	// truncated before status
	p := EncodeResponse(Response{Tag: TagSetValue, UID: 0xA1B2, Pin: 0, Status: StatusOK})
	_, err = DecodeResponse(p[:len(p)-1])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDescriptorValidate(t *testing.T) {
	good := Descriptor{UID: 1, Label: "exp", Names: []string{"P0", "P1"}}
	assert.Nil(t, good.Validate())

	patterns := []struct {
		name string
		d    Descriptor
	}{
		{"zero uid", Descriptor{Label: "exp", Names: []string{"P0"}}},
		{"empty label", Descriptor{UID: 1, Names: []string{"P0"}}},
		{"no names", Descriptor{UID: 1, Label: "exp"}},
		{"empty name", Descriptor{UID: 1, Label: "exp", Names: []string{"P0", ""}}},
		{"duplicate name", Descriptor{UID: 1, Label: "exp", Names: []string{"P0", "P0"}}},
		{"too many", Descriptor{UID: 1, Label: "exp", Names: make([]string, MaxGpioCount+1)}},
	}
	for _, p := range patterns {
		tf := func(t *testing.T) {
			assert.ErrorIs(t, p.d.Validate(), ErrProtocol)
		}
		t.Run(p.name, tf)
	}
}
