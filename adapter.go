// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package bridge

import (
	"github.com/SiliconLabs/cpc-gpio-expander/endpoint"
	"github.com/SiliconLabs/cpc-gpio-expander/genl"
)

// driverStatus maps a secondary status onto the driver STATUS set. An
// invalid pin reported by the secondary means the two sides disagree about
// the chip, which is a protocol error rather than a pin failure.
func driverStatus(s endpoint.Status) genl.Status {
	switch s {
	case endpoint.StatusOK:
		return genl.StatusOK
	case endpoint.StatusNotSupported:
		return genl.StatusNotSupported
	case endpoint.StatusInvalidPin:
		return genl.StatusProtocolError
	default:
		return genl.StatusUnknown
	}
}

// endpointConfig maps a kernel pinconf parameter onto the endpoint wire.
// Unknown parameters are not forwarded; the driver is told not-supported.
func endpointConfig(c genl.Config) (endpoint.Config, bool) {
	switch c {
	case genl.ConfigBiasDisable:
		return endpoint.ConfigBiasDisable, true
	case genl.ConfigBiasPullDown:
		return endpoint.ConfigBiasPullDown, true
	case genl.ConfigBiasPullUp:
		return endpoint.ConfigBiasPullUp, true
	case genl.ConfigDriveOpenDrain:
		return endpoint.ConfigDriveOpenDrain, true
	case genl.ConfigDriveOpenSource:
		return endpoint.ConfigDriveOpenSource, true
	case genl.ConfigDrivePushPull:
		return endpoint.ConfigDrivePushPull, true
	default:
		return 0, false
	}
}

// endpointDirection maps a driver direction onto the endpoint wire. The
// numeric values coincide but the schemas are independent.
func endpointDirection(d genl.Direction) endpoint.Direction {
	switch d {
	case genl.DirectionOutput:
		return endpoint.DirectionOutput
	case genl.DirectionInput:
		return endpoint.DirectionInput
	default:
		return endpoint.DirectionDisabled
	}
}
