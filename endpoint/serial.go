// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package endpoint

import (
	"fmt"

	"github.com/tarm/serial"
)

// DefaultBaud is the default UART line rate.
const DefaultBaud = 115200

// DialUART connects directly to a secondary on a UART, for development
// boards that are not behind cpcd. The UART offers no integrity guarantee
// of its own, so frames carry a CRC-8 trailer.
func DialUART(device string, baud int) (Conn, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open uart %s: %w", device, err)
	}
	return NewCheckedConn(port), nil
}
