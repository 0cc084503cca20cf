// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

// A utility to inspect and control the cpc-gpio kernel driver.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cpc-gpio-ctl",
	Short: "cpc-gpio-ctl is a utility to inspect and control the cpc-gpio kernel driver",
	Long:  "cpc-gpio-ctl talks to the CPC_GPIO_GENL generic netlink family for debugging and cleanup",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
