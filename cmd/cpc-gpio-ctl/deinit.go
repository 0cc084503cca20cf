// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	bridge "github.com/SiliconLabs/cpc-gpio-expander"
	"github.com/SiliconLabs/cpc-gpio-expander/genl"
)

func init() {
	deinitCmd.Flags().Uint64Var(&deinitOpts.UID, "uid", genl.UIDAll, "unique id of the chip to tear down (0 for all)")
	rootCmd.AddCommand(deinitCmd)
}

var deinitOpts = struct {
	UID uint64
}{}

var deinitCmd = &cobra.Command{
	Use:   "deinit",
	Short: "Tear down the virtual gpio chip",
	Long:  `Send a Deinit to the kernel driver and report its API version.`,
	RunE:  deinit,
}

func deinit(cmd *cobra.Command, args []string) error {
	log := bridge.NewLogger(logrus.WarnLevel)
	c, err := genl.Connect(genl.UIDAll, log)
	if err != nil {
		return err
	}
	defer c.Close()

	ver, err := c.Deinit(deinitOpts.UID, 2*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("deinitialized (driver API v%v)\n", ver)
	return nil
}
