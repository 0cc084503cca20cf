// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	bridge "github.com/SiliconLabs/cpc-gpio-expander"
	"github.com/SiliconLabs/cpc-gpio-expander/genl"
)

func init() {
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch driver multicast traffic",
	Long:  `Join the CPC_GPIO_GENL_M multicast group and print every command until interrupted.`,
	RunE:  monitor,
}

func monitor(cmd *cobra.Command, args []string) error {
	log := bridge.NewLogger(logrus.WarnLevel)
	c, err := genl.Connect(genl.UIDAll, log)
	if err != nil {
		return err
	}
	defer c.Close()
	c.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case req := <-c.Commands():
			fmt.Printf("UID { %#x } %v\n", req.UID, req)
		case err := <-c.Errs():
			return err
		case <-sigs:
			return nil
		}
	}
}
