// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

//go:build linux

// The user-space bridge between the cpc-gpio kernel driver and a CPC GPIO
// secondary.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/config"
	"github.com/warthog618/config/dict"
	"github.com/warthog618/config/keys"
	"github.com/warthog618/config/pflag"

	bridge "github.com/SiliconLabs/cpc-gpio-expander"
)

const (
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	cfg := loadConfig()

	trace := cfg.MustGet("trace").String()
	level := logrus.InfoLevel
	if trace == "bridge" || trace == "all" {
		level = logrus.DebugLevel
	}
	log := bridge.NewLogger(level)

	opts := []bridge.Option{
		bridge.WithLogger(log),
		bridge.WithInstance(cfg.MustGet("instance").String()),
		bridge.WithLockDir(cfg.MustGet("lock-dir").String()),
		bridge.WithFrameTracing(trace == "libcpc" || trace == "all"),
	}
	if uart := cfg.MustGet("uart").String(); uart != "" {
		opts = append(opts, bridge.WithUART(uart, int(cfg.MustGet("baud").Int())))
	}

	if cfg.MustGet("deinit").Bool() {
		if err := bridge.Deinit(opts...); err != nil {
			log.Error(err)
			os.Exit(exitStartup)
		}
		return
	}

	b, err := bridge.New(opts...)
	if err != nil {
		if errors.Is(err, bridge.ErrAlreadyRunning) {
			log.Error(err)
		} else {
			log.Errorf("Failed to start: %v", err)
		}
		os.Exit(exitStartup)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = b.Run(ctx); err != nil {
		os.Exit(exitRuntime)
	}
}

func loadConfig() *config.Config {
	ff := []pflag.Flag{
		{Short: 'h', Name: "help", Options: pflag.IsBool},
		{Short: 'V', Name: "version", Options: pflag.IsBool},
		{Short: 't', Name: "trace"},
		{Short: 'i', Name: "instance"},
		{Short: 'l', Name: "lock-dir"},
		{Short: 'd', Name: "deinit", Options: pflag.IsBool},
		{Short: 'u', Name: "uart"},
		{Short: 'b', Name: "baud"},
	}
	defaults := dict.New(dict.WithMap(
		map[string]interface{}{
			"help":     false,
			"version":  false,
			"trace":    "none",
			"instance": "cpcd_0",
			"lock-dir": "/tmp",
			"deinit":   false,
			"uart":     "",
			"baud":     0,
		}))
	flags := pflag.New(pflag.WithFlags(ff),
		pflag.WithKeyReplacer(keys.NullReplacer()),
	)
	cfg := config.New(flags, config.WithDefault(defaults))
	if cfg.MustGet("help").Bool() {
		printHelp()
		os.Exit(0)
	}
	if cfg.MustGet("version").Bool() {
		printVersion()
		os.Exit(0)
	}
	switch cfg.MustGet("trace").String() {
	case "none", "bridge", "libcpc", "all":
	default:
		fmt.Fprintln(os.Stderr, "cpc-gpio-bridge: invalid trace level")
		os.Exit(exitStartup)
	}
	return cfg
}

func printHelp() {
	fmt.Printf("Usage: %s [OPTIONS]\n", os.Args[0])
	fmt.Println("Expose the GPIO pins of a CPC secondary as a GPIO chip.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h, --help:\t\tdisplay this message and exit")
	fmt.Println("  -V, --version:\tdisplay the version and exit")
	fmt.Println("  -t, --trace=LEVEL:\tenable tracing (none, bridge, libcpc, all)")
	fmt.Println("  -i, --instance=NAME:\tname of the cpcd instance (default cpcd_0)")
	fmt.Println("  -l, --lock-dir=PATH:\tbridge lock directory (default /tmp)")
	fmt.Println("  -d, --deinit:\t\tdeinit the gpio chip and exit")
	fmt.Println("  -u, --uart=DEV:\tattach directly to a secondary on a serial device")
	fmt.Println("  -b, --baud=RATE:\tuart line rate (default 115200)")
}

func printVersion() {
	fmt.Printf("%s (cpc-gpio-expander) %s\n", os.Args[0], bridge.Version)
}
