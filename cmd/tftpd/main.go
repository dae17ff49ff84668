// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// tftpd serves a directory over TFTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"go.fuchsia.dev/tftp/lib/color"
	"go.fuchsia.dev/tftp/lib/logger"
	"go.fuchsia.dev/tftp/tftp"
)

// config holds the server settings. A YAML file given with -config is
// loaded first; flags set explicitly on the command line override it.
type config struct {
	Addr                   string `yaml:"addr"`
	Root                   string `yaml:"root"`
	ReadOnly               bool   `yaml:"read_only"`
	MaxBlockSize           uint   `yaml:"max_block_size"`
	TimeoutSeconds         uint   `yaml:"timeout_seconds"`
	Retries                uint   `yaml:"retries"`
	TransferTimeoutSeconds uint   `yaml:"transfer_timeout_seconds"`
	MaxTransferSize        uint64 `yaml:"max_transfer_size"`
}

func defaultConfig() config {
	return config{
		Addr: ":69",
		Root: ".",
	}
}

var (
	colors     color.EnableColor
	level      logger.LogLevel
	configPath string
	flagCfg    config
)

func init() {
	colors = color.ColorAuto
	level = logger.InfoLevel
	flagCfg = defaultConfig()
	flag.Var(&colors, "color", "use color in output, can be never, auto, always")
	flag.Var(&level, "level", "output verbosity, can be fatal, error, warning, info, debug or trace")
	flag.StringVar(&configPath, "config", "", "YAML file of server settings; explicit flags override it")
	flag.StringVar(&flagCfg.Addr, "addr", flagCfg.Addr, "UDP address to listen on")
	flag.StringVar(&flagCfg.Root, "root", flagCfg.Root, "directory to serve")
	flag.BoolVar(&flagCfg.ReadOnly, "read-only", false, "reject write requests")
	flag.UintVar(&flagCfg.MaxBlockSize, "max-block-size", 0, "cap on the blksize option; 0 means the protocol maximum")
	flag.UintVar(&flagCfg.TimeoutSeconds, "timeout", 0, "default retransmission timeout in seconds; 0 means 3")
	flag.UintVar(&flagCfg.Retries, "retries", 0, "retransmissions per lock-step exchange; 0 means 5")
	flag.UintVar(&flagCfg.TransferTimeoutSeconds, "transfer-timeout", 0, "wall-clock cap on a single transfer in seconds; 0 means 30 minutes")
	flag.Uint64Var(&flagCfg.MaxTransferSize, "max-transfer-size", 0, "reject writes declaring a larger tsize; 0 means no limit")
}

// loadConfig merges the config file, if any, with the flags that were
// set explicitly.
func loadConfig() (config, error) {
	c := defaultConfig()
	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			return c, err
		}
		if err := yaml.UnmarshalStrict(b, &c); err != nil {
			return c, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			c.Addr = flagCfg.Addr
		case "root":
			c.Root = flagCfg.Root
		case "read-only":
			c.ReadOnly = flagCfg.ReadOnly
		case "max-block-size":
			c.MaxBlockSize = flagCfg.MaxBlockSize
		case "timeout":
			c.TimeoutSeconds = flagCfg.TimeoutSeconds
		case "retries":
			c.Retries = flagCfg.Retries
		case "transfer-timeout":
			c.TransferTimeoutSeconds = flagCfg.TransferTimeoutSeconds
		case "max-transfer-size":
			c.MaxTransferSize = flagCfg.MaxTransferSize
		}
	})
	return c, nil
}

func main() {
	flag.Parse()

	l := logger.NewLogger(level, color.NewColor(colors), os.Stdout, os.Stderr, "tftpd ")
	ctx := logger.WithLogger(context.Background(), l)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := loadConfig()
	if err != nil {
		logger.Fatalf(ctx, "loading config: %v", err)
	}

	srv := &tftp.Server{
		Handler:         &tftp.DirHandler{Root: c.Root},
		Addr:            c.Addr,
		MaxBlockSize:    uint16(c.MaxBlockSize),
		Timeout:         time.Duration(c.TimeoutSeconds) * time.Second,
		Retries:         int(c.Retries),
		TransferTimeout: time.Duration(c.TransferTimeoutSeconds) * time.Second,
		MaxTransferSize: c.MaxTransferSize,
		ReadOnly:        c.ReadOnly,
	}
	logger.Infof(ctx, "serving %q on %s", c.Root, c.Addr)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatalf(ctx, "server: %v", err)
	}
}
