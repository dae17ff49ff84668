// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/subcommands"

	"go.fuchsia.dev/tftp/lib/logger"
	"go.fuchsia.dev/tftp/lib/retry"
	"go.fuchsia.dev/tftp/tftp"
)

type putCmd struct {
	remote    string
	blockSize uint
	timeout   time.Duration
	tsize     bool
	retries   uint
	attempts  uint
}

func (*putCmd) Name() string { return "put" }

func (*putCmd) Synopsis() string { return "store a file on a TFTP server" }

func (*putCmd) Usage() string {
	return `put [flags] <host[:port]> <local path>

Stores the local file on the server, under its base name or -remote.

`
}

func (c *putCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.remote, "remote", "", "name to store under; the local base name if empty")
	f.UintVar(&c.blockSize, "block-size", 0, "block size to request via the blksize option; 0 requests nothing")
	f.DurationVar(&c.timeout, "timeout", 0, "retransmission timeout; whole-second values are offered to the server")
	f.BoolVar(&c.tsize, "tsize", false, "declare the transfer size via the tsize option")
	f.UintVar(&c.retries, "retries", 0, "retransmissions per lock-step exchange; 0 means the default of 5")
	f.UintVar(&c.attempts, "attempts", 1, "times to attempt the whole transfer before giving up")
}

func (c *putCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.run(ctx, f.Args()); err != nil {
		logger.Errorf(ctx, "%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *putCmd) run(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <host[:port]> <local path>")
	}
	addr, err := resolveServer(args[0])
	if err != nil {
		return err
	}
	local := args[1]
	remote := c.remote
	if remote == "" {
		remote = path.Base(local)
	}
	attempts := c.attempts
	if attempts == 0 {
		attempts = 1
	}
	return retry.Retry(ctx, retry.WithMaxAttempts(retry.NewConstantBackoff(time.Second), uint64(attempts)), func() error {
		client, err := tftp.NewClient(addr)
		if err != nil {
			return err
		}
		defer client.Close()
		client.BlockSize = uint16(c.blockSize)
		client.Timeout = c.timeout
		client.RequestSize = c.tsize
		client.Retries = int(c.retries)

		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if err := client.Write(ctx, remote, f, uint64(fi.Size())); err != nil {
			return fmt.Errorf("put %s to %s: %w", local, addr, err)
		}
		logger.Infof(ctx, "sent %q: %d bytes", local, fi.Size())
		return nil
	}, nil)
}
