// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/google/subcommands"

	"go.fuchsia.dev/tftp/lib/logger"
	"go.fuchsia.dev/tftp/lib/retry"
	"go.fuchsia.dev/tftp/tftp"
)

type getCmd struct {
	output    string
	blockSize uint
	timeout   time.Duration
	tsize     bool
	retries   uint
	attempts  uint
}

func (*getCmd) Name() string { return "get" }

func (*getCmd) Synopsis() string { return "fetch a file from a TFTP server" }

func (*getCmd) Usage() string {
	return `get [flags] <host[:port]> <remote path>

Fetches the remote file into the working directory, or to -o.

`
}

func (c *getCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "", "local path to write; the remote base name if empty")
	f.UintVar(&c.blockSize, "block-size", 0, "block size to request via the blksize option; 0 requests nothing")
	f.DurationVar(&c.timeout, "timeout", 0, "retransmission timeout; whole-second values are offered to the server")
	f.BoolVar(&c.tsize, "tsize", false, "probe the transfer size via the tsize option")
	f.UintVar(&c.retries, "retries", 0, "retransmissions per lock-step exchange; 0 means the default of 5")
	f.UintVar(&c.attempts, "attempts", 1, "times to attempt the whole transfer before giving up")
}

func (c *getCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.run(ctx, f.Args()); err != nil {
		logger.Errorf(ctx, "%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *getCmd) run(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <host[:port]> <remote path>")
	}
	addr, err := resolveServer(args[0])
	if err != nil {
		return err
	}
	remote := args[1]
	local := c.output
	if local == "" {
		local = path.Base(remote)
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

		f, err := os.Create(local)
		if err != nil {
			return err
		}
		n, err := client.Read(ctx, remote, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("get %s from %s: %w", remote, addr, err)
		}
		logger.Infof(ctx, "received %q: %d bytes", remote, n)
		return nil
	}, nil)
}

// resolveServer turns a host or host:port argument into a UDP address,
// defaulting to the well-known TFTP port.
func resolveServer(s string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, strconv.Itoa(tftp.ServerPort))
	}
	return net.ResolveUDPAddr("udp", s)
}
