// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tftp

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

// ClientImpl implements the client side of TFTP transfers. A client
// holds one socket and runs one transfer at a time; the peer's
// transfer ID is locked to the source of the server's first reply.
type ClientImpl struct {
	conn *net.UDPConn
	addr *net.UDPAddr

	// BlockSize, when nonzero, is requested through the blksize
	// option. The server may clamp it down.
	BlockSize uint16

	// Timeout is the per-packet retransmission timeout. A nonzero
	// whole-second value in 1..255 is also offered to the server
	// through the timeout option. Zero means 3 seconds.
	Timeout time.Duration

	// RequestSize adds the tsize option to requests: a probe for the
	// file size on reads, the declared size on writes.
	RequestSize bool

	// Retries is the retransmission budget per lock-step exchange.
	// Zero means 5.
	Retries int
}

// NewClient returns a client that sends its requests to addr from a
// freshly bound ephemeral port.
func NewClient(addr *net.UDPAddr) (*ClientImpl, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	return &ClientImpl{conn: conn, addr: addr}, nil
}

// Close releases the client's socket.
func (c *ClientImpl) Close() error {
	return c.conn.Close()
}

func (c *ClientImpl) newTransfer() *transfer {
	opts := defaultOptions()
	if c.BlockSize >= minBlockSize && c.BlockSize <= maxBlockSize {
		opts.blockSize = c.BlockSize
	}
	if c.Timeout >= minTimeout && c.Timeout <= maxTimeout {
		opts.timeout = c.Timeout
	}
	t := newTransfer(c.conn, c.addr, opts, c.Retries)
	t.tid = false
	return t
}

func (c *ClientImpl) requestOptions(op uint8, size uint64) []optionPair {
	var opts []optionPair
	if c.BlockSize >= minBlockSize && c.BlockSize <= maxBlockSize {
		opts = append(opts, optionPair{optBlockSize, strconv.Itoa(int(c.BlockSize))})
	}
	if sec := int(c.Timeout / time.Second); c.Timeout != 0 && sec >= 1 && sec <= 255 {
		opts = append(opts, optionPair{optTimeout, strconv.Itoa(sec)})
	}
	if c.RequestSize {
		if op == opRrq {
			opts = append(opts, optionPair{optTransferSize, "0"})
		} else {
			opts = append(opts, optionPair{optTransferSize, strconv.FormatUint(size, 10)})
		}
	}
	return opts
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Read fetches filename from the server into w and returns the number
// of bytes received. A server that declines every requested option is
// answered in plain RFC 1350 terms.
func (c *ClientImpl) Read(ctx context.Context, filename string, w io.Writer) (int64, error) {
	t := c.newTransfer()
	cw := &countingWriter{w: w}
	t.w = cw
	t.stageRequest(opRrq, filename, modeOctet, c.requestOptions(opRrq, 0))
	t.ensureBuffers()
	err := c.runRead(ctx, t)
	t.terminate(err)
	return cw.n, err
}

func (c *ClientImpl) runRead(ctx context.Context, t *transfer) error {
	// The reply to the request is an OACK, or DATA(1) from a server
	// that declined every option.
	first := func(t *transfer, b []byte, from *net.UDPAddr) error {
		op, err := t.openPacket(b, from)
		if err != nil {
			return err
		}
		switch op {
		case opOack:
			if err := expectOack(t, b, nil); err != nil {
				return err
			}
			t.stageAck(0)
			return nil
		case opData:
			t.declined()
			return expectData(t, b, nil)
		default:
			return illegalf("expected OACK or DATA, got %s", opName(op))
		}
	}
	switch err := t.exchange(ctx, first); err {
	case nil:
	case io.EOF:
		return t.send()
	default:
		return err
	}
	return t.recvLoop(ctx)
}

// Write stores size bytes from r under filename on the server.
func (c *ClientImpl) Write(ctx context.Context, filename string, r io.Reader, size uint64) error {
	t := c.newTransfer()
	t.r = r
	t.stageRequest(opWrq, filename, modeOctet, c.requestOptions(opWrq, size))
	t.ensureBuffers()
	err := c.runWrite(ctx, t)
	t.terminate(err)
	return err
}

func (c *ClientImpl) runWrite(ctx context.Context, t *transfer) error {
	// The reply to the request is an OACK, or ACK(0) from a server
	// that declined every option.
	first := func(t *transfer, b []byte, from *net.UDPAddr) error {
		op, err := t.openPacket(b, from)
		if err != nil {
			return err
		}
		switch op {
		case opOack:
			return expectOack(t, b, nil)
		case opAck:
			t.declined()
			return expectNegotiationAck(t, b, nil)
		default:
			return illegalf("expected OACK or ACK, got %s", opName(op))
		}
	}
	if err := t.exchange(ctx, first); err != nil {
		return err
	}
	return t.sendLoop(ctx)
}
