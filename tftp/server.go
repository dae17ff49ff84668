// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tftp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.fuchsia.dev/tftp/lib/logger"
)

// A FileReader supplies the byte stream of an outgoing transfer. Size
// is consulted to answer a tsize probe; a FileReader that cannot cheaply
// report its size may return an error.
type FileReader interface {
	io.ReadCloser
	Size() (uint64, error)
}

// A FileWriter consumes the byte stream of an incoming transfer. Close
// commits the completed file; Cancel discards whatever was written when
// the transfer fails partway.
type FileWriter interface {
	io.WriteCloser
	Cancel() error
}

// A Handler opens the byte streams behind transfer requests. The size
// passed to WriteFile is the client's declared tsize, zero if it did
// not declare one.
type Handler interface {
	ReadFile(name string) (FileReader, error)
	WriteFile(name string, size uint64) (FileWriter, error)
}

// Server answers TFTP requests arriving on a UDP socket, dispatching
// one independent transfer engine per accepted request. Engines bind
// their own ephemeral ports and share no state; the server keeps track
// of them only to wait for their cleanup when it shuts down.
type Server struct {
	// Handler opens files for transfers. Required.
	Handler Handler

	// Addr is the listen address; ":69" if empty.
	Addr string

	// MaxBlockSize caps the blksize option; values above it are
	// clamped down in the OACK. Zero means the protocol maximum,
	// 65464.
	MaxBlockSize uint16

	// Timeout is the default per-packet retransmission timeout, used
	// when the client does not negotiate one. Zero means 3 seconds.
	Timeout time.Duration

	// Retries is the retransmission budget per lock-step exchange.
	// Zero means 5.
	Retries int

	// TransferTimeout caps the wall-clock duration of any single
	// transfer. Zero means 30 minutes.
	TransferTimeout time.Duration

	// MaxTransferSize rejects write requests that declare a tsize
	// above it. Zero means no limit.
	MaxTransferSize uint64

	// ReadOnly rejects all write requests with an access violation.
	ReadOnly bool
}

func (s *Server) timeout() time.Duration {
	if s.Timeout <= 0 {
		return defaultTimeout
	}
	if s.Timeout < minTimeout {
		return minTimeout
	}
	if s.Timeout > maxTimeout {
		return maxTimeout
	}
	return s.Timeout
}

func (s *Server) transferTimeout() time.Duration {
	if s.TransferTimeout <= 0 {
		return defaultTransferTimeout
	}
	return s.TransferTimeout
}

// ListenAndServe binds the server address and serves requests until ctx
// is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":69"
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.Serve(ctx, conn)
}

// Serve answers requests on conn until ctx is canceled. The listener
// reads one datagram at a time; everything past the initial request
// happens on a per-transfer socket. Serve does not return until every
// spawned engine has released its socket and file, so cancellation
// never strands a half-written output file.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	g, ctx := errgroup.WithContext(ctx)
	var engines sync.WaitGroup
	g.Go(func() error {
		<-ctx.Done()
		// Unblock the read loop.
		conn.SetReadDeadline(time.Now())
		return nil
	})
	g.Go(func() error {
		return s.serveLoop(ctx, conn, &engines)
	})
	err := g.Wait()
	engines.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) serveLoop(ctx context.Context, conn *net.UDPConn, engines *sync.WaitGroup) error {
	// Requests are small, but options can pad them out; one MTU is
	// plenty.
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}
		op, err := packetOp(buf[:n])
		if err != nil {
			// Not even a packet; nothing useful to answer.
			continue
		}
		if op != opRrq && op != opWrq {
			b := appendError(make([]byte, 0, 64), errorIllegalOperation, "illegal TFTP operation")
			conn.WriteToUDP(b, from)
			continue
		}
		req, err := parseRequest(buf[:n])
		if err != nil {
			logger.Debugf(ctx, "malformed %s from %s: %v", opName(op), from, err)
			continue
		}
		engines.Add(1)
		go func() {
			defer engines.Done()
			s.serveRequest(ctx, req, from)
		}()
	}
}

// serveRequest runs one transfer to completion on its own socket and
// releases everything it holds on the way out.
func (s *Server) serveRequest(ctx context.Context, req *request, from *net.UDPAddr) {
	ctx, cancel := context.WithTimeout(ctx, s.transferTimeout())
	defer cancel()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		logger.Errorf(ctx, "%s from %s: binding transfer socket: %v", opName(req.op), from, err)
		return
	}
	defer conn.Close()
	// Unblock the engine's reads when the transfer is canceled, the
	// same way the listener is unblocked; the negotiated timeout can
	// be minutes long.
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	opts := defaultOptions()
	opts.timeout = s.timeout()
	t := newTransfer(conn, from, opts, s.Retries)

	logger.Debugf(ctx, "%s for %q from %s", opName(req.op), req.filename, from)
	start := time.Now()
	err = s.run(ctx, t, req)
	t.terminate(err)
	if err != nil {
		logger.Warningf(ctx, "%s for %q from %s failed: %v", opName(req.op), req.filename, from, err)
		return
	}
	logger.Infof(ctx, "%s for %q from %s: %d blocks in %s", opName(req.op), req.filename, from, t.seq, time.Since(start))
}

func (s *Server) run(ctx context.Context, t *transfer, req *request) error {
	switch req.mode {
	case modeOctet, modeNetascii:
		// netascii is carried without line-ending translation.
	default:
		return illegalf("unsupported transfer mode %q", req.mode)
	}
	if req.op == opRrq {
		return s.runRead(ctx, t, req)
	}
	return s.runWrite(ctx, t, req)
}

// runRead serves an RRQ: the server is the sending side.
func (s *Server) runRead(ctx context.Context, t *transfer, req *request) error {
	f, err := s.Handler.ReadFile(req.filename)
	if err != nil {
		return err
	}
	defer f.Close()
	t.r = f

	if acked := t.opts.negotiate(req, s.MaxBlockSize, func() (uint64, bool) {
		n, err := f.Size()
		return n, err == nil
	}); len(acked) > 0 {
		t.ensureBuffers()
		t.stageOack(acked)
		if err := t.exchange(ctx, expectNegotiationAck); err != nil {
			return err
		}
	}
	return t.sendLoop(ctx)
}

// runWrite serves a WRQ: the server is the receiving side. The opening
// packet is an OACK when options were negotiated and ACK(0) otherwise.
func (s *Server) runWrite(ctx context.Context, t *transfer, req *request) error {
	if s.ReadOnly {
		return &protocolError{code: errorAccessViolation, msg: "server is read-only"}
	}
	acked := t.opts.negotiate(req, s.MaxBlockSize, func() (uint64, bool) { return 0, false })
	if s.MaxTransferSize > 0 && t.opts.hasTransferSize && t.opts.transferSize > s.MaxTransferSize {
		return &protocolError{code: errorDiskFull, msg: "declared transfer size exceeds server limit"}
	}
	f, err := s.Handler.WriteFile(req.filename, t.opts.transferSize)
	if err != nil {
		return err
	}
	t.w = f
	t.ensureBuffers()
	if len(acked) > 0 {
		t.stageOack(acked)
	} else {
		t.stageAck(0)
	}
	if err := t.recvLoop(ctx); err != nil {
		f.Cancel()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// Linger so a lost terminal acknowledgement can be repeated.
	t.drain(ctx)
	return nil
}
