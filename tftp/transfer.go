// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
	"time"
)

// errDropped is returned by a handler for a datagram that does not
// advance the exchange (a duplicate, or traffic from a stray source);
// the receive loop keeps waiting for one that does.
var errDropped = errors.New("dropped datagram")

// errPeerGone means the retransmission budget was exhausted without a
// reply. No ERROR packet is sent for it; the peer is presumed
// unreachable.
var errPeerGone = errors.New("transfer timed out")

// transfer is one end of one TFTP exchange: a UDP socket locked to a
// single peer, the negotiated options, and the sequence state of the
// lock-step DATA/ACK conversation. The engine is symmetric; the server
// and the client both drive it, from opposite sides.
type transfer struct {
	conn    *net.UDPConn
	addr    *net.UDPAddr
	opts    *options
	retries int

	// seq counts completed blocks from the start of the transfer. The
	// wire block number is its low 16 bits, so rollover past 65535
	// needs no special casing: uint16(seq+1) is always the next
	// expected block.
	seq     uint32
	lastAck uint32

	// r supplies outgoing DATA payloads; w consumes incoming ones.
	r io.Reader
	w io.Writer

	// requested holds the option list sent with an outgoing request,
	// against which an OACK is validated.
	requested []optionPair

	// tid is false on a client transfer until the server's first reply
	// fixes the peer's ephemeral port.
	tid bool

	// sendBuf holds the most recently framed outbound packet; it is
	// what a timeout retransmits. recvBuf is reused for every inbound
	// datagram; decoded packets alias it and must be consumed before
	// the next receive.
	sendBuf []byte
	recvBuf []byte
}

func newTransfer(conn *net.UDPConn, addr *net.UDPAddr, opts *options, retries int) *transfer {
	if retries <= 0 {
		retries = defaultRetries
	}
	return &transfer{
		conn:    conn,
		addr:    addr,
		opts:    opts,
		retries: retries,
		tid:     true,
	}
}

// ensureBuffers sizes the receive buffer to the negotiated block size.
// One extra byte lets an oversized DATA payload be detected rather than
// silently truncated by the datagram read.
func (t *transfer) ensureBuffers() {
	n := dataOffset + int(t.opts.blockSize) + 1
	if len(t.recvBuf) < n {
		t.recvBuf = make([]byte, n)
	}
}

func (t *transfer) send() error {
	_, err := t.conn.WriteToUDP(t.sendBuf, t.addr)
	return err
}

func (t *transfer) stageAck(block uint16) {
	t.sendBuf = appendAck(t.sendBuf[:0], block)
}

func (t *transfer) stageOack(opts []optionPair) {
	t.sendBuf = appendOack(t.sendBuf[:0], opts)
}

func (t *transfer) stageRequest(op uint8, filename, mode string, opts []optionPair) {
	t.requested = opts
	t.sendBuf = appendRequest(t.sendBuf[:0], op, filename, mode, opts)
}

// stageData frames DATA(block), filling the payload from t.r. It
// returns the payload length, which is short only on the terminal
// block.
func (t *transfer) stageData(block uint16) (int, error) {
	bs := int(t.opts.blockSize)
	if cap(t.sendBuf) < dataOffset+bs {
		t.sendBuf = make([]byte, 0, dataOffset+bs)
	}
	b := appendDataHeader(t.sendBuf[:0], block)
	b = b[:dataOffset+bs]
	n, err := io.ReadFull(t.r, b[dataOffset:])
	switch err {
	case nil, io.EOF, io.ErrUnexpectedEOF:
	default:
		return 0, err
	}
	t.sendBuf = b[:dataOffset+n]
	return n, nil
}

// sendError reports a terminal local fault to the peer, best effort.
func (t *transfer) sendError(code uint16, msg string) {
	b := appendError(make([]byte, 0, dataOffset+len(msg)+1), code, msg)
	t.conn.WriteToUDP(b, t.addr)
}

// rejectStray answers a datagram from an unexpected source with ERROR 5
// on a scratch buffer, without touching transfer state.
func (t *transfer) rejectStray(from *net.UDPAddr) {
	b := appendError(make([]byte, 0, 32), errorUnknownID, "unknown transfer ID")
	t.conn.WriteToUDP(b, from)
}

// strayPeer reports whether from is not the locked peer. The first
// reply to a client request locks the peer to the server's ephemeral
// port; thereafter any other source is answered with ERROR 5 and
// ignored. A nil from skips the check.
func (t *transfer) strayPeer(from *net.UDPAddr) bool {
	if from == nil {
		return false
	}
	if !t.tid {
		if !from.IP.Equal(t.addr.IP) {
			t.rejectStray(from)
			return true
		}
		t.addr = from
		t.tid = true
		return false
	}
	if from.IP.Equal(t.addr.IP) && from.Port == t.addr.Port && from.Zone == t.addr.Zone {
		return false
	}
	t.rejectStray(from)
	return true
}

// A handler consumes one inbound datagram. b aliases the transfer's
// receive buffer.
type handler func(t *transfer, b []byte, from *net.UDPAddr) error

// openPacket performs the checks shared by every handler: source
// address, header validity, and peer-reported errors.
func (t *transfer) openPacket(b []byte, from *net.UDPAddr) (uint8, error) {
	if t.strayPeer(from) {
		return 0, errDropped
	}
	op, err := packetOp(b)
	if err != nil {
		return 0, illegalf("%v", err)
	}
	if op == opError {
		err := parseRemoteError(b)
		if _, ok := err.(*RemoteError); !ok {
			return 0, illegalf("bad ERROR packet: %v", err)
		}
		return 0, err
	}
	return op, nil
}

// expectAck handles the acknowledgement of DATA(seq+1).
func expectAck(t *transfer, b []byte, from *net.UDPAddr) error {
	op, err := t.openPacket(b, from)
	if err != nil {
		return err
	}
	if op == opOack && t.seq == 0 {
		// A repeated OACK means the peer missed our answer to it;
		// our own timeout will repeat that answer.
		return errDropped
	}
	if op != opAck {
		return illegalf("expected ACK, got %s", opName(op))
	}
	if len(b) != dataOffset {
		return illegalf("ACK with length %d", len(b))
	}
	switch block := blockNumber(b); block {
	case uint16(t.seq + 1):
		t.seq++
		return nil
	case uint16(t.seq):
		// Duplicate of the previous acknowledgement. Only a timeout
		// triggers retransmission.
		return errDropped
	default:
		return illegalf("ACK for block %d, want %d", block, uint16(t.seq+1))
	}
}

// expectNegotiationAck handles the ACK that confirms an OACK; it
// carries block number zero.
func expectNegotiationAck(t *transfer, b []byte, from *net.UDPAddr) error {
	op, err := t.openPacket(b, from)
	if err != nil {
		return err
	}
	if op != opAck {
		return illegalf("expected ACK, got %s", opName(op))
	}
	if len(b) != dataOffset {
		return illegalf("ACK with length %d", len(b))
	}
	if block := blockNumber(b); block != 0 {
		return illegalf("ACK for block %d before any data", block)
	}
	return nil
}

// expectData handles DATA(seq+1): the payload is written through, the
// acknowledgement staged, and io.EOF returned on the terminal (short)
// block.
func expectData(t *transfer, b []byte, from *net.UDPAddr) error {
	op, err := t.openPacket(b, from)
	if err != nil {
		return err
	}
	if op == opOack && t.seq == 0 {
		// A repeated OACK means the peer missed our answer to it;
		// our own timeout will repeat that answer.
		return errDropped
	}
	if op != opData {
		return illegalf("expected DATA, got %s", opName(op))
	}
	if len(b) < dataOffset {
		return illegalf("DATA with length %d", len(b))
	}
	payload := b[dataOffset:]
	switch block := blockNumber(b); block {
	case uint16(t.seq + 1):
		if len(payload) > int(t.opts.blockSize) {
			return illegalf("DATA payload of %d bytes exceeds block size %d", len(payload), t.opts.blockSize)
		}
		if _, err := t.w.Write(payload); err != nil {
			return err
		}
		t.seq++
		t.lastAck = t.seq
		t.stageAck(uint16(t.seq))
		if len(payload) < int(t.opts.blockSize) {
			return io.EOF
		}
		return nil
	case uint16(t.seq):
		// The peer did not see the previous acknowledgement; repeat
		// it without consuming the data again.
		t.send()
		return errDropped
	default:
		return illegalf("DATA block %d, want %d", block, uint16(t.seq+1))
	}
}

// expectOack handles a server's option acknowledgement, folding the
// accepted values into the transfer options.
func expectOack(t *transfer, b []byte, from *net.UDPAddr) error {
	op, err := t.openPacket(b, from)
	if err != nil {
		return err
	}
	if op != opOack {
		return illegalf("expected OACK, got %s", opName(op))
	}
	// blksize and tsize revert to protocol defaults before the
	// acknowledged values are folded back in; the local retransmission
	// timeout is kept unless the OACK carries one.
	t.opts.blockSize = defaultBlockSize
	t.opts.transferSize = 0
	t.opts.hasTransferSize = false
	err = t.opts.apply(b[2:], t.requested)
	if errors.Is(err, errPartialOption) {
		return illegalf("%v", err)
	}
	return err
}

// declined resets blksize and tsize back to protocol defaults when a
// server ignored the options outright (by answering the request without
// an OACK). The local retransmission timeout is kept.
func (t *transfer) declined() {
	t.opts.blockSize = defaultBlockSize
	t.opts.transferSize = 0
	t.opts.hasTransferSize = false
}

// await reads datagrams until one advances the transfer or the
// retransmission timeout expires. The deadline is armed once: a
// cancellation moves it up (see serveRequest), and re-arming on every
// dropped datagram would undo that.
func (t *transfer) await(ctx context.Context, h handler) error {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.opts.timeout)); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, from, err := t.conn.ReadFromUDP(t.recvBuf)
		if err != nil {
			return err
		}
		if err := h(t, t.recvBuf[:n], from); err != errDropped {
			return err
		}
	}
}

// exchange transmits the staged packet and waits for a datagram that
// advances the transfer, retransmitting the staged packet on each
// timeout up to the retry budget.
func (t *transfer) exchange(ctx context.Context, h handler) error {
	if err := t.send(); err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err := t.await(ctx, h)
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			// A canceled transfer surfaces as a read deadline too;
			// it is not a retransmission trigger.
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if attempt >= t.retries {
				return fmt.Errorf("%w after %d attempts", errPeerGone, attempt+1)
			}
			if err := t.send(); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

// sendLoop drives the sending half of a transfer: DATA(seq+1) out,
// matching ACK back, strictly in lock step. A block shorter than the
// negotiated size terminates the transfer once acknowledged.
func (t *transfer) sendLoop(ctx context.Context) error {
	t.ensureBuffers()
	for {
		n, err := t.stageData(uint16(t.seq + 1))
		if err != nil {
			return err
		}
		if err := t.exchange(ctx, expectAck); err != nil {
			return err
		}
		if n < int(t.opts.blockSize) {
			return nil
		}
	}
}

// recvLoop drives the receiving half: each staged acknowledgement is
// sent and answered by the next DATA block. The terminal block's
// acknowledgement goes out before recvLoop returns; whether to linger
// for a lost-ACK retransmit afterwards is the caller's call (drain).
func (t *transfer) recvLoop(ctx context.Context) error {
	t.ensureBuffers()
	for {
		switch err := t.exchange(ctx, expectData); err {
		case nil:
		case io.EOF:
			return t.send()
		default:
			return err
		}
	}
}

// drain lingers for one timeout after the terminal acknowledgement: if
// the peer retransmits the last DATA block, the acknowledgement was
// lost and is repeated. Cancellation cuts the linger short.
func (t *transfer) drain(ctx context.Context) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.opts.timeout)); err != nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := t.conn.ReadFromUDP(t.recvBuf)
		if err != nil {
			return
		}
		if t.strayPeer(from) {
			continue
		}
		b := t.recvBuf[:n]
		if op, err := packetOp(b); err == nil && op == opData && len(b) >= dataOffset && blockNumber(b) == uint16(t.seq) {
			t.send()
		}
	}
}

// terminate classifies err and sends the single best-effort ERROR
// packet owed to the peer. Nothing is sent when the peer is gone or
// itself reported the error.
func (t *transfer) terminate(err error) {
	var rerr *RemoteError
	var perr *protocolError
	switch {
	case err == nil, errors.Is(err, errPeerGone), errors.As(err, &rerr):
	case errors.As(err, &perr):
		t.sendError(perr.code, perr.msg)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		t.sendError(errorUndefined, "transfer cancelled")
	default:
		t.sendError(errorCodeOf(err), err.Error())
	}
}

// errorCodeOf maps a local error to the nearest TFTP error code.
func errorCodeOf(err error) uint16 {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errorFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return errorAccessViolation
	case errors.Is(err, fs.ErrExist):
		return errorFileExists
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, io.ErrShortWrite):
		return errorDiskFull
	}
	return errorUndefined
}
