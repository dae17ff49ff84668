// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tftp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

func mkData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func writeTestFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, contents, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// startServer serves root on a loopback socket and returns its address.
func startServer(t *testing.T, s *Server) *net.UDPAddr {
	t.Helper()
	if s.Handler == nil {
		s.Handler = &DirHandler{Root: t.TempDir()}
	}
	if s.Timeout == 0 {
		s.Timeout = time.Second
	}
	if s.Retries == 0 {
		s.Retries = 2
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
	})
	return conn.LocalAddr().(*net.UDPAddr)
}

func newTestClient(t *testing.T, addr *net.UDPAddr) *ClientImpl {
	t.Helper()
	c, err := NewClient(addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	c.Timeout = time.Second
	c.Retries = 2
	return c
}

func remoteCode(t *testing.T, err error) uint16 {
	t.Helper()
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	return rerr.Code
}

func TestServerRead(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "hello.txt", []byte("hello"))
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	c := newTestClient(t, addr)

	var buf bytes.Buffer
	n, err := c.Read(context.Background(), "hello.txt", &buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 5 || buf.String() != "hello" {
		t.Errorf("got %d bytes %q, want 5 bytes %q", n, buf.String(), "hello")
	}
}

func TestServerReadWithOptions(t *testing.T) {
	root := t.TempDir()
	contents := mkData(3000)
	writeTestFile(t, root, "image", contents)
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	c := newTestClient(t, addr)
	c.BlockSize = 1024
	c.RequestSize = true

	var buf bytes.Buffer
	n, err := c.Read(context.Background(), "image", &buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != int64(len(contents)) || !bytes.Equal(buf.Bytes(), contents) {
		t.Errorf("got %d bytes, want %d matching bytes", n, len(contents))
	}
}

func TestServerReadEmptyFile(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "empty", nil)
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	c := newTestClient(t, addr)

	var buf bytes.Buffer
	n, err := c.Read(context.Background(), "empty", &buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 0 || buf.Len() != 0 {
		t.Errorf("got %d bytes, want 0", n)
	}
}

func TestServerReadExactMultiple(t *testing.T) {
	// A file of exactly k blocks ends with an empty terminal block.
	root := t.TempDir()
	contents := mkData(2 * defaultBlockSize)
	writeTestFile(t, root, "aligned", contents)
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	c := newTestClient(t, addr)

	var buf bytes.Buffer
	n, err := c.Read(context.Background(), "aligned", &buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != int64(len(contents)) || !bytes.Equal(buf.Bytes(), contents) {
		t.Errorf("got %d bytes, want %d matching bytes", n, len(contents))
	}
}

func TestServerReadMissingFile(t *testing.T) {
	addr := startServer(t, &Server{})
	c := newTestClient(t, addr)

	_, err := c.Read(context.Background(), "no-such-file", new(bytes.Buffer))
	if code := remoteCode(t, err); code != errorFileNotFound {
		t.Errorf("got error code %d, want %d", code, errorFileNotFound)
	}
}

func TestServerReadPathTraversal(t *testing.T) {
	addr := startServer(t, &Server{})
	c := newTestClient(t, addr)

	for _, name := range []string{"../etc/passwd", "/etc/passwd", "a/../../b"} {
		_, err := c.Read(context.Background(), name, new(bytes.Buffer))
		if code := remoteCode(t, err); code != errorAccessViolation {
			t.Errorf("Read(%q): got error code %d, want %d", name, code, errorAccessViolation)
		}
	}
}

func waitForFile(t *testing.T, path string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(path); err == nil && bytes.Equal(b, want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s did not appear with the expected %d bytes", path, len(want))
}

func TestServerWrite(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	c := newTestClient(t, addr)

	contents := mkData(1234)
	if err := c.Write(context.Background(), "out.bin", bytes.NewReader(contents), uint64(len(contents))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitForFile(t, filepath.Join(root, "out.bin"), contents)
}

func TestServerWriteWithOptions(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	c := newTestClient(t, addr)
	c.BlockSize = 1024
	c.RequestSize = true

	contents := mkData(4096)
	if err := c.Write(context.Background(), "out.bin", bytes.NewReader(contents), uint64(len(contents))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitForFile(t, filepath.Join(root, "out.bin"), contents)
}

func TestServerWriteExistingFile(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "taken", []byte("old"))
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	c := newTestClient(t, addr)

	err := c.Write(context.Background(), "taken", bytes.NewReader([]byte("new")), 3)
	if code := remoteCode(t, err); code != errorFileExists {
		t.Errorf("got error code %d, want %d", code, errorFileExists)
	}
	if b, _ := os.ReadFile(filepath.Join(root, "taken")); !bytes.Equal(b, []byte("old")) {
		t.Errorf("existing file was clobbered: %q", b)
	}
}

func TestServerWriteReadOnly(t *testing.T) {
	addr := startServer(t, &Server{ReadOnly: true})
	c := newTestClient(t, addr)

	err := c.Write(context.Background(), "out", bytes.NewReader([]byte("x")), 1)
	if code := remoteCode(t, err); code != errorAccessViolation {
		t.Errorf("got error code %d, want %d", code, errorAccessViolation)
	}
}

func TestServerWriteTooLarge(t *testing.T) {
	addr := startServer(t, &Server{MaxTransferSize: 16})
	c := newTestClient(t, addr)
	c.RequestSize = true

	contents := mkData(100)
	err := c.Write(context.Background(), "big", bytes.NewReader(contents), uint64(len(contents)))
	if code := remoteCode(t, err); code != errorDiskFull {
		t.Errorf("got error code %d, want %d", code, errorDiskFull)
	}
}

// rawClient is a bare socket for scripting one side of an exchange.
type rawClient struct {
	t    *testing.T
	conn *net.UDPConn
}

func newRawClient(t *testing.T) *rawClient {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn}
}

func (r *rawClient) sendTo(addr *net.UDPAddr, b []byte) {
	r.t.Helper()
	if _, err := r.conn.WriteToUDP(b, addr); err != nil {
		r.t.Fatal(err)
	}
}

// recv reads one datagram, failing the test after testTimeout.
func (r *rawClient) recv() ([]byte, *net.UDPAddr) {
	r.t.Helper()
	buf := make([]byte, 4+maxBlockSize)
	r.conn.SetReadDeadline(time.Now().Add(testTimeout))
	n, from, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		r.t.Fatalf("timed out waiting for a datagram: %v", err)
	}
	return buf[:n], from
}

// recvNone asserts that no datagram arrives within d.
func (r *rawClient) recvNone(d time.Duration) {
	r.t.Helper()
	buf := make([]byte, 4+maxBlockSize)
	r.conn.SetReadDeadline(time.Now().Add(d))
	if n, _, err := r.conn.ReadFromUDP(buf); err == nil {
		r.t.Fatalf("unexpected datagram: % x", buf[:n])
	}
}

func checkData(t *testing.T, b []byte, block uint16, payloadLen int) {
	t.Helper()
	if len(b) < dataOffset || b[opCodeOffset] != opData {
		t.Fatalf("not a DATA packet: % x", b)
	}
	if got := blockNumber(b); got != block {
		t.Fatalf("got DATA block %d, want %d", got, block)
	}
	if got := len(b) - dataOffset; got != payloadLen {
		t.Fatalf("got %d byte payload for block %d, want %d", got, block, payloadLen)
	}
}

// TestDuplicateAckSuppressed verifies that a duplicated acknowledgement
// does not provoke a duplicated block: only a timeout retransmits.
func TestDuplicateAckSuppressed(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "f", mkData(defaultBlockSize+1))
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	r := newRawClient(t)

	r.sendTo(addr, appendRequest(nil, opRrq, "f", "octet", nil))
	b, engine := r.recv()
	checkData(t, b, 1, defaultBlockSize)

	ack1 := appendAck(nil, 1)
	r.sendTo(engine, ack1)
	r.sendTo(engine, ack1)

	b, _ = r.recv()
	checkData(t, b, 2, 1)
	// The duplicated ACK(1) must not have produced a second DATA(2);
	// the engine's own timeout is a second away.
	r.recvNone(300 * time.Millisecond)

	r.sendTo(engine, appendAck(nil, 2))
}

// TestRetransmitOnTimeout verifies that a lost acknowledgement is
// recovered by the engine retransmitting its last packet.
func TestRetransmitOnTimeout(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "f", []byte("payload"))
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	r := newRawClient(t)

	r.sendTo(addr, appendRequest(nil, opRrq, "f", "octet", nil))
	b, engine := r.recv()
	checkData(t, b, 1, 7)

	// Ignore the first copy; the retransmission carries the same block.
	b, _ = r.recv()
	checkData(t, b, 1, 7)
	r.sendTo(engine, appendAck(nil, 1))
}

// TestUnknownTransferID verifies that a datagram from a rogue source
// mid-transfer is answered with ERROR 5 and does not perturb the
// transfer.
func TestUnknownTransferID(t *testing.T) {
	root := t.TempDir()
	contents := mkData(defaultBlockSize + 1)
	writeTestFile(t, root, "f", contents)
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	r := newRawClient(t)

	r.sendTo(addr, appendRequest(nil, opRrq, "f", "octet", nil))
	b, engine := r.recv()
	checkData(t, b, 1, defaultBlockSize)

	rogue := newRawClient(t)
	rogue.sendTo(engine, appendAck(nil, 1))
	eb, _ := rogue.recv()
	if eb[opCodeOffset] != opError || binary.BigEndian.Uint16(eb[errorCodeOffset:]) != errorUnknownID {
		t.Fatalf("rogue sender got % x, want ERROR %d", eb, errorUnknownID)
	}

	// The real transfer continues where it left off.
	r.sendTo(engine, appendAck(nil, 1))
	b, _ = r.recv()
	checkData(t, b, 2, 1)
	r.sendTo(engine, appendAck(nil, 2))
}

// TestListenerRejectsNonRequests verifies that a non-request opcode
// sent to the listener is answered with ERROR 4.
func TestListenerRejectsNonRequests(t *testing.T) {
	addr := startServer(t, &Server{})
	r := newRawClient(t)

	r.sendTo(addr, appendAck(nil, 1))
	b, _ := r.recv()
	if b[opCodeOffset] != opError || binary.BigEndian.Uint16(b[errorCodeOffset:]) != errorIllegalOperation {
		t.Fatalf("got % x, want ERROR %d", b, errorIllegalOperation)
	}
}

// TestMailModeRejected verifies that mail mode gets ERROR 4.
func TestMailModeRejected(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "f", []byte("x"))
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	r := newRawClient(t)

	r.sendTo(addr, appendRequest(nil, opRrq, "f", "mail", nil))
	b, _ := r.recv()
	if b[opCodeOffset] != opError || binary.BigEndian.Uint16(b[errorCodeOffset:]) != errorIllegalOperation {
		t.Fatalf("got % x, want ERROR %d", b, errorIllegalOperation)
	}
}

// TestOptionClamping covers the wire view of blksize negotiation: the
// server acknowledges its own maximum when the request overshoots.
func TestOptionClamping(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "f", []byte("abc"))
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}, MaxBlockSize: 1024})
	r := newRawClient(t)

	r.sendTo(addr, appendRequest(nil, opRrq, "f", "octet", []optionPair{{"blksize", "65464"}}))
	b, engine := r.recv()
	if b[opCodeOffset] != opOack {
		t.Fatalf("got % x, want OACK", b)
	}
	var acked []optionPair
	if err := parseOptionPairs(b[2:], func(name, value []byte) error {
		acked = append(acked, optionPair{string(name), string(value)})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(acked) != 1 || acked[0] != (optionPair{"blksize", "1024"}) {
		t.Fatalf("got OACK options %v, want blksize=1024", acked)
	}

	r.sendTo(engine, appendAck(nil, 0))
	b, _ = r.recv()
	checkData(t, b, 1, 3)
	r.sendTo(engine, appendAck(nil, 1))
}

// TestShutdownRemovesPartialFile verifies that cancellation mid-write
// releases the engine promptly and discards the half-written file:
// Serve must not return before its engines have cleaned up.
func TestShutdownRemovesPartialFile(t *testing.T) {
	root := t.TempDir()
	s := &Server{Handler: &DirHandler{Root: root}, Timeout: time.Second, Retries: 2}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx, conn)
	}()

	r := newRawClient(t)
	r.sendTo(conn.LocalAddr().(*net.UDPAddr), appendRequest(nil, opWrq, "partial.bin", "octet", nil))
	b, engine := r.recv()
	if b[opCodeOffset] != opAck || blockNumber(b) != 0 {
		t.Fatalf("got % x, want ACK(0)", b)
	}

	// A full block keeps the transfer open; the engine is left waiting
	// for block 2 when the server shuts down.
	r.sendTo(engine, append(appendDataHeader(nil, 1), mkData(defaultBlockSize)...))
	b, _ = r.recv()
	if b[opCodeOffset] != opAck || blockNumber(b) != 1 {
		t.Fatalf("got % x, want ACK(1)", b)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after cancellation")
	}
	if _, err := os.Stat(filepath.Join(root, "partial.bin")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("partial file survived shutdown: %v", err)
	}
}

// TestDuplicateDataReacked verifies the receiving side answers a
// duplicated DATA block by repeating its acknowledgement without
// writing the payload twice.
func TestDuplicateDataReacked(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, &Server{Handler: &DirHandler{Root: root}})
	r := newRawClient(t)

	r.sendTo(addr, appendRequest(nil, opWrq, "dup.bin", "octet", nil))
	b, engine := r.recv()
	if b[opCodeOffset] != opAck || blockNumber(b) != 0 {
		t.Fatalf("got % x, want ACK(0)", b)
	}

	payload := []byte("once")
	data1 := append(appendDataHeader(nil, 1), payload...)
	r.sendTo(engine, data1)
	b, _ = r.recv()
	if b[opCodeOffset] != opAck || blockNumber(b) != 1 {
		t.Fatalf("got % x, want ACK(1)", b)
	}
	// The retransmitted terminal block earns a repeated ACK(1).
	r.sendTo(engine, data1)
	b, _ = r.recv()
	if b[opCodeOffset] != opAck || blockNumber(b) != 1 {
		t.Fatalf("got % x, want repeated ACK(1)", b)
	}

	waitForFile(t, filepath.Join(root, "dup.bin"), payload)
}
