// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

// Decode errors. These are local faults; inside an active transfer they
// are reported to the peer as ERROR packets with code 4.
var (
	errPacketTooShort = errors.New("packet too short")
	errMissingNul     = errors.New("missing NUL terminator")
	errNotASCII       = errors.New("string field is not ASCII")
	errBadOpcode      = errors.New("unknown opcode")
	errPartialOption  = errors.New("trailing partial option pair")
)

// request is a decoded RRQ or WRQ. Unlike the hot-path packets, a
// request is decoded once per transfer, so its fields are materialized
// strings rather than views into the receive buffer.
type request struct {
	op       uint8
	filename string
	mode     string
	opts     []optionPair
}

// optionPair is one (name, value) entry of a request or OACK option
// list. Order is preserved; RFC 2347 requires the OACK to echo options
// in a defined order relative to the request.
type optionPair struct {
	name  string
	value string
}

// packetOp validates the packet header and returns its opcode.
func packetOp(b []byte) (uint8, error) {
	if len(b) < 2 {
		return 0, errPacketTooShort
	}
	op := binary.BigEndian.Uint16(b)
	if op < uint16(opRrq) || op > uint16(opOack) {
		return 0, errBadOpcode
	}
	return uint8(op), nil
}

func blockNumber(b []byte) uint16 {
	return binary.BigEndian.Uint16(b[blockNumberOffset:])
}

// parseString consumes one NUL-terminated ASCII string from b and
// returns it along with the remainder after the terminator. The
// returned slice aliases b.
func parseString(b []byte) ([]byte, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return nil, nil, errMissingNul
	}
	s := b[:i]
	for _, c := range s {
		if c > 0x7f {
			return nil, nil, errNotASCII
		}
	}
	return s, b[i+1:], nil
}

// parseRequest decodes an RRQ or WRQ, including its option list. The
// transfer mode and option names are folded to lower case.
func parseRequest(b []byte) (*request, error) {
	op, err := packetOp(b)
	if err != nil {
		return nil, err
	}
	if op != opRrq && op != opWrq {
		return nil, errBadOpcode
	}
	filename, rest, err := parseString(b[2:])
	if err != nil {
		return nil, err
	}
	mode, rest, err := parseString(rest)
	if err != nil {
		return nil, err
	}
	req := &request{
		op:       op,
		filename: string(filename),
		mode:     strings.ToLower(string(mode)),
	}
	for len(rest) > 0 {
		var name, value []byte
		if name, rest, err = parseString(rest); err != nil {
			return nil, errPartialOption
		}
		if value, rest, err = parseString(rest); err != nil {
			return nil, errPartialOption
		}
		req.opts = append(req.opts, optionPair{
			name:  strings.ToLower(string(name)),
			value: string(value),
		})
	}
	return req, nil
}

// parseOptionPairs walks the option list of an OACK without copying,
// invoking fn with name and value views into b. Option names have not
// been case-folded.
func parseOptionPairs(b []byte, fn func(name, value []byte) error) error {
	for len(b) > 0 {
		var name, value []byte
		var err error
		if name, b, err = parseString(b); err != nil {
			return errPartialOption
		}
		if value, b, err = parseString(b); err != nil {
			return errPartialOption
		}
		if err := fn(name, value); err != nil {
			return err
		}
	}
	return nil
}

// parseRemoteError decodes an ERROR packet into a *RemoteError. Bytes
// after the message terminator are ignored.
func parseRemoteError(b []byte) error {
	if len(b) < dataOffset {
		return errPacketTooShort
	}
	code := binary.BigEndian.Uint16(b[errorCodeOffset:])
	msg, _, err := parseString(b[dataOffset:])
	if err != nil {
		return err
	}
	return &RemoteError{Code: code, Msg: string(msg)}
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendString(b []byte, s string) []byte {
	return append(append(b, s...), 0)
}

// appendRequest frames an RRQ or WRQ onto b.
func appendRequest(b []byte, op uint8, filename, mode string, opts []optionPair) []byte {
	b = appendUint16(b, uint16(op))
	b = appendString(b, filename)
	b = appendString(b, mode)
	for _, o := range opts {
		b = appendString(b, o.name)
		b = appendString(b, o.value)
	}
	return b
}

// appendAck frames an ACK onto b.
func appendAck(b []byte, block uint16) []byte {
	b = appendUint16(b, uint16(opAck))
	return appendUint16(b, block)
}

// appendDataHeader frames the fixed header of a DATA packet onto b; the
// caller fills the payload in place behind it.
func appendDataHeader(b []byte, block uint16) []byte {
	b = appendUint16(b, uint16(opData))
	return appendUint16(b, block)
}

// appendError frames an ERROR onto b.
func appendError(b []byte, code uint16, msg string) []byte {
	b = appendUint16(b, uint16(opError))
	b = appendUint16(b, code)
	return appendString(b, msg)
}

// appendOack frames an OACK onto b.
func appendOack(b []byte, opts []optionPair) []byte {
	b = appendUint16(b, uint16(opOack))
	for _, o := range opts {
		b = appendString(b, o.name)
		b = appendString(b, o.value)
	}
	return b
}
