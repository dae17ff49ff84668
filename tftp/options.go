// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tftp

import (
	"strconv"
	"strings"
	"time"
)

// options holds the negotiated parameters of one transfer.
type options struct {
	blockSize       uint16
	timeout         time.Duration
	transferSize    uint64
	hasTransferSize bool
}

func defaultOptions() *options {
	return &options{
		blockSize: defaultBlockSize,
		timeout:   defaultTimeout,
	}
}

// negotiate applies the recognized options of req to o and returns the
// pairs to acknowledge, in request order. Unrecognized options, and
// values the server cannot honor, are dropped from the acknowledgement;
// blksize above maxBlock is clamped down to it. size reports the length
// of the file served by an RRQ, used to resolve a tsize probe.
func (o *options) negotiate(req *request, maxBlock uint16, size func() (uint64, bool)) []optionPair {
	if maxBlock == 0 || maxBlock > maxBlockSize {
		maxBlock = maxBlockSize
	}
	var acked []optionPair
	for _, p := range req.opts {
		switch p.name {
		case optBlockSize:
			v, err := strconv.Atoi(p.value)
			if err != nil || v < minBlockSize {
				continue
			}
			if v > int(maxBlock) {
				v = int(maxBlock)
			}
			o.blockSize = uint16(v)
			acked = append(acked, optionPair{optBlockSize, strconv.Itoa(v)})
		case optTimeout:
			v, err := strconv.Atoi(p.value)
			if err != nil || v < 1 || v > 255 {
				continue
			}
			o.timeout = time.Duration(v) * time.Second
			// The timeout value must be echoed unchanged.
			acked = append(acked, optionPair{optTimeout, p.value})
		case optTransferSize:
			switch req.op {
			case opRrq:
				n, ok := size()
				if !ok {
					continue
				}
				o.transferSize = n
				o.hasTransferSize = true
				acked = append(acked, optionPair{optTransferSize, strconv.FormatUint(n, 10)})
			case opWrq:
				v, err := strconv.ParseUint(p.value, 10, 64)
				if err != nil {
					continue
				}
				o.transferSize = v
				o.hasTransferSize = true
				acked = append(acked, optionPair{optTransferSize, p.value})
			}
		}
	}
	return acked
}

// apply folds a server's OACK into o. requested is the option list the
// client sent; a server may only acknowledge options that were asked
// for, and may only adjust blksize downward.
func (o *options) apply(acked []byte, requested []optionPair) error {
	asked := make(map[string]string, len(requested))
	for _, p := range requested {
		asked[p.name] = p.value
	}
	reqBlock := 0
	if v, ok := asked[optBlockSize]; ok {
		reqBlock, _ = strconv.Atoi(v)
	}
	return parseOptionPairs(acked, func(name, value []byte) error {
		n := strings.ToLower(string(name))
		if _, ok := asked[n]; !ok {
			return &protocolError{code: errorBadOptions, msg: "OACK contains option " + n + " that was not requested"}
		}
		switch n {
		case optBlockSize:
			// The server may only adjust blksize downward from the
			// requested value.
			v, err := strconv.Atoi(string(value))
			if err != nil || v < minBlockSize || v > reqBlock {
				return &protocolError{code: errorBadOptions, msg: "bad blksize in OACK: " + string(value)}
			}
			o.blockSize = uint16(v)
		case optTimeout:
			v, err := strconv.Atoi(string(value))
			if err != nil || v < 1 || v > 255 {
				return &protocolError{code: errorBadOptions, msg: "bad timeout in OACK: " + string(value)}
			}
			o.timeout = time.Duration(v) * time.Second
		case optTransferSize:
			v, err := strconv.ParseUint(string(value), 10, 64)
			if err != nil {
				return &protocolError{code: errorBadOptions, msg: "bad tsize in OACK: " + string(value)}
			}
			o.transferSize = v
			o.hasTransferSize = true
		}
		return nil
	})
}
