// Copyright 2018 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry

import (
	"context"
	"time"
)

// Retry the operation using the provided back-off policy until it succeeds,
// the policy returns Stop, or the context is canceled. If a non-nil channel
// is provided, the error from each failed attempt that the policy allows to
// be retried is sent on it. The error from the last attempt is returned, not
// sent.
func Retry(ctx context.Context, backoff Backoff, f func() error, c chan<- error) error {
	backoff.Reset()
	var err error
	for {
		if err = f(); err == nil {
			return nil
		}
		next := backoff.Next()
		if next == Stop {
			return err
		}
		if c != nil {
			c <- err
		}
		if ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(next):
		}
	}
}
