// Copyright 2018 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry

import "time"

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

// Tick advances the fake clock by d.
func (c *fakeClock) Tick(d time.Duration) {
	c.t = c.t.Add(d)
}
