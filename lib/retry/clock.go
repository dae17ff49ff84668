// Copyright 2018 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry

import "time"

// clock provides the current time; it exists so that time-bounded back-off
// policies can be tested without sleeping.
type clock interface {
	Now() time.Time
}

type systemClock struct{}

func (*systemClock) Now() time.Time {
	return time.Now()
}
