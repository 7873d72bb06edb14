// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "sync/atomic"

// Once guards a handle so that only the first resolution reaches the broker.
// The zero value is ready to use.
type Once struct {
	done atomic.Bool
}

// Do runs fn if no resolution ran before, otherwise returns ErrAlreadyResolved.
// A failed fn still consumes the handle: retrying a broker call on the same
// delivery tag would risk a double resolution.
func (o *Once) Do(fn func() error) error {
	if !o.done.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return fn()
}

// Resolved reports whether a resolution was attempted.
func (o *Once) Resolved() bool {
	return o.done.Load()
}
