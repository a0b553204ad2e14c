// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package store

import (
	"errors"
	"fmt"
)

// UnavailableError reports that the store cannot serve an operation.
// It is recoverable: the manager keeps trying to reconnect in the
// background.
type UnavailableError struct {
	Backend string
	State   State
	Err     error
}

var (
	// ErrClosed is wrapped by UnavailableError once the manager
	// has been closed.
	ErrClosed = errors.New("store closed")

	// ErrNotConnected is wrapped by UnavailableError while a
	// connection attempt is in flight.
	ErrNotConnected = errors.New("store not connected")
)

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s unavailable (%s)", e.Backend, e.State)
	}

	return fmt.Sprintf("store %s unavailable (%s): %v", e.Backend, e.State, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is, or wraps, an
// *UnavailableError.
func IsUnavailable(err error) bool {
	var uerr *UnavailableError
	return errors.As(err, &uerr)
}
