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

package policy

import (
	"fmt"
)

// ConfigurationError reports an invalid policy. It is returned at
// registration time and must prevent the process from serving
// traffic.
type ConfigurationError struct {
	Policy string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Policy == "" {
		return fmt.Sprintf("invalid policy: %s %s", e.Field, e.Reason)
	}

	return fmt.Sprintf("invalid policy %q: %s %s", e.Policy, e.Field, e.Reason)
}
