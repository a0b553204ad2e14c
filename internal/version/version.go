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

// Package version builds the instrumentation version strings attached
// to the tracers created by this module.
package version

import (
	"fmt"
)

type (
	// Version is a semantic version with an optional pre-release tag.
	Version struct {
		major int
		minor int
		patch int
		pre   string
	}
)

// New returns the version major.0.0.
func New(major int) Version {
	return Version{major: major}
}

// Minor sets the minor component.
func (v Version) Minor(minor int) Version {
	v.minor = minor
	return v
}

// Patch sets the patch component.
func (v Version) Patch(patch int) Version {
	v.patch = patch
	return v
}

// Alpha marks the version as the n-th alpha pre-release.
func (v Version) Alpha(n int) string {
	v.pre = fmt.Sprintf("alpha.%d", n)
	return v.String()
}

// Beta marks the version as the n-th beta pre-release.
func (v Version) Beta(n int) string {
	v.pre = fmt.Sprintf("beta.%d", n)
	return v.String()
}

func (v Version) String() string {
	s := fmt.Sprintf("v%d.%d.%d", v.major, v.minor, v.patch)
	if v.pre != "" {
		s += "-" + v.pre
	}

	return s
}
