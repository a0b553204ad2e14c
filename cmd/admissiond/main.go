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

// Command admissiond serves a demo API guarded by the admission
// middleware.
package main

import (
	"fmt"
	"os"

	"go.gearno.de/admission/internal/admissiond"
	"go.gearno.de/admission/unit"
)

var (
	version     = "dev"
	environment = "development"
)

func main() {
	u := unit.NewUnit(admissiond.New(), "admissiond", version, environment)

	if err := u.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "admissiond: %v\n", err)
		os.Exit(1)
	}
}
