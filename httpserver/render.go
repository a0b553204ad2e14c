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

package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.gearno.de/x/panicf"
)

type (
	// ErrorResponse is the body written by RenderError.
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// RenderJSON writes v as the JSON body of a statusCode response. An
// encoding failure panics and is caught by the server recover
// handler.
func RenderJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("x-content-type-options", "nosniff")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		panicf.Panic("cannot encode response body: %w", err)
	}
}

// RenderError writes an ErrorResponse whose code is the snake cased
// status text, for example "service_unavailable".
func RenderError(w http.ResponseWriter, statusCode int, err error) {
	RenderJSON(
		w,
		statusCode,
		ErrorResponse{
			Error:   errorCode(statusCode),
			Message: err.Error(),
		},
	)
}

func errorCode(statusCode int) string {
	text := http.StatusText(statusCode)
	if text == "" {
		return "unknown_error"
	}

	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}
