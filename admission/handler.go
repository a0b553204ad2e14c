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

package admission

import (
	"net/http"
	"strconv"
	"time"

	"go.gearno.de/admission/httpserver"
	"go.gearno.de/admission/log"
)

type (
	// RejectionResponse is the body of a rejected request.
	RejectionResponse struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"

	RejectionCode    = "RATE_LIMIT_EXCEEDED"
	rejectionMessage = "Too many requests, please try again later."
)

// Handler returns next guarded by the middleware. Rejected requests
// are answered with 429; requests whose context ended during the
// evaluation are dropped without a response.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			decision, err := m.Evaluate(r)
			if err != nil {
				m.logger.DebugCtx(
					r.Context(),
					"request ended during admission",
					log.String("route_class", decision.RouteClass),
					log.String("stage", decision.Stage.String()),
					log.Error(err),
				)
				return
			}

			if len(decision.Layers) > 0 {
				writeHeaders(w, decision.Reported())
			}

			if !decision.Admitted() {
				m.reject(w, decision.Reported())
				return
			}

			next.ServeHTTP(w, r)
		},
	)
}

func (m *Middleware) reject(w http.ResponseWriter, l Layer) {
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfter(m.clock.Now(), l.Result.ResetAt), 10))

	httpserver.RenderJSON(
		w,
		http.StatusTooManyRequests,
		RejectionResponse{
			Success: false,
			Message: rejectionMessage,
			Code:    RejectionCode,
		},
	)
}

func writeHeaders(w http.ResponseWriter, l Layer) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(l.Result.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(max(l.Result.Remaining, 0)))
	h.Set(HeaderReset, strconv.FormatInt(ceilUnix(l.Result.ResetAt), 10))
}

// retryAfter returns the whole number of seconds until resetAt,
// rounded up and never less than one.
func retryAfter(now, resetAt time.Time) int64 {
	d := resetAt.Sub(now)
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}

	return max(secs, 1)
}

func ceilUnix(t time.Time) int64 {
	ms := t.UnixMilli()
	secs := ms / 1000
	if ms%1000 > 0 {
		secs++
	}

	return secs
}
