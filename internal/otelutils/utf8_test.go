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

package otelutils

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var invalid = string([]byte{0xff, 0xfe, 'a'})

func TestToValidUTF8(t *testing.T) {
	require.False(t, utf8.ValidString(invalid))

	assert.Equal(t, "�a", ToValidUTF8(invalid))
	assert.Equal(t, "ratelimit:default", ToValidUTF8("ratelimit:default"))
}

func TestSanitizeError(t *testing.T) {
	assert.Nil(t, SanitizeError(nil))

	valid := errors.New("connection refused")
	assert.Same(t, valid, SanitizeError(valid))

	cause := errors.New(invalid)
	err := SanitizeError(cause)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.ErrorIs(t, err, cause)
}

func TestRecordError(t *testing.T) {
	t.Run("nil span", func(t *testing.T) {
		assert.NotPanics(t, func() { RecordError(nil, errors.New("boom")) })
	})

	t.Run("recording span", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

		_, span := tp.Tracer("test").Start(context.Background(), "store.Increment")
		RecordError(span, errors.New(invalid))
		span.End()

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, "�a", spans[0].Status().Description)
		require.Len(t, spans[0].Events(), 1)
	})
}
