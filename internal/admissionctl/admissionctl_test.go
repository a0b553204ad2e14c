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

package admissionctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/admission/admission"
	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/ratelimit"
	"go.gearno.de/admission/store"
)

func newServer(t *testing.T, maxRequests int) *httptest.Server {
	t.Helper()

	registry := policy.NewRegistry()
	require.NoError(
		t,
		registry.Register(
			policy.Policy{
				Name:        "default",
				Route:       policy.DefaultRoute,
				Window:      time.Minute,
				MaxRequests: maxRequests,
				Identity:    policy.PerUser,
				Degrade:     policy.Open,
				Algorithm:   policy.Sliding,
			},
		),
	)
	require.NoError(t, registry.Seal())

	manager := store.NewManager(store.NewMemoryBackend(), store.WithRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = manager.Close() })

	m, err := admission.New(
		registry,
		identity.NewResolver(identity.TrustConfig{}),
		map[policy.Algorithm]ratelimit.Counter{
			policy.Sliding: ratelimit.NewSlidingWindow(manager, ratelimit.WithRegisterer(prometheus.NewRegistry())),
		},
		admission.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	authenticate := func(next http.Handler) http.Handler {
		return http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if id := r.Header.Get(headerAuthenticatedUser); id != "" {
					subject := identity.Subject{ID: id, Role: policy.Role(r.Header.Get(headerAuthenticatedRole))}
					r = r.WithContext(identity.WithSubject(r.Context(), subject))
				}

				next.ServeHTTP(w, r)
			},
		)
	}

	ts := httptest.NewServer(
		authenticate(
			m.Handler(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
			),
		),
	)
	t.Cleanup(ts.Close)

	return ts
}

func TestProbe(t *testing.T) {
	ts := newServer(t, 2)

	report, err := Probe(
		context.Background(),
		ts.Client(),
		ProbeOptions{URL: ts.URL + "/api/tasks", Method: http.MethodGet, Requests: 3, User: "alice"},
	)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Admitted)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Attempts, 3)

	assert.Equal(t, "1", report.Attempts[0].Remaining)
	assert.Equal(t, "0", report.Attempts[1].Remaining)
	assert.Equal(t, http.StatusTooManyRequests, report.Attempts[2].Status)
	assert.Equal(t, "60", report.Attempts[2].RetryAfter)
	assert.Equal(t, admission.RejectionCode, report.Attempts[2].Code)

	// Another subject has its own quota.
	report, err = Probe(
		context.Background(),
		ts.Client(),
		ProbeOptions{URL: ts.URL + "/api/tasks", Method: http.MethodGet, Requests: 1, User: "bob"},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Admitted)
}

func TestProbe_UnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	report, err := Probe(
		context.Background(),
		http.DefaultClient,
		ProbeOptions{URL: url, Method: http.MethodGet, Requests: 2},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, report.Attempts, 2)
}

func TestProbe_Interval(t *testing.T) {
	ts := newServer(t, 10)

	start := time.Now()
	report, err := Probe(
		context.Background(),
		ts.Client(),
		ProbeOptions{URL: ts.URL, Method: http.MethodGet, Requests: 3, Interval: 30 * time.Millisecond},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Admitted)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err = Probe(ctx, ts.Client(), ProbeOptions{URL: ts.URL, Method: http.MethodGet, Requests: 3})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Attempts)
}

func TestProbe_InvalidOptions(t *testing.T) {
	_, err := Probe(context.Background(), http.DefaultClient, ProbeOptions{URL: "http://localhost", Requests: 0})
	assert.ErrorContains(t, err, "requests must be at least 1")
}

func TestProbeCommand(t *testing.T) {
	ts := newServer(t, 1)

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"probe", "--url", ts.URL + "/", "--requests", "2", "--json"})

	require.NoError(t, cmd.Execute())

	var report Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 1, report.Admitted)
	assert.Equal(t, 1, report.Rejected)

	out.Reset()
	cmd = NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"probe", "--url", ts.URL + "/", "--requests", "1"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "[DENY ]")
	assert.Contains(t, out.String(), "0 admitted, 1 rejected, 0 failed")
}
