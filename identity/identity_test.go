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

package identity

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/admission/policy"
)

func testPolicy(strategy policy.Strategy) policy.Policy {
	return policy.Policy{
		Name:           "p",
		Route:          "/*",
		Window:         time.Minute,
		MaxRequests:    5,
		Identity:       strategy,
		IdentityHeader: "X-Api-Key",
		Degrade:        policy.Open,
		Algorithm:      policy.Sliding,
	}
}

func newRequest(remote string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}

	return r
}

func TestResolve_PerUser(t *testing.T) {
	res := NewResolver(TrustConfig{})

	t.Run("authenticated", func(t *testing.T) {
		r := newRequest("192.0.2.1:4000", nil)
		r = r.WithContext(WithSubject(r.Context(), Subject{ID: "42", Role: "admin"}))

		id := res.Resolve(r, testPolicy(policy.PerUser))
		assert.Equal(t, "user:42", id.String())
		assert.Equal(t, policy.Role("admin"), id.Role)
	})

	t.Run("anonymous falls back to address", func(t *testing.T) {
		r := newRequest("192.0.2.1:4000", nil)

		id := res.Resolve(r, testPolicy(policy.PerUser))
		assert.Equal(t, "addr:192.0.2.1", id.String())
		assert.Equal(t, policy.Role(""), id.Role)
	})

	t.Run("empty subject id is anonymous", func(t *testing.T) {
		r := newRequest("192.0.2.1:4000", nil)
		r = r.WithContext(WithSubject(r.Context(), Subject{}))

		id := res.Resolve(r, testPolicy(policy.PerUser))
		assert.Equal(t, ScopeAddress, id.Scope)
	})
}

func TestResolve_PerAddressIgnoresSubject(t *testing.T) {
	res := NewResolver(TrustConfig{})
	r := newRequest("192.0.2.1:4000", nil)
	r = r.WithContext(WithSubject(r.Context(), Subject{ID: "42", Role: "admin"}))

	id := res.Resolve(r, testPolicy(policy.PerAddress))
	assert.Equal(t, "addr:192.0.2.1", id.String())
	assert.Equal(t, policy.Role("admin"), id.Role)
}

func TestResolve_Custom(t *testing.T) {
	res := NewResolver(TrustConfig{})

	r := newRequest("192.0.2.1:4000", map[string]string{"X-Api-Key": " key-1 "})
	assert.Equal(t, "custom:key-1", res.Resolve(r, testPolicy(policy.Custom)).String())

	r = newRequest("192.0.2.1:4000", nil)
	assert.Equal(t, "addr:192.0.2.1", res.Resolve(r, testPolicy(policy.Custom)).String())
}

func TestAddress_Normalization(t *testing.T) {
	res := NewResolver(TrustConfig{})

	tests := map[string]string{
		"192.0.2.1:4000":             "192.0.2.1",
		"[::ffff:192.0.2.1]:4000":    "192.0.2.1",
		"[2001:db8:1:2:3:4:5:6]:443": "2001:db8:1:2::",
		"[2001:db8:1:2:ffff::1]:443": "2001:db8:1:2::",
		"[fe80::1%eth0]:80":          "fe80::",
		"192.0.2.9":                  "192.0.2.9",
		"not an address":             UnknownAddress,
		"":                           UnknownAddress,
	}

	for remote, want := range tests {
		assert.Equal(t, want, res.Address(newRequest(remote, nil)), remote)
	}
}

func TestAddress_ForwardedHeaders(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	t.Run("disabled", func(t *testing.T) {
		res := NewResolver(TrustConfig{TrustedProxies: proxies})
		r := newRequest("10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7"})

		assert.Equal(t, "10.0.0.1", res.Address(r))
	})

	t.Run("untrusted peer", func(t *testing.T) {
		res := NewResolver(TrustConfig{ForwardedHeaders: true, TrustedProxies: proxies})
		r := newRequest("203.0.113.5:80", map[string]string{"X-Forwarded-For": "198.51.100.7"})

		assert.Equal(t, "203.0.113.5", res.Address(r))
	})

	t.Run("nearest untrusted hop", func(t *testing.T) {
		res := NewResolver(TrustConfig{ForwardedHeaders: true, TrustedProxies: proxies})
		r := newRequest(
			"10.0.0.1:80",
			map[string]string{"X-Forwarded-For": "1.1.1.1, 198.51.100.7, 10.0.0.2"},
		)

		assert.Equal(t, "198.51.100.7", res.Address(r))
	})

	t.Run("every hop trusted", func(t *testing.T) {
		res := NewResolver(TrustConfig{ForwardedHeaders: true, TrustedProxies: proxies})
		r := newRequest("10.0.0.1:80", map[string]string{"X-Forwarded-For": "10.1.1.1, 10.0.0.2"})

		assert.Equal(t, "10.1.1.1", res.Address(r))
	})

	t.Run("empty proxy list trusts any peer", func(t *testing.T) {
		res := NewResolver(TrustConfig{ForwardedHeaders: true})
		r := newRequest(
			"203.0.113.5:80",
			map[string]string{"X-Forwarded-For": "198.51.100.7, 203.0.113.9"},
		)

		assert.Equal(t, "198.51.100.7", res.Address(r))
	})

	t.Run("real ip fallback", func(t *testing.T) {
		res := NewResolver(TrustConfig{ForwardedHeaders: true, TrustedProxies: proxies})
		r := newRequest("10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.8"})

		assert.Equal(t, "198.51.100.8", res.Address(r))
	})

	t.Run("garbage header", func(t *testing.T) {
		res := NewResolver(TrustConfig{ForwardedHeaders: true, TrustedProxies: proxies})
		r := newRequest("10.0.0.1:80", map[string]string{"X-Forwarded-For": "garbage"})

		assert.Equal(t, "10.0.0.1", res.Address(r))
	})
}

func TestResolve_IsPure(t *testing.T) {
	res := NewResolver(TrustConfig{ForwardedHeaders: true})
	r := newRequest("192.0.2.1:4000", map[string]string{"X-Forwarded-For": "198.51.100.7"})
	p := testPolicy(policy.PerUser)

	first := res.Resolve(r, p)
	second := res.Resolve(r, p)

	require.Equal(t, first, second)
	assert.Equal(t, "198.51.100.7", r.Header.Get("X-Forwarded-For"))
}
