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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPolicy(name, route string) Policy {
	return Policy{
		Name:        name,
		Route:       route,
		Window:      time.Minute,
		MaxRequests: 10,
		Identity:    PerAddress,
		Degrade:     Open,
		Algorithm:   Sliding,
	}
}

func names(policies []Policy) []string {
	out := make([]string, len(policies))
	for i, p := range policies {
		out[i] = p.Name
	}
	return out
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
		field  string
	}{
		{"zero window", func(p *Policy) { p.Window = 0 }, "window"},
		{"negative window", func(p *Policy) { p.Window = -time.Second }, "window"},
		{"sub millisecond window", func(p *Policy) { p.Window = time.Microsecond }, "window"},
		{"zero quota", func(p *Policy) { p.MaxRequests = 0 }, "max-requests"},
		{"empty name", func(p *Policy) { p.Name = " " }, "name"},
		{"bad tier", func(p *Policy) { p.Tiers = map[Role]int{"admin": 0} }, "tiers"},
		{"unknown identity", func(p *Policy) { p.Identity = 0 }, "identity"},
		{"custom without header", func(p *Policy) { p.Identity = Custom }, "identity-header"},
		{"unknown degrade", func(p *Policy) { p.Degrade = 0 }, "degrade"},
		{"unknown algorithm", func(p *Policy) { p.Algorithm = 0 }, "algorithm"},
		{"relative route", func(p *Policy) { p.Route = "api/*" }, "route"},
		{"inner wildcard", func(p *Policy) { p.Route = "/api/*/tasks" }, "route"},
		{"unbalanced placeholder", func(p *Policy) { p.Route = "/api/{id" }, "route"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPolicy("p", "/api/*")
			tt.mutate(&p)

			err := NewRegistry().Register(p)
			require.Error(t, err)

			var cerr *ConfigurationError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPolicy("default", "/*")))

	err := r.Register(newPolicy("default", "/api/*"))
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "name", cerr.Field)
}

func TestRegistry_SealRequiresDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPolicy("auth", "/api/auth/*")))

	var cerr *ConfigurationError
	require.ErrorAs(t, r.Seal(), &cerr)

	require.NoError(t, r.Register(newPolicy("default", DefaultRoute)))
	assert.False(t, r.Sealed())
	require.NoError(t, r.Seal())
	assert.True(t, r.Sealed())

	err := r.Register(newPolicy("late", "/late"))
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "registry", cerr.Field)
}

func TestRegistry_ResolveMostSpecific(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPolicy("default", "/*")))
	require.NoError(t, r.Register(newPolicy("api", "/api/*")))
	require.NoError(t, r.Register(newPolicy("task", "/api/tasks/{id}")))
	require.NoError(t, r.Register(newPolicy("login", "/api/auth/login")))
	require.NoError(t, r.Seal())

	tests := map[string]string{
		"/":                "default",
		"/health":          "default",
		"/api":             "api",
		"/api/projects":    "api",
		"/api/tasks/42":    "task",
		"/api/tasks/42/x":  "api",
		"/api/auth/login":  "login",
		"/api/auth/login/": "login",
	}

	for route, want := range tests {
		p, ok := r.Resolve(route)
		require.True(t, ok, route)
		assert.Equal(t, want, p.Name, route)
	}
}

func TestRegistry_TiesFirstRegisteredWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPolicy("default", "/*")))
	require.NoError(t, r.Register(newPolicy("tasks-by-id", "/api/tasks/{id}")))
	require.NoError(t, r.Register(newPolicy("tasks-by-slug", "/api/tasks/{slug}")))

	p, ok := r.Resolve("/api/tasks/7")
	require.True(t, ok)
	assert.Equal(t, "tasks-by-id", p.Name)

	assert.Equal(
		t,
		[]string{"default", "tasks-by-slug", "tasks-by-id"},
		names(r.Chain("/api/tasks/7")),
	)
}

func TestRegistry_ChainBroadToNarrow(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPolicy("login", "/api/auth/login")))
	require.NoError(t, r.Register(newPolicy("auth", "/api/auth/*")))
	require.NoError(t, r.Register(newPolicy("default", "/*")))

	assert.Equal(t, []string{"default", "auth", "login"}, names(r.Chain("/api/auth/login")))
	assert.Equal(t, []string{"default"}, names(r.Chain("/api/tasks")))
}

func TestRegistry_PoliciesAreImmutable(t *testing.T) {
	p := newPolicy("default", "/*")
	p.Tiers = map[Role]int{"admin": 100}

	r := NewRegistry()
	require.NoError(t, r.Register(p))

	p.Tiers["admin"] = 1
	got, _ := r.Resolve("/x")
	assert.Equal(t, 100, got.Tiers["admin"])

	got.Tiers["admin"] = 2
	again, _ := r.Resolve("/x")
	assert.Equal(t, 100, again.Tiers["admin"])
	assert.Equal(t, "ratelimit:default", again.Namespace)
}

func TestPolicy_Limit(t *testing.T) {
	p := newPolicy("default", "/*")
	p.Tiers = map[Role]int{"admin": 1000}

	assert.Equal(t, 10, p.Limit(""))
	assert.Equal(t, 10, p.Limit("member"))
	assert.Equal(t, 1000, p.Limit("admin"))
}

func TestParse(t *testing.T) {
	s, err := ParseStrategy("per_user")
	require.NoError(t, err)
	assert.Equal(t, PerUser, s)

	d, err := ParseDegradeMode("Closed")
	require.NoError(t, err)
	assert.Equal(t, Closed, d)

	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, Sliding, a)

	_, err = ParseStrategy("per-planet")
	assert.Error(t, err)
	_, err = ParseDegradeMode("maybe")
	assert.Error(t, err)
	_, err = ParseAlgorithm("leaky")
	assert.Error(t, err)
}
