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

package admissiond

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/admission/policy"
	"sigs.k8s.io/yaml"
)

const sampleConfig = `
http: { addr: ":8080", request-timeout-ms: 30000 }
log: { level: info, format: json }
store:
  backend: redis
  timeout-ms: 250
  health-interval-ms: 5000
  backoff: { initial-ms: 100, max-ms: 30000 }
  redis: { addrs: ["localhost:6379"], password: "", db: 0, pool-size: 20, atomic: true }
trust: { forwarded-headers: true, trusted-proxies: ["10.0.0.0/8", "192.0.2.7"] }
policies:
  - { name: default, route: "/*", window-ms: 60000, max-requests: 100, identity: per-user,
      degrade: open, algorithm: sliding, tiers: { admin: 1000 } }
  - { name: auth, route: "/api/auth/*", window-ms: 60000, max-requests: 5, identity: per-address,
      degrade: closed, algorithm: fixed }
`

func decode(t *testing.T, content string) Config {
	t.Helper()

	blob, err := yaml.YAMLToJSON([]byte(content))
	require.NoError(t, err)

	cfg := defaultConfig()
	require.NoError(t, json.Unmarshal(blob, &cfg))

	return cfg
}

func TestConfig_Decode(t *testing.T) {
	cfg := decode(t, sampleConfig)

	require.NoError(t, cfg.validate())
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.True(t, cfg.Store.Redis.Atomic)
	assert.Equal(t, int32(10), cfg.Store.Postgres.PoolSize)
	assert.Equal(t, int64(60_000), cfg.Store.Memory.SweepIntervalMs)

	registry, err := cfg.Registry()
	require.NoError(t, err)
	assert.True(t, registry.Sealed())

	def, ok := registry.Resolve("/api/tasks")
	require.True(t, ok)
	assert.Equal(t, "default", def.Name)
	assert.Equal(t, time.Minute, def.Window)
	assert.Equal(t, policy.PerUser, def.Identity)
	assert.Equal(t, policy.Open, def.Degrade)
	assert.Equal(t, 1000, def.Limit("admin"))
	assert.Equal(t, 100, def.Limit("member"))

	auth, ok := registry.Resolve("/api/auth/login")
	require.True(t, ok)
	assert.Equal(t, "auth", auth.Name)
	assert.Equal(t, policy.Fixed, auth.Algorithm)
	assert.Equal(t, policy.Closed, auth.Degrade)
	assert.Equal(t, policy.PerAddress, auth.Identity)
}

func TestConfig_DefaultPolicies(t *testing.T) {
	registry, err := defaultConfig().Registry()
	require.NoError(t, err)

	chain := registry.Chain("/api/auth/login")
	require.Len(t, chain, 2)
	assert.Equal(t, "default", chain[0].Name)
	assert.Equal(t, "auth", chain[1].Name)
}

func TestConfig_TrustConfig(t *testing.T) {
	trust, err := decode(t, sampleConfig).TrustConfig()
	require.NoError(t, err)

	assert.True(t, trust.ForwardedHeaders)
	assert.Equal(
		t,
		[]netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("192.0.2.7/32"),
		},
		trust.TrustedProxies,
	)

	_, err = decode(t, `trust: { trusted-proxies: ["not-an-ip"] }`).TrustConfig()
	assert.ErrorContains(t, err, "cannot parse trusted proxy")
}

func TestConfig_Validate(t *testing.T) {
	cfg := decode(t, `
http: { request-timeout-ms: 100 }
store: { backend: etcd, timeout-ms: 250 }
`)

	err := cfg.validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "must not exceed http.request-timeout-ms")
	assert.ErrorContains(t, err, `unknown store.backend "etcd"`)
}

func TestConfig_InvalidPolicy(t *testing.T) {
	testCases := []struct {
		name   string
		config string
		field  string
	}{
		{
			name:   "unknown strategy",
			config: `policies: [{ name: default, route: "/*", window-ms: 1000, max-requests: 1, identity: cookie, degrade: open }]`,
			field:  "identity",
		},
		{
			name:   "unknown degrade mode",
			config: `policies: [{ name: default, route: "/*", window-ms: 1000, max-requests: 1, identity: per-user, degrade: maybe }]`,
			field:  "degrade",
		},
		{
			name:   "zero window",
			config: `policies: [{ name: default, route: "/*", window-ms: 0, max-requests: 1, identity: per-user, degrade: open }]`,
			field:  "window",
		},
		{
			name:   "missing default policy",
			config: `policies: [{ name: auth, route: "/api/auth/*", window-ms: 1000, max-requests: 1, identity: per-user, degrade: open }]`,
			field:  "route",
		},
		{
			name:   "non positive tier",
			config: `policies: [{ name: default, route: "/*", window-ms: 1000, max-requests: 1, identity: per-user, degrade: open, tiers: { admin: 0 } }]`,
			field:  "tiers",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decode(t, tc.config).Registry()
			require.Error(t, err)

			var cerr *policy.ConfigurationError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}
