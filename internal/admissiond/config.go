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
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/log"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/store"
)

type (
	Config struct {
		HTTP     HTTPConfig     `json:"http"`
		Log      LogConfig      `json:"log"`
		Store    StoreConfig    `json:"store"`
		Trust    TrustConfig    `json:"trust"`
		Policies []PolicyConfig `json:"policies"`
	}

	HTTPConfig struct {
		Addr             string `json:"addr"`
		RequestTimeoutMs int64  `json:"request-timeout-ms"`
	}

	LogConfig struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	}

	StoreConfig struct {
		Backend          string         `json:"backend"`
		TimeoutMs        int64          `json:"timeout-ms"`
		HealthIntervalMs int64          `json:"health-interval-ms"`
		Backoff          BackoffConfig  `json:"backoff"`
		Redis            RedisConfig    `json:"redis"`
		Postgres         PostgresConfig `json:"postgres"`
		Memory           MemoryConfig   `json:"memory"`
	}

	BackoffConfig struct {
		InitialMs int64 `json:"initial-ms"`
		MaxMs     int64 `json:"max-ms"`
	}

	RedisConfig struct {
		Addrs    []string `json:"addrs"`
		Password string   `json:"password"`
		DB       int      `json:"db"`
		PoolSize int      `json:"pool-size"`

		// Atomic selects the script based sliding window. When
		// false the check and the insert are two round trips.
		Atomic bool `json:"atomic"`
	}

	PostgresConfig struct {
		Addr              string `json:"addr"`
		User              string `json:"user"`
		Password          string `json:"password"`
		Database          string `json:"database"`
		PoolSize          int32  `json:"pool-size"`
		CleanupIntervalMs int64  `json:"cleanup-interval-ms"`
	}

	MemoryConfig struct {
		SweepIntervalMs int64 `json:"sweep-interval-ms"`
	}

	TrustConfig struct {
		ForwardedHeaders bool     `json:"forwarded-headers"`
		TrustedProxies   []string `json:"trusted-proxies"`
	}

	PolicyConfig struct {
		Name           string         `json:"name"`
		Route          string         `json:"route"`
		WindowMs       int64          `json:"window-ms"`
		MaxRequests    int            `json:"max-requests"`
		Identity       string         `json:"identity"`
		IdentityHeader string         `json:"identity-header,omitempty"`
		Degrade        string         `json:"degrade"`
		Algorithm      string         `json:"algorithm,omitempty"`
		Namespace      string         `json:"namespace,omitempty"`
		Tiers          map[string]int `json:"tiers,omitempty"`
	}
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

func defaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:             ":8080",
			RequestTimeoutMs: 30_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatJSON),
		},
		Store: StoreConfig{
			Backend:          BackendMemory,
			TimeoutMs:        250,
			HealthIntervalMs: 5_000,
			Backoff: BackoffConfig{
				InitialMs: 100,
				MaxMs:     30_000,
			},
			Redis: RedisConfig{
				Addrs:    []string{"localhost:6379"},
				PoolSize: 20,
				Atomic:   true,
			},
			Postgres: PostgresConfig{
				Addr:              "localhost:5432",
				User:              "postgres",
				Database:          "postgres",
				PoolSize:          10,
				CleanupIntervalMs: 60_000,
			},
			Memory: MemoryConfig{
				SweepIntervalMs: 60_000,
			},
		},
	}
}

// defaultPolicies applies when the configuration declares none.
func defaultPolicies() []PolicyConfig {
	return []PolicyConfig{
		{
			Name:        "default",
			Route:       policy.DefaultRoute,
			WindowMs:    60_000,
			MaxRequests: 100,
			Identity:    "per-user",
			Degrade:     "open",
		},
		{
			Name:        "auth",
			Route:       "/api/auth/*",
			WindowMs:    60_000,
			MaxRequests: 5,
			Identity:    "per-address",
			Degrade:     "closed",
		},
	}
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Registry builds and seals the policy registry described by the
// configuration.
func (c Config) Registry() (*policy.Registry, error) {
	r := policy.NewRegistry()

	policies := c.Policies
	if len(policies) == 0 {
		policies = defaultPolicies()
	}

	for i, pc := range policies {
		p, err := pc.policy()
		if err != nil {
			return nil, fmt.Errorf("cannot decode policy #%d: %w", i, err)
		}

		if err := r.Register(p); err != nil {
			return nil, err
		}
	}

	if err := r.Seal(); err != nil {
		return nil, err
	}

	return r, nil
}

func (pc PolicyConfig) policy() (policy.Policy, error) {
	fail := func(field string, err error) (policy.Policy, error) {
		return policy.Policy{}, &policy.ConfigurationError{Policy: pc.Name, Field: field, Reason: err.Error()}
	}

	strategy, err := policy.ParseStrategy(pc.Identity)
	if err != nil {
		return fail("identity", err)
	}

	degrade, err := policy.ParseDegradeMode(pc.Degrade)
	if err != nil {
		return fail("degrade", err)
	}

	algorithm, err := policy.ParseAlgorithm(pc.Algorithm)
	if err != nil {
		return fail("algorithm", err)
	}

	var tiers map[policy.Role]int
	if len(pc.Tiers) > 0 {
		tiers = make(map[policy.Role]int, len(pc.Tiers))
		for role, n := range pc.Tiers {
			tiers[policy.Role(role)] = n
		}
	}

	return policy.Policy{
		Name:           pc.Name,
		Route:          pc.Route,
		Window:         ms(pc.WindowMs),
		MaxRequests:    pc.MaxRequests,
		Tiers:          tiers,
		Identity:       strategy,
		IdentityHeader: pc.IdentityHeader,
		Degrade:        degrade,
		Algorithm:      algorithm,
		Namespace:      pc.Namespace,
	}, nil
}

// TrustConfig converts the trusted proxies list. Entries are CIDR
// prefixes or single addresses.
func (c Config) TrustConfig() (identity.TrustConfig, error) {
	trust := identity.TrustConfig{ForwardedHeaders: c.Trust.ForwardedHeaders}

	for _, s := range c.Trust.TrustedProxies {
		s = strings.TrimSpace(s)

		if strings.Contains(s, "/") {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				return identity.TrustConfig{}, fmt.Errorf("cannot parse trusted proxy %q: %w", s, err)
			}

			trust.TrustedProxies = append(trust.TrustedProxies, prefix)
			continue
		}

		addr, err := netip.ParseAddr(s)
		if err != nil {
			return identity.TrustConfig{}, fmt.Errorf("cannot parse trusted proxy %q: %w", s, err)
		}

		addr = addr.Unmap()
		trust.TrustedProxies = append(trust.TrustedProxies, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return trust, nil
}

func (c Config) validate() error {
	var errs []error

	if c.HTTP.RequestTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("http.request-timeout-ms must be positive, got %d", c.HTTP.RequestTimeoutMs))
	}

	if c.Store.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("store.timeout-ms must be positive, got %d", c.Store.TimeoutMs))
	}

	if c.Store.TimeoutMs > c.HTTP.RequestTimeoutMs {
		errs = append(
			errs,
			fmt.Errorf(
				"store.timeout-ms (%d) must not exceed http.request-timeout-ms (%d)",
				c.Store.TimeoutMs,
				c.HTTP.RequestTimeoutMs,
			),
		)
	}

	switch c.Store.Backend {
	case BackendRedis, BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	return errors.Join(errs...)
}

func (c StoreConfig) managerOptions() []store.Option {
	return []store.Option{
		store.WithTimeout(ms(c.TimeoutMs)),
		store.WithHealthCheckInterval(ms(c.HealthIntervalMs)),
		store.WithBackoff(ms(c.Backoff.InitialMs), ms(c.Backoff.MaxMs)),
	}
}
