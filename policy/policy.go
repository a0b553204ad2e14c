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

// Package policy holds the admission policies applied to route
// classes.
//
// A policy describes a quota: at most MaxRequests requests per Window
// for one identity. Policies are registered once at process start in
// a Registry and never change afterwards. Registration validates
// every field and reports a *ConfigurationError; callers are expected
// to treat it as fatal and refuse to serve traffic.
//
// # Route matching
//
// Each policy is attached to a route pattern made of "/" separated
// segments. A segment is either a literal, a "{name}" placeholder
// matching exactly one segment, or a trailing "*" matching any
// remainder (including nothing). The pattern "/*" is the default
// policy and is mandatory.
//
// When several patterns match, the most specific one wins: more
// literal segments first, then more placeholder segments, then exact
// patterns over catch-all patterns. Patterns with equal specificity
// are ordered by registration: the first registered wins.
//
// # Layering
//
// Chain returns every policy matching a route class ordered from the
// broadest to the narrowest. The admission middleware evaluates them
// in that order and stops at the first denial, so a request to a
// sensitive route consumes quota from both the default policy and the
// sensitive route policy.
package policy

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

type (
	// Strategy selects how the throttling identity is derived from
	// a request.
	Strategy int

	// DegradeMode selects the outcome applied when the counting
	// store cannot be reached.
	DegradeMode int

	// Algorithm selects the counter evaluating a policy.
	Algorithm int

	// Role is the role of an authenticated subject, used to select
	// a tier quota.
	Role string

	// Policy is an immutable admission policy.
	Policy struct {
		// Name identifies the policy in logs, metrics and
		// configuration errors. It must be unique.
		Name string

		// Route is the route pattern the policy applies to.
		Route string

		// Window is the length of the rolling (or fixed) window.
		Window time.Duration

		// MaxRequests is the default quota per Window.
		MaxRequests int

		// Tiers overrides MaxRequests for subjects with the given
		// role.
		Tiers map[Role]int

		Identity Strategy

		// IdentityHeader is the request header read by the
		// Custom strategy.
		IdentityHeader string

		Degrade   DegradeMode
		Algorithm Algorithm

		// Namespace prefixes every store key of this policy. It
		// defaults to "ratelimit:<name>".
		Namespace string
	}
)

const (
	PerUser Strategy = iota + 1
	PerAddress
	Custom
)

const (
	Open DegradeMode = iota + 1
	Closed
)

const (
	Sliding Algorithm = iota + 1
	Fixed
)

const (
	DefaultRoute = "/*"

	defaultNamespacePrefix = "ratelimit:"
)

func (s Strategy) String() string {
	switch s {
	case PerUser:
		return "per-user"
	case PerAddress:
		return "per-address"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

func (m DegradeMode) String() string {
	switch m {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("degrade(%d)", int(m))
	}
}

func (a Algorithm) String() string {
	switch a {
	case Sliding:
		return "sliding"
	case Fixed:
		return "fixed"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch normalize(s) {
	case "per-user", "user":
		return PerUser, nil
	case "per-address", "address", "ip":
		return PerAddress, nil
	case "custom":
		return Custom, nil
	default:
		return 0, fmt.Errorf("unknown identity strategy %q", s)
	}
}

// ParseDegradeMode converts a configuration string to a DegradeMode.
func ParseDegradeMode(s string) (DegradeMode, error) {
	switch normalize(s) {
	case "open", "fail-open":
		return Open, nil
	case "closed", "fail-closed":
		return Closed, nil
	default:
		return 0, fmt.Errorf("unknown degrade mode %q", s)
	}
}

// ParseAlgorithm converts a configuration string to an Algorithm. An
// empty string selects Sliding.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch normalize(s) {
	case "", "sliding", "sliding-window":
		return Sliding, nil
	case "fixed", "fixed-window":
		return Fixed, nil
	default:
		return 0, fmt.Errorf("unknown algorithm %q", s)
	}
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

// Limit returns the quota applying to a subject with the given role.
func (p Policy) Limit(role Role) int {
	if role != "" {
		if n, ok := p.Tiers[role]; ok {
			return n
		}
	}

	return p.MaxRequests
}

func (p Policy) clone() Policy {
	p.Tiers = maps.Clone(p.Tiers)
	return p
}

func (p *Policy) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ConfigurationError{Field: "name", Reason: "must not be empty"}
	}

	if p.Window <= 0 {
		return &ConfigurationError{
			Policy: p.Name,
			Field:  "window",
			Reason: fmt.Sprintf("must be positive, got %s", p.Window),
		}
	}

	if p.Window < time.Millisecond {
		return &ConfigurationError{
			Policy: p.Name,
			Field:  "window",
			Reason: fmt.Sprintf("must be at least 1ms, got %s", p.Window),
		}
	}

	if p.MaxRequests < 1 {
		return &ConfigurationError{
			Policy: p.Name,
			Field:  "max-requests",
			Reason: fmt.Sprintf("must be at least 1, got %d", p.MaxRequests),
		}
	}

	for role, n := range p.Tiers {
		if strings.TrimSpace(string(role)) == "" {
			return &ConfigurationError{Policy: p.Name, Field: "tiers", Reason: "role must not be empty"}
		}

		if n < 1 {
			return &ConfigurationError{
				Policy: p.Name,
				Field:  "tiers",
				Reason: fmt.Sprintf("quota for role %q must be at least 1, got %d", role, n),
			}
		}
	}

	switch p.Identity {
	case PerUser, PerAddress:
	case Custom:
		if strings.TrimSpace(p.IdentityHeader) == "" {
			return &ConfigurationError{
				Policy: p.Name,
				Field:  "identity-header",
				Reason: "is required by the custom identity strategy",
			}
		}
	default:
		return &ConfigurationError{Policy: p.Name, Field: "identity", Reason: "unknown strategy"}
	}

	switch p.Degrade {
	case Open, Closed:
	default:
		return &ConfigurationError{Policy: p.Name, Field: "degrade", Reason: "unknown degrade mode"}
	}

	switch p.Algorithm {
	case Sliding, Fixed:
	default:
		return &ConfigurationError{Policy: p.Name, Field: "algorithm", Reason: "unknown algorithm"}
	}

	if p.Namespace == "" {
		p.Namespace = defaultNamespacePrefix + p.Name
	}

	return nil
}
