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

// Package identity derives the throttling identity of an inbound
// request.
//
// Resolution is pure: it reads the request, the authenticated subject
// placed on the request context by an upstream authentication layer
// and a trust configuration describing which forwarding headers may be
// honored. It never performs I/O.
package identity

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.gearno.de/admission/policy"
)

type (
	// Subject is an already authenticated caller.
	Subject struct {
		ID   string
		Role policy.Role
	}

	// Identity is the resolved subject a quota is tracked against.
	Identity struct {
		Scope   Scope
		Subject string
		Role    policy.Role
	}

	// Scope tags the kind of subject an Identity refers to.
	Scope string

	// TrustConfig describes how the network address of a request
	// is determined.
	TrustConfig struct {
		// ForwardedHeaders enables X-Forwarded-For and X-Real-IP.
		ForwardedHeaders bool

		// TrustedProxies lists the direct peers allowed to set
		// forwarding headers. An empty list trusts every peer.
		TrustedProxies []netip.Prefix
	}

	// Resolver derives identities from requests.
	Resolver struct {
		trust TrustConfig
	}

	subjectKey struct{}
)

const (
	ScopeUser    Scope = "user"
	ScopeAddress Scope = "addr"
	ScopeCustom  Scope = "custom"

	// UnknownAddress is the subject used when no address can be
	// parsed from the request. Every such request shares one quota.
	UnknownAddress = "unknown"

	ipv6PrefixBits = 64
)

// WithSubject returns a copy of ctx carrying s.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFromContext returns the authenticated subject stored in ctx.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	if !ok || s.ID == "" {
		return Subject{}, false
	}

	return s, true
}

func (i Identity) String() string {
	return string(i.Scope) + ":" + i.Subject
}

// NewResolver returns a resolver using the given trust configuration.
func NewResolver(trust TrustConfig) *Resolver {
	trust.TrustedProxies = append([]netip.Prefix(nil), trust.TrustedProxies...)
	for i, p := range trust.TrustedProxies {
		trust.TrustedProxies[i] = p.Masked()
	}

	return &Resolver{trust: trust}
}

// Resolve returns the identity of r under p.
//
// PerUser uses the authenticated subject and falls back to the network
// address for anonymous requests. Custom reads p.IdentityHeader and
// falls back to the network address when the header is empty. The role
// of the authenticated subject, if any, is carried by every identity
// so that tier quotas apply regardless of the strategy.
func (res *Resolver) Resolve(r *http.Request, p policy.Policy) Identity {
	subject, authenticated := SubjectFromContext(r.Context())

	switch p.Identity {
	case policy.PerUser:
		if authenticated {
			return Identity{Scope: ScopeUser, Subject: subject.ID, Role: subject.Role}
		}
	case policy.Custom:
		if v := strings.TrimSpace(r.Header.Get(p.IdentityHeader)); v != "" {
			return Identity{Scope: ScopeCustom, Subject: v, Role: subject.Role}
		}
	}

	return Identity{
		Scope:   ScopeAddress,
		Subject: res.Address(r),
		Role:    subject.Role,
	}
}

// Address returns the normalized network address of r. IPv4-mapped
// IPv6 addresses are unmapped, zones are dropped and IPv6 addresses
// are masked to their /64 prefix.
func (res *Resolver) Address(r *http.Request) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return UnknownAddress
	}

	addr := peer
	if res.trust.ForwardedHeaders && res.trusted(peer) {
		if fwd, ok := res.forwarded(r); ok {
			addr = fwd
		}
	}

	return normalize(addr).String()
}

func (res *Resolver) forwarded(r *http.Request) (netip.Addr, bool) {
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}

	if len(hops) > 0 {
		if len(res.trust.TrustedProxies) == 0 {
			// Hops cannot be told apart, the client is the
			// leftmost one.
			if addr, ok := parseAddr(hops[0]); ok {
				return addr, true
			}
		} else {
			// Everything left of the nearest untrusted hop is
			// client controlled.
			var candidate netip.Addr
			for i := len(hops) - 1; i >= 0; i-- {
				addr, ok := parseAddr(hops[i])
				if !ok {
					break
				}

				candidate = addr
				if !res.trusted(addr) {
					break
				}
			}

			if candidate.IsValid() {
				return candidate, true
			}
		}
	}

	if addr, ok := parseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ok {
		return addr, true
	}

	return netip.Addr{}, false
}

func (res *Resolver) trusted(addr netip.Addr) bool {
	if len(res.trust.TrustedProxies) == 0 {
		return true
	}

	addr = normalizeZone(addr)
	for _, p := range res.trust.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

func parseAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}

	return addr, true
}

func normalizeZone(addr netip.Addr) netip.Addr {
	return addr.Unmap().WithZone("")
}

func normalize(addr netip.Addr) netip.Addr {
	addr = normalizeZone(addr)
	if addr.Is6() {
		if p, err := addr.Prefix(ipv6PrefixBits); err == nil {
			return p.Addr()
		}
	}

	return addr
}
