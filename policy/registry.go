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
	"fmt"
	"sort"
	"strings"
	"sync"
)

type (
	// Registry holds the registered policies. Registration happens
	// at startup; once sealed, the registry is read-only and safe for
	// concurrent use without further locking on the request path.
	Registry struct {
		mu      sync.RWMutex
		entries []*entry
		names   map[string]struct{}
		sealed  bool
	}

	entry struct {
		policy  Policy
		pattern pattern
		order   int
	}

	pattern struct {
		segments []string
		catchAll bool
	}

	specificity struct {
		literals int
		params   int
		exact    int
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]struct{}),
	}
}

// Register validates p and adds it to the registry. The registry keeps
// its own copy of p.
func (r *Registry) Register(p Policy) error {
	p = p.clone()
	if err := p.validate(); err != nil {
		return err
	}

	pat, err := parsePattern(p.Route)
	if err != nil {
		return &ConfigurationError{Policy: p.Name, Field: "route", Reason: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return &ConfigurationError{Policy: p.Name, Field: "registry", Reason: "is sealed"}
	}

	if _, ok := r.names[p.Name]; ok {
		return &ConfigurationError{Policy: p.Name, Field: "name", Reason: "is already registered"}
	}

	r.names[p.Name] = struct{}{}
	r.entries = append(
		r.entries,
		&entry{policy: p, pattern: pat, order: len(r.entries)},
	)

	return nil
}

// Seal validates the registry as a whole and forbids further
// registration. A default policy (route "/*") is required.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hasDefault := false
	for _, e := range r.entries {
		if e.policy.Route == DefaultRoute {
			hasDefault = true
			break
		}
	}

	if !hasDefault {
		return &ConfigurationError{
			Field:  "route",
			Reason: fmt.Sprintf("a default policy on %q is required", DefaultRoute),
		}
	}

	r.sealed = true
	return nil
}

// Sealed reports whether Seal succeeded.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sealed
}

// Resolve returns the most specific policy matching routeClass. Ties
// are broken by registration order, first registered wins. The second
// return value is false when nothing matches, which cannot happen on a
// sealed registry.
func (r *Registry) Resolve(routeClass string) (Policy, bool) {
	chain := r.Chain(routeClass)
	if len(chain) == 0 {
		return Policy{}, false
	}

	return chain[len(chain)-1], true
}

// Chain returns every policy matching routeClass, broadest first and
// most specific last. Among policies of equal specificity the first
// registered comes last, so that it is the one returned by Resolve.
func (r *Registry) Chain(routeClass string) []Policy {
	segments := splitPath(routeClass)

	r.mu.RLock()
	matches := make([]*entry, 0, 2)
	for _, e := range r.entries {
		if e.pattern.match(segments) {
			matches = append(matches, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(
		matches,
		func(i, j int) bool {
			si, sj := matches[i].pattern.specificity(), matches[j].pattern.specificity()
			if si != sj {
				return si.less(sj)
			}

			return matches[i].order > matches[j].order
		},
	)

	policies := make([]Policy, len(matches))
	for i, e := range matches {
		policies[i] = e.policy.clone()
	}

	return policies
}

// Policies returns every registered policy in registration order.
func (r *Registry) Policies() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policies := make([]Policy, len(r.entries))
	for i, e := range r.entries {
		policies[i] = e.policy.clone()
	}

	return policies
}

func parsePattern(route string) (pattern, error) {
	if !strings.HasPrefix(route, "/") {
		return pattern{}, fmt.Errorf("must start with \"/\", got %q", route)
	}

	segments := splitPath(route)
	pat := pattern{}

	for i, s := range segments {
		switch {
		case s == "*":
			if i != len(segments)-1 {
				return pattern{}, fmt.Errorf("\"*\" must be the last segment of %q", route)
			}
			pat.catchAll = true
		case strings.Contains(s, "*"):
			return pattern{}, fmt.Errorf("invalid segment %q in %q", s, route)
		case strings.HasPrefix(s, "{") != strings.HasSuffix(s, "}"):
			return pattern{}, fmt.Errorf("unbalanced placeholder %q in %q", s, route)
		case s == "{}":
			return pattern{}, fmt.Errorf("unnamed placeholder in %q", route)
		default:
			pat.segments = append(pat.segments, s)
		}
	}

	return pat, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}

	return strings.Split(p, "/")
}

func isParam(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func (p pattern) match(path []string) bool {
	if p.catchAll {
		if len(path) < len(p.segments) {
			return false
		}
	} else if len(path) != len(p.segments) {
		return false
	}

	for i, s := range p.segments {
		if isParam(s) {
			if path[i] == "" {
				return false
			}
			continue
		}

		if s != path[i] {
			return false
		}
	}

	return true
}

func (p pattern) specificity() specificity {
	s := specificity{}
	for _, seg := range p.segments {
		if isParam(seg) {
			s.params++
		} else {
			s.literals++
		}
	}

	if !p.catchAll {
		s.exact = 1
	}

	return s
}

func (s specificity) less(o specificity) bool {
	if s.literals != o.literals {
		return s.literals < o.literals
	}

	if s.params != o.params {
		return s.params < o.params
	}

	return s.exact < o.exact
}
