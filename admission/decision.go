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
	"fmt"

	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/ratelimit"
)

type (
	// Outcome is the terminal state of an admission decision.
	Outcome int

	// Stage is the last state an admission decision reached.
	Stage int

	// Layer is the evaluation of one policy of a decision.
	Layer struct {
		Policy   policy.Policy
		Identity identity.Identity
		Result   ratelimit.Result
		Outcome  Outcome
	}

	// Decision is the result of evaluating a request.
	Decision struct {
		RouteClass string
		Stage      Stage
		Outcome    Outcome

		// Layers holds the evaluated policies, broadest first.
		// When the request was rejected, the last layer is the
		// one that rejected it.
		Layers []Layer

		reported int
	}
)

const (
	Allowed Outcome = iota
	Denied
	DegradedAllowed
	DegradedDenied
)

const (
	StageStart Stage = iota
	StageIdentityResolved
	StagePolicySelected
	StageEvaluated
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case DegradedAllowed:
		return "degraded_allowed"
	case DegradedDenied:
		return "degraded_denied"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Admitted reports whether the request may proceed.
func (o Outcome) Admitted() bool {
	return o == Allowed || o == DegradedAllowed
}

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageIdentityResolved:
		return "identity_resolved"
	case StagePolicySelected:
		return "policy_selected"
	case StageEvaluated:
		return "evaluated"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Admitted reports whether the request may proceed.
func (d *Decision) Admitted() bool {
	return d.Outcome.Admitted()
}

// Reported returns the layer whose quota is reported to the client:
// the rejecting layer for a rejected request, the layer with the
// fewest remaining requests otherwise. It returns the zero Layer when
// nothing was evaluated.
func (d *Decision) Reported() Layer {
	if len(d.Layers) == 0 {
		return Layer{}
	}

	return d.Layers[d.reported]
}

// resolve computes the outcome of the decision from its layers.
func (d *Decision) resolve() {
	if len(d.Layers) == 0 {
		d.Outcome = Allowed
		return
	}

	last := len(d.Layers) - 1
	if !d.Layers[last].Outcome.Admitted() {
		d.Outcome = d.Layers[last].Outcome
		d.reported = last
		return
	}

	d.Outcome = Allowed
	d.reported = last
	for i := last; i >= 0; i-- {
		l := d.Layers[i]
		if l.Outcome == DegradedAllowed {
			d.Outcome = DegradedAllowed
		}

		if l.Result.Remaining < d.Layers[d.reported].Result.Remaining {
			d.reported = i
		}
	}
}
