// Package billing classifies a user's subscription record into the discrete
// billing state the permission resolver consumes. Classification is a pure
// function of the user row, the clock, and the policy windows.
package billing

import (
	"time"

	"github.com/d9705996/gatekeep/internal/model"
)

// State is a discrete billing classification.
type State string

const (
	TrialingCommunicator       State = "trialing_communicator"
	TrialingSupporter          State = "trialing_supporter"
	LongTermActiveCommunicator State = "long_term_active_communicator"
	PremiumSupporter           State = "premium_supporter"
	OrgSupporter               State = "org_supporter"
	OrgSponsoredCommunicator   State = "org_sponsored_communicator"
	ModelingOnly               State = "modeling_only"
	GracePeriodSupporter       State = "grace_period_supporter"
	GracePeriodCommunicator    State = "grace_period_communicator"
)

// Policy holds the trial and grace windows. Zero values fall back to
// DefaultPolicy's.
type Policy struct {
	TrialWindow time.Duration
	GracePeriod time.Duration
}

// DefaultPolicy matches the configured defaults.
var DefaultPolicy = Policy{
	TrialWindow: 60 * 24 * time.Hour,
	GracePeriod: 14 * 24 * time.Hour,
}

// Classify maps the user's subscription data, role preference, and expiry
// against now. Precedence: explicit overrides and markers, then
// sponsorship, then expiry-based checks, then role-based trial defaults.
func Classify(u *model.User, now time.Time, pol Policy) State {
	if pol.TrialWindow == 0 {
		pol.TrialWindow = DefaultPolicy.TrialWindow
	}
	if pol.GracePeriod == 0 {
		pol.GracePeriod = DefaultPolicy.GracePeriod
	}
	supporter := u.RolePref == model.RoleSupporter

	// Explicit markers win over everything derived from timestamps.
	if u.ModelingOnly {
		return ModelingOnly
	}
	if u.EvalAccount {
		if supporter {
			return TrialingSupporter
		}
		return TrialingCommunicator
	}
	if u.FreePremium || u.NeverExpires {
		if supporter {
			return PremiumSupporter
		}
		return LongTermActiveCommunicator
	}

	// Organization sponsorship keeps the account active regardless of its
	// own subscription.
	if u.OrgSupporter && supporter {
		return OrgSupporter
	}
	if u.Sponsored && !supporter {
		return OrgSponsoredCommunicator
	}

	// Expiry-based checks.
	if u.ExpiresAt != nil {
		if u.ExpiresAt.After(now) {
			if supporter {
				return PremiumSupporter
			}
			return LongTermActiveCommunicator
		}
		if now.Sub(*u.ExpiresAt) <= pol.GracePeriod {
			if supporter {
				return GracePeriodSupporter
			}
			return GracePeriodCommunicator
		}
		// Expired beyond grace: a supporter with no sponsorship and no
		// active subscription drops to modeling-only; a communicator keeps
		// the grace classification rather than losing the account.
		if supporter {
			return ModelingOnly
		}
		return GracePeriodCommunicator
	}

	// No subscription at all: trial defaults inside the initial window.
	if now.Sub(u.CreatedAt) <= pol.TrialWindow {
		if supporter {
			return TrialingSupporter
		}
		return TrialingCommunicator
	}
	if supporter {
		return ModelingOnly
	}
	return GracePeriodCommunicator
}
