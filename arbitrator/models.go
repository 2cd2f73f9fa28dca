package arbitrator

import (
	"time"

	"fundshield/apperr"
)

// Tier is the seniority rank of an arbitrator. It is distinct from the 1..3
// escalation tier of a case; RequiredTier maps one onto the other.
type Tier string

const (
	TierJunior Tier = "JUNIOR"
	TierSenior Tier = "SENIOR"
	TierExpert Tier = "EXPERT"
	TierMaster Tier = "MASTER"
)

// Rank orders tiers from 1 (junior) to 4 (master). Unknown tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierJunior:
		return 1
	case TierSenior:
		return 2
	case TierExpert:
		return 3
	case TierMaster:
		return 4
	default:
		return 0
	}
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

// Below returns the next lower tier, or the tier itself for juniors.
func (t Tier) Below() Tier {
	switch t {
	case TierMaster:
		return TierExpert
	case TierExpert:
		return TierSenior
	default:
		return TierJunior
	}
}

// Multiplier is the vote-weight factor for the tier.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierMaster:
		return 2.0
	case TierExpert:
		return 1.5
	case TierSenior:
		return 1.2
	default:
		return 1.0
	}
}

// TiersAtLeast lists every tier whose rank is at or above min.
func TiersAtLeast(min Tier) []Tier {
	all := []Tier{TierJunior, TierSenior, TierExpert, TierMaster}
	out := make([]Tier, 0, len(all))
	for _, t := range all {
		if t.Rank() >= min.Rank() {
			out = append(out, t)
		}
	}
	return out
}

// RequiredTier is the minimum arbitrator tier allowed to sit on a case at the
// given escalation tier.
func RequiredTier(caseTier int) Tier {
	switch {
	case caseTier >= 3:
		return TierExpert
	case caseTier == 2:
		return TierSenior
	default:
		return TierJunior
	}
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", apperr.Validationf("arbitrator: unknown tier %q", s)
	}
	return t, nil
}

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusPending   Status = "PENDING"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended, StatusPending:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", apperr.Validationf("arbitrator: unknown status %q", s)
	}
	return st, nil
}

// Arbitrator mirrors the arbitrators table.
type Arbitrator struct {
	ID              string
	UserID          string
	Status          Status
	Tier            Tier
	Specializations []string
	Reputation      float64
	TotalCases      int
	// ResolvedCases counts outcomes where the arbitrator sided with the final ruling.
	ResolvedCases   int
	CurrentCaseload int
	MaxCaseload     int
	LastActiveAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SuccessRate is resolved/total, falling back to normalised reputation for
// arbitrators without history.
func (a Arbitrator) SuccessRate() float64 {
	if a.TotalCases > 0 {
		return float64(a.ResolvedCases) / float64(a.TotalCases)
	}
	return ClampReputation(a.Reputation) / MaxReputation
}

// HasCapacity reports whether the arbitrator can take one more case.
func (a Arbitrator) HasCapacity() bool {
	return a.Status == StatusActive && a.CurrentCaseload < a.MaxCaseload
}

func (a Arbitrator) Specializes(s string) bool {
	for _, sp := range a.Specializations {
		if sp == s {
			return true
		}
	}
	return false
}

// Outcome is the feedback signal produced when a case the arbitrator ruled on
// is finally resolved.
type Outcome int

const (
	OutcomeNegative Outcome = iota
	OutcomePositive
)

// Filters narrows List.
type Filters struct {
	Status   Status
	Tier     Tier
	Page     int
	PageSize int
}

// RegisterInput creates an arbitrator profile for an existing identity.
type RegisterInput struct {
	UserID          string
	Tier            Tier
	Specializations []string
	MaxCaseload     int
	Status          Status
}
