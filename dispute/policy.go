package dispute

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundshield/apperr"
	"fundshield/config"
)

// Policy holds the business thresholds of the state machine.
type Policy struct {
	HighAmountThreshold decimal.Decimal
	BindingTypes        map[Type]bool
	AppealWindow        time.Duration
	MaxAppeals          int
	DefaultRuling       Ruling
}

func DefaultPolicy() Policy {
	return Policy{
		HighAmountThreshold: decimal.NewFromInt(50000),
		BindingTypes:        map[Type]bool{},
		AppealWindow:        7 * 24 * time.Hour,
		MaxAppeals:          2,
		DefaultRuling:       RulingFavorClaimant,
	}
}

// PolicyFromConfig validates and converts the configured thresholds.
func PolicyFromConfig(cfg config.PolicyConfig) (Policy, error) {
	p := DefaultPolicy()
	if cfg.HighAmountThreshold != "" {
		v, err := decimal.NewFromString(cfg.HighAmountThreshold)
		if err != nil {
			return Policy{}, fmt.Errorf("dispute: high amount threshold: %w", err)
		}
		p.HighAmountThreshold = v
	}
	for _, raw := range cfg.BindingTypes {
		t, err := ParseType(raw)
		if err != nil {
			return Policy{}, err
		}
		p.BindingTypes[t] = true
	}
	if cfg.AppealWindow > 0 {
		p.AppealWindow = cfg.AppealWindow
	}
	if cfg.MaxAppeals > 0 {
		p.MaxAppeals = cfg.MaxAppeals
	}
	if cfg.DefaultRuling != "" {
		r, err := ParseRuling(cfg.DefaultRuling)
		if err != nil {
			return Policy{}, err
		}
		if !r.Final() {
			return Policy{}, apperr.Validationf("dispute: default ruling must be final")
		}
		p.DefaultRuling = r
	}
	return p, nil
}

// PriorityFor derives the priority from the case type and amount.
func (p Policy) PriorityFor(t Type, amount decimal.Decimal) Priority {
	switch {
	case t == TypeFraudClaim:
		return PriorityUrgent
	case amount.GreaterThan(p.HighAmountThreshold):
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Windows returns the resolution deadline and auto-escalation offsets of a
// priority.
func Windows(pr Priority) (deadline, escalation time.Duration) {
	switch pr {
	case PriorityUrgent:
		return 24 * time.Hour, 12 * time.Hour
	case PriorityHigh:
		return 72 * time.Hour, 24 * time.Hour
	default:
		return 168 * time.Hour, 48 * time.Hour
	}
}

// AssignmentWindow is how long an arbitrator has to act on a tier's seat.
func AssignmentWindow(tier int) time.Duration {
	switch tier {
	case 1:
		return 24 * time.Hour
	case 2:
		return 12 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// Binding reports whether a single decision at tier resolves the case
// without further review. The top tier is always binding.
func (p Policy) Binding(t Type, tier int) bool {
	return tier >= MaxTier || p.BindingTypes[t]
}

// Compensation applies the ruling's default payout when the decision carries
// none. The recipient is the party the ruling favors.
func Compensation(c Case, r Ruling, explicit *decimal.Decimal) (decimal.Decimal, string) {
	switch r {
	case RulingFavorRespondent:
		if explicit != nil {
			return *explicit, c.RespondentID
		}
		return decimal.Zero, c.RespondentID
	case RulingSplit:
		if explicit != nil {
			return *explicit, c.InitiatorID
		}
		return c.Amount.Div(decimal.NewFromInt(2)).Round(2), c.InitiatorID
	default:
		if explicit != nil {
			return *explicit, c.InitiatorID
		}
		return c.Amount, c.InitiatorID
	}
}
