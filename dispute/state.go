package dispute

import "fmt"

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusOpen, StatusEscalated:
		switch to {
		case StatusArbitration, StatusVoting, StatusEscalated, StatusResolved, StatusExpired:
			return true
		}
	case StatusArbitration:
		switch to {
		case StatusUnderReview, StatusEscalated, StatusVoting, StatusResolved, StatusExpired:
			return true
		}
	case StatusUnderReview:
		switch to {
		case StatusResolved, StatusEscalated, StatusVoting, StatusExpired:
			return true
		}
	case StatusVoting:
		switch to {
		case StatusResolved, StatusUnderReview, StatusEscalated, StatusExpired:
			return true
		}
	case StatusResolved:
		switch to {
		case StatusAppealed, StatusClosed:
			return true
		}
	case StatusAppealed:
		switch to {
		case StatusEscalated, StatusResolved:
			return true
		}
	case StatusClosed, StatusExpired:
		return false
	}
	return false
}

func transition(c *Case, to Status) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	return nil
}
