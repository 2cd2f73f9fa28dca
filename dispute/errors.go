package dispute

import "fundshield/apperr"

var (
	ErrNotFound           = apperr.New(apperr.NotFound, "dispute: case not found")
	ErrAssignmentNotFound = apperr.New(apperr.NotFound, "dispute: assignment not found")
	ErrAppealNotFound     = apperr.New(apperr.NotFound, "dispute: appeal not found")

	ErrInvalidTransition     = apperr.New(apperr.StateConflict, "dispute: invalid status transition")
	ErrAssignmentNotAccepted = apperr.New(apperr.StateConflict, "dispute: assignment not accepted")
	ErrAssignmentNotPending  = apperr.New(apperr.StateConflict, "dispute: assignment not awaiting response")
	ErrAppealWindowClosed    = apperr.New(apperr.StateConflict, "dispute: appeal window closed")
	ErrAppealLimitReached    = apperr.New(apperr.StateConflict, "dispute: appeal limit reached")
	ErrAppealNotPending      = apperr.New(apperr.StateConflict, "dispute: appeal already reviewed")
	ErrConcurrentUpdate      = apperr.New(apperr.StateConflict, "dispute: case modified concurrently")
	ErrSettlementSuperseded  = apperr.New(apperr.StateConflict, "dispute: settlement no longer matches the case resolution")
	ErrSettlementOnHold      = apperr.New(apperr.StateConflict, "dispute: settlement held while an appeal is pending")

	ErrTierLimitExceeded = apperr.New(apperr.Capacity, "dispute: maximum tier reached")

	ErrNotAssignee = apperr.New(apperr.Forbidden, "dispute: caller does not hold the assignment")
	ErrNotParty    = apperr.New(apperr.Forbidden, "dispute: caller is not a party to the case")
)
