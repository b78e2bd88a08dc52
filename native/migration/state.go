package migration

import "fmt"

// State is a step of the migration state machine.
type State string

const (
	StateCreated             State = "CREATED"
	StateDebtBuffered        State = "DEBT_BUFFERED"
	StateCollateralWithdrawn State = "COLLATERAL_WITHDRAWN"
	StateCollateralInTransit State = "COLLATERAL_IN_TRANSIT"
	StateCollateralSettled   State = "COLLATERAL_SETTLED"
	StateDebtBorrowed        State = "DEBT_BORROWED"
	StateDebtInTransit       State = "DEBT_IN_TRANSIT"
	StateCompleted           State = "COMPLETED"
	StateRefunding           State = "REFUNDING"
	StateRefunded            State = "REFUNDED"
	StateFailed              State = "FAILED"
)

var allStates = []State{
	StateCreated,
	StateDebtBuffered,
	StateCollateralWithdrawn,
	StateCollateralInTransit,
	StateCollateralSettled,
	StateDebtBorrowed,
	StateDebtInTransit,
	StateCompleted,
	StateRefunding,
	StateRefunded,
	StateFailed,
}

var allowedTransitions = map[State][]State{
	StateCreated:             {StateDebtBuffered, StateCollateralWithdrawn, StateRefunding, StateRefunded, StateFailed},
	StateDebtBuffered:        {StateCollateralWithdrawn, StateRefunding, StateRefunded, StateFailed},
	StateCollateralWithdrawn: {StateCollateralInTransit, StateRefunding, StateFailed},
	StateCollateralInTransit: {StateCollateralSettled, StateFailed},
	StateCollateralSettled:   {StateDebtBorrowed, StateCompleted, StateFailed},
	StateDebtBorrowed:        {StateDebtInTransit, StateFailed},
	StateDebtInTransit:       {StateCompleted, StateFailed},
	StateRefunding:           {StateRefunded, StateFailed},
}

// Administrative transitions are only reachable through the recovery hooks.
var adminTransitions = map[State][]State{
	StateFailed:    {StateRefunding},
	StateRefunding: {StateRefunded},
}

// ParseState converts a persisted string into a State.
func ParseState(raw string) (State, error) {
	for _, s := range allStates {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("migration: unknown state %q", raw)
}

// Terminal reports whether no further ordinary transitions are permitted.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRefunded, StateFailed:
		return true
	default:
		return false
	}
}

// Cancellable reports whether collateral is still on the source chain.
func (s State) Cancellable() bool {
	switch s {
	case StateCreated, StateDebtBuffered, StateCollateralWithdrawn:
		return true
	default:
		return false
	}
}

// ValidateTransition ensures the transition follows the state machine.
func ValidateTransition(current, next State) error {
	return validate(allowedTransitions, current, next)
}

// ValidateAdminTransition ensures the transition is a permitted recovery step.
func ValidateAdminTransition(current, next State) error {
	return validate(adminTransitions, current, next)
}

func validate(table map[State][]State, current, next State) error {
	allowed, ok := table[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

func outcomeFor(s State) Outcome {
	switch s {
	case StateCompleted:
		return OutcomeCompleted
	case StateRefunded:
		return OutcomeRefunded
	case StateFailed:
		return OutcomeFailed
	default:
		return OutcomeNone
	}
}
