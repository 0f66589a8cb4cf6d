package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateChecking  State = "checking"
	StateMatched   State = "matched"
	// committed to the ledger but the user was not notified
	StateCredited  State = "credited"
	StateDone      State = "done"
	StateExhausted State = "exhausted"
	// stopped by the caller before a match
	StateCancelled State = "cancelled"
	// the order left pending through another path
	StateClosed State = "closed"
)

// Terminal reports whether polling stops in s.
func (s State) Terminal() bool {
	switch s {
	case StateCredited, StateDone, StateExhausted, StateCancelled, StateClosed:
		return true
	}
	return false
}

type Result struct {
	OrderID  int64
	State    State
	Attempts int
	// set when State is credited or done
	ChainTxID string
	Received  decimal.Decimal
	Credited  decimal.Decimal
	// last attempt error, if any
	Err      error
	Finished time.Time
}

func (r Result) CreditedOK() bool { return r.State == StateCredited || r.State == StateDone }

// Outcome is a short label for the result, safe to show outside the process.
func (r Result) Outcome() string { return outcomeLabel(r) }
