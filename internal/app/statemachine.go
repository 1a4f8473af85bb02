/**
 * @description
 * This file owns the payment transaction state machine. A transaction starts
 * PENDING and ends FINISHED or FAILED; the balance credit is tied to exactly
 * one edge (PENDING -> FINISHED), which is what makes duplicated or reordered
 * gateway callbacks safe to replay.
 *
 * The gateway's status vocabulary ("success"/"failed"/"waiting") is an
 * external, loosely specified contract. mapProviderStatus is the only place
 * that knows it, so a vocabulary change touches one function.
 */

package app

import (
	"errors"
	"strings"

	"github.com/numera/ledger-service/internal/domain"
)

var (
	// ErrUnmappedStatus means the gateway sent a status string outside the
	// known vocabulary. The transaction is left untouched.
	ErrUnmappedStatus = errors.New("unmapped provider status")

	// ErrIllegalTransition means the gateway asked for a transition out of a
	// terminal state (FAILED -> FINISHED or FINISHED -> FAILED). This is a
	// gateway data anomaly, not something to paper over.
	ErrIllegalTransition = errors.New("illegal transaction status transition")
)

// transition is the computed outcome of applying a provider status to a
// transaction. When Changed is false the delivery is a no-op replay and
// nothing may be persisted. CreditBalance is true only on the single
// PENDING -> FINISHED edge.
type transition struct {
	NewStatus     domain.TransactionStatus
	Changed       bool
	CreditBalance bool
}

// mapProviderStatus translates the gateway's status string into the internal
// transaction status vocabulary. Matching is case-insensitive.
func mapProviderStatus(providerStatus string) (domain.TransactionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "success":
		return domain.StatusFinished, nil
	case "failed":
		return domain.StatusFailed, nil
	case "waiting":
		return domain.StatusPending, nil
	default:
		return "", ErrUnmappedStatus
	}
}

// nextTransition computes the state-machine step for a transaction currently
// in `current` receiving a callback mapped to `incoming`.
//
//   - incoming PENDING is always a no-op: a redelivered "waiting" must not
//     disturb a transaction in any state.
//   - incoming FINISHED from PENDING transitions and credits; from FINISHED it
//     is a duplicate delivery and a no-op (the exactly-once guard); from
//     FAILED it is illegal, a terminal-failed transaction cannot later succeed.
//   - incoming FAILED from PENDING transitions without balance effect; from
//     FAILED it is a no-op; from FINISHED it is illegal, funds cannot be
//     un-credited through this path.
func nextTransition(current, incoming domain.TransactionStatus) (transition, error) {
	switch incoming {
	case domain.StatusPending:
		return transition{NewStatus: current}, nil

	case domain.StatusFinished:
		switch current {
		case domain.StatusFinished:
			return transition{NewStatus: current}, nil
		case domain.StatusPending:
			return transition{NewStatus: domain.StatusFinished, Changed: true, CreditBalance: true}, nil
		default:
			return transition{}, ErrIllegalTransition
		}

	case domain.StatusFailed:
		switch current {
		case domain.StatusFailed:
			return transition{NewStatus: current}, nil
		case domain.StatusPending:
			return transition{NewStatus: domain.StatusFailed, Changed: true}, nil
		default:
			return transition{}, ErrIllegalTransition
		}

	default:
		return transition{}, ErrUnmappedStatus
	}
}
