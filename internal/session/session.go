// Package session owns the attendance session state machine. The controller
// sequences credential decode, the consent checkpoint, biometric
// verification and submission, enforces the retry budget, and is the only
// component allowed to invoke the submission gateway.
package session

import (
	"errors"

	"github.com/google/uuid"

	"presenca/internal/credential"
	"presenca/internal/geo"
)

// MaxAttempts is the biometric retry budget per verification run.
const MaxAttempts = 30

// State is the session controller state.
type State int

const (
	StateIdle State = iota
	StateCredentialPending
	StatePreConfirm
	StateInitializing
	StateVerifying
	StateMatched
	StateSubmitting
	StateCompleted
	StateVerificationFailed
	StateSubmissionFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCredentialPending:
		return "credential_pending"
	case StatePreConfirm:
		return "pre_confirm"
	case StateInitializing:
		return "initializing"
	case StateVerifying:
		return "verifying"
	case StateMatched:
		return "matched"
	case StateSubmitting:
		return "submitting"
	case StateCompleted:
		return "completed"
	case StateVerificationFailed:
		return "verification_failed"
	case StateSubmissionFailed:
		return "submission_failed"
	}
	return "unknown"
}

// Terminal reports whether the session has ended. Completed is the only
// successful terminal state; VerificationFailed requires an explicit
// user-initiated retry or cancel.
func (s State) Terminal() bool {
	return s == StateCompleted
}

// ErrInvalidState is returned when an operation is not legal in the
// controller's current state.
var ErrInvalidState = errors.New("operation not valid in current session state")

// Session is the aggregate root for one end-to-end attendance attempt.
// It is created when a credential is decoded and discarded when the user
// cancels, the session terminates, or a new one starts. Nothing in it is
// shared across sessions; a second session never inherits the matched flag
// or attempt count of a prior one.
type Session struct {
	ID           string
	Credential   *credential.ClassCredential
	Location     *geo.Coordinates
	AttemptsUsed int
	Matched      bool
	EvidenceURL  string
}

func newSession(cred *credential.ClassCredential) *Session {
	return &Session{ID: uuid.NewString(), Credential: cred}
}

// Snapshot is a copy of the controller state handed to the UI.
type Snapshot struct {
	State        State
	Credential   *credential.ClassCredential
	Location     *geo.Coordinates
	AttemptsUsed int
	Matched      bool
	LastErr      error
}
