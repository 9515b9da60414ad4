package iscsi

import (
	"github.com/pkg/errors"
)

// Local error taxonomy. Operations return these sentinels (wrapped with
// context via github.com/pkg/errors) for local faults, and *LoginError
// for target-reported login statuses; use errors.Is / errors.As to
// discriminate.
var (
	// ErrNotFound is returned when a SID or CID does not name a live
	// session or connection, or when a query has no match.
	ErrNotFound = errors.New("iscsi: not found")

	// ErrResourceExhausted is returned when the identifier space or a
	// configured session/connection limit is exhausted.
	ErrResourceExhausted = errors.New("iscsi: resource exhausted")

	// ErrAlreadyInProgress is returned when a login is already in
	// flight for the same (session, portal) pair.
	ErrAlreadyInProgress = errors.New("iscsi: operation already in progress")

	// ErrSessionExists is returned when a login would duplicate an
	// existing session to the same target, or an existing connection to
	// the same portal.
	ErrSessionExists = errors.New("iscsi: session already exists")

	// ErrConnectionRefused is returned when the transport cannot reach
	// the portal.
	ErrConnectionRefused = errors.New("iscsi: connection refused")

	// ErrTimeout is returned when a transport operation times out.
	ErrTimeout = errors.New("iscsi: timeout")

	// ErrAuthenticationRejected is returned when the peer's CHAP
	// response does not verify, or the target rejects ours.
	ErrAuthenticationRejected = errors.New("iscsi: authentication rejected")

	// ErrUnsupportedMethod is returned when the negotiation cannot
	// agree on a common authentication method.
	ErrUnsupportedMethod = errors.New("iscsi: no mutually supported auth method")

	// ErrTooManyRedirects is returned when a login chases more
	// redirects than the fixed bound allows.
	ErrTooManyRedirects = errors.New("iscsi: too many login redirects")

	// ErrQuiescing is returned for mutations attempted between
	// PrepareForSleep and RestoreForWake.
	ErrQuiescing = errors.New("iscsi: registry is quiescing for sleep")

	// ErrPreconditionViolated is returned for RestoreForWake without a
	// prior PrepareForSleep, and vice versa.
	ErrPreconditionViolated = errors.New("iscsi: sleep/wake precondition violated")

	// ErrProtocol is returned when the target sends a PDU the state
	// machine cannot accept in its current stage.
	ErrProtocol = errors.New("iscsi: protocol error")
)
