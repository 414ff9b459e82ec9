// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across protocol/service/storage layers.
var (
	// ErrNotFound indicates the requested account, job or version does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication (bad credentials, expired token).
	ErrUnauthorized = errors.New("authentication failed")

	// ErrMalformedResponse indicates the remote answered with something we cannot parse.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrVerificationRequired indicates a two-factor code is needed; retrying without one is pointless.
	ErrVerificationRequired = errors.New("verification code required")

	// ErrLicenseRequired indicates the account has no entitlement for the package.
	ErrLicenseRequired = errors.New("license required")

	// ErrPaidApp indicates a license can only be acquired for free apps.
	ErrPaidApp = errors.New("license acquisition is limited to free apps")

	// ErrNetwork indicates a transport-level failure talking to the store.
	ErrNetwork = errors.New("network failure")

	// ErrTransfer indicates a package transfer failed.
	ErrTransfer = errors.New("transfer failed")

	// ErrFinalize indicates signature injection or artifact placement failed.
	ErrFinalize = errors.New("finalize failed")

	// ErrRateLimited indicates sign-in is temporarily blocked after repeated failures.
	ErrRateLimited = errors.New("too many failed sign-in attempts")

	// ErrInvalidState indicates a command is not valid for the job's current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict indicates a record changed after it was read for update.
	ErrConflict = errors.New("concurrent modification")
)

// Kind is a coarse error classification callers can branch on.
type Kind string

const (
	KindNone                 Kind = ""
	KindAuthentication       Kind = "authentication"
	KindVerificationRequired Kind = "verification_required"
	KindLicenseRequired      Kind = "license_required"
	KindNetwork              Kind = "network"
	KindTransfer             Kind = "transfer"
	KindFinalize             Kind = "finalize"
	KindNotFound             Kind = "not_found"
	KindInvalidState         Kind = "invalid_state"
	KindConflict             Kind = "conflict"
	KindOther                Kind = "other"
)

// KindOf classifies err. Wrapped errors are unwrapped with errors.Is.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrVerificationRequired):
		return KindVerificationRequired
	case errors.Is(err, ErrLicenseRequired):
		return KindLicenseRequired
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrRateLimited):
		return KindAuthentication
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrTransfer):
		return KindTransfer
	case errors.Is(err, ErrFinalize):
		return KindFinalize
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindOther
	}
}
