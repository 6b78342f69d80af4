package schema

import "errors"

var (
	// ErrUnauthorized indicates a missing session credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the caller is not entitled to the resource or action.
	ErrForbidden = errors.New("permission denied")
	// ErrNotFound indicates the entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation such as a taken username.
	ErrConflict = errors.New("already exists")
	// ErrWeakCredential indicates a password that is too short.
	ErrWeakCredential = errors.New("weak password")
	// ErrInvalidCredential indicates a password mismatch.
	ErrInvalidCredential = errors.New("wrong password")
	// ErrBlocked indicates the account is blocked.
	ErrBlocked = errors.New("account blocked")
	// ErrInvalidInput indicates a malformed request value.
	ErrInvalidInput = errors.New("invalid input")
	// ErrQuotaExceeded indicates a container or image limit was reached.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrBuildSpecMissing indicates the cloned repository has no Dockerfile at its root.
	ErrBuildSpecMissing = errors.New("no Dockerfile found in root")
	// ErrUpstream indicates the container runtime rejected or failed a call.
	ErrUpstream = errors.New("runtime failure")
)
