package engine

import "errors"

// Engine outcomes the HTTP boundary translates to status codes. Callers are
// expected to branch on these with errors.Is rather than string matching.
var (
	// ErrUnregisteredTag means the uid has no active link. Recoverable by
	// registration; never logged as an event.
	ErrUnregisteredTag = errors.New("unregistered_tag")

	// ErrInvalidInput covers missing or malformed fields, rejected before
	// any state is touched.
	ErrInvalidInput = errors.New("invalid_input")

	// ErrTagAlreadyLinked is returned by registration when the uid is held
	// by a different user and replace was not requested.
	ErrTagAlreadyLinked = errors.New("tag_already_linked")

	// ErrNoActiveSession means a confirmation arrived with no open
	// check-in and no reservation to key the award on.
	ErrNoActiveSession = errors.New("no_active_session")

	// ErrStateConflict signals a concurrent write on the session row. The
	// engine retries the classification once, then surfaces it.
	ErrStateConflict = errors.New("state_conflict")

	// ErrStoreUnavailable wraps store failures that are not one of the
	// outcomes above. Nothing partial is visible when it is returned.
	ErrStoreUnavailable = errors.New("store_unavailable")
)
