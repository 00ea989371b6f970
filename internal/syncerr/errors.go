// Package syncerr defines the sentinel errors shared by the local database
// facade, the API client, and the sync engine. Callers use errors.Is against
// these values rather than matching on string content, following the
// sentinel-error style the rest of this codebase uses for backend failures.
package syncerr

import "errors"

var (
	// ErrNetworkUnreachable means the server could not be reached (dial
	// failure, timeout, failed reachability probe) or answered with a 5xx
	// status. The sync engine treats this as "stay offline, retry later."
	ErrNetworkUnreachable = errors.New("syncerr: network unreachable")

	// ErrAuthExpired means the server rejected the bearer token (401/403).
	// The push loop records it via Engine.HasSyncError and stops rather than
	// retrying, since a retry without a new token would fail identically. A
	// failed pull is retried by the pull supervisor whatever the error.
	ErrAuthExpired = errors.New("syncerr: auth token expired")

	// ErrServerConflict means the server answered a request with HTTP 409.
	// Per-event conflicts listed in a push response are not reported
	// through this error.
	ErrServerConflict = errors.New("syncerr: server rejected event due to conflict")

	// ErrMalformed means a response or stored record could not be decoded.
	ErrMalformed = errors.New("syncerr: malformed data")

	// ErrUndoExpired means an undo was requested after the 5-second window
	// for the aggregate's last event had elapsed, or for an aggregate with
	// no events. A delete outside the window appends DELETED instead.
	ErrUndoExpired = errors.New("syncerr: undo window has expired")

	// ErrNoCurrentWallet means an operation was attempted before a wallet
	// was selected via walletctx.Context.SetWallet.
	ErrNoCurrentWallet = errors.New("syncerr: no current wallet set")
)

// ErrStore wraps a lower-level storage error with the operation that
// produced it, mirroring the {Op, Err} wrapping pattern used by
// eventstore.ErrStore. The Local Database facade re-wraps eventstore and
// snapshot errors in this type so callers outside internal/eventstore only
// ever need to check against syncerr.
type ErrStore struct {
	Op  string
	Err error
}

func (e *ErrStore) Error() string {
	return "syncerr: " + e.Op + ": " + e.Err.Error()
}

func (e *ErrStore) Unwrap() error {
	return e.Err
}
