package auth

import (
	"errors"
	"fmt"

	"mkr.su/console/internal/apiclient"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrAccountExists      = errors.New("auth: an account with this email already exists")
	ErrNetwork            = errors.New("auth: server is unreachable")
	ErrInvalidResponse    = errors.New("auth: server returned an invalid response")
	// ErrSessionNotPersisted means the server accepted the credentials but the bearer token
	// could not be written to the credential store.
	ErrSessionNotPersisted = errors.New("auth: could not persist the session")
)

// mapFailure translates a transport failure into the session error taxonomy. rejected is the
// kind used for every status-level failure of the endpoint at hand.
func mapFailure(err error, rejected error) error {
	switch apiclient.KindOf(err) {
	case apiclient.KindNone:
		return nil
	case apiclient.KindNetwork:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	case apiclient.KindInvalidResponse:
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	case apiclient.KindRequest:
		return err
	default:
		return fmt.Errorf("%w: %w", rejected, err)
	}
}
