package authority

import (
	"errors"
	"fmt"
)

// AuthenticationError is returned when the authority rejects credentials.
// The message is the server-provided one so UI layers can surface it inline.
type AuthenticationError struct {
	Message    string
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
}

// IsAuthenticationError reports whether err is a credential rejection.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
