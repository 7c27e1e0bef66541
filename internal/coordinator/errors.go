package coordinator

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing record. Expected lookups check it with
// errors.Is rather than treating it as an infrastructure failure.
var ErrNotFound = errors.New("not found")

// ErrValidation reports caller input rejected before any store access.
var ErrValidation = errors.New("validation failed")

// ChallengeError is returned by a Runner when execution is blocked by a
// challenge only a human can resolve.
type ChallengeError struct {
	URL       string
	Domain    string
	Challenge ChallengeType
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge %s on %s", e.Challenge, e.Domain)
}

// AsChallenge unwraps err into a ChallengeError if one is present.
func AsChallenge(err error) (*ChallengeError, bool) {
	var ce *ChallengeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
