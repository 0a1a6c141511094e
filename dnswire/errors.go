package dnswire

import "errors"

var (
	// ErrMalformed is returned by Decode for any message that does not parse.
	ErrMalformed = errors.New("malformed dns message")

	// ErrInvalidName is returned for presentation form names that cannot be encoded.
	ErrInvalidName = errors.New("invalid domain name")
)
