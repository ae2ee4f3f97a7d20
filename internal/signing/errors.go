package signing

import "errors"

var (
	ErrEmptySecret      = errors.New("signing secret is empty")
	ErrNonFiniteFloat   = errors.New("NaN and Inf are not representable")
	ErrNonStringMapKey  = errors.New("map keys must be strings")
	ErrUnsupportedType  = errors.New("unsupported type for canonicalization")
	ErrInvalidNumber    = errors.New("invalid JSON number")
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
)
