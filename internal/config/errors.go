package config

import "errors"

var (
	// ErrInvalid classifies configurations rejected by Validate.
	ErrInvalid = errors.New("invalid configuration")
	// ErrUnknownField classifies strict YAML parse failures caused by
	// unknown keys. Check with errors.Is instead of matching strings.
	ErrUnknownField = errors.New("unknown config field")
)
