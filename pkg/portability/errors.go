package portability

import "errors"

// Sentinel errors returned by portabilities.
var (
	// ErrEncoding indicates a value could not be encoded, or bytes could not
	// be decoded into the requested type.
	//
	// The operation that triggered it has no effect.
	ErrEncoding = errors.New("portability: encoding failed")

	// ErrUnknownType indicates an encoding refers to a type name that has not
	// been registered in this process.
	//
	// Recovery: call [Register] for the type before decoding.
	ErrUnknownType = errors.New("portability: unknown type")

	// ErrCorrupt indicates a malformed type registry stream.
	ErrCorrupt = errors.New("portability: corrupt registry")

	// ErrInvalidOperation indicates a bootstrap that would reassign an id
	// already bound to a different type.
	ErrInvalidOperation = errors.New("portability: invalid operation")
)
