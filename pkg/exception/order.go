package exception

import "github.com/yanun0323/errors"

// Order gateway protocol errors. These never reach the matching engine.
var (
	ErrOrderMalformed       = errors.New("order: malformed frame")
	ErrOrderOutOfSequence   = errors.New("order: out of sequence")
	ErrOrderForeignClient   = errors.New("order: client bound to another session")
	ErrOrderUnsupportedType = errors.New("order: unsupported type")
	ErrOrderSessionClosed   = errors.New("order: session closed")
	ErrOrderSlowConsumer    = errors.New("order: slow consumer")
)
