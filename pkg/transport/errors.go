package transport

import (
	"errors"
	"fmt"
)

// Code is the numeric result of a transport operation.
type Code uint32

const (
	CodeSuccess Code = 0

	CodeCantClose Code = 1
	CodeNoUpdate  Code = 2

	CodeSockAssign      Code = 1024
	CodeSockBind        Code = 1025
	CodeSockNonblocking Code = 1026

	CodeRecvFailed     Code = 1027
	CodePartialMessage Code = 1028
	CodeSendFailed     Code = 1029

	CodeUninitialized      Code = 1030
	CodeAlreadyInitialized Code = 1031
	CodePayloadTooLarge    Code = 1032
	CodeInvalidAddress     Code = 1033

	CodeUnknown Code = 0xFFFFFFFF
)

// Error is a transport failure carrying its result code.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrCantClose          = &Error{CodeCantClose, "cannot close socket"}
	ErrNoUpdate           = &Error{CodeNoUpdate, "no update"}
	ErrSockAssign         = &Error{CodeSockAssign, "socket assign failure"}
	ErrSockBind           = &Error{CodeSockBind, "socket bind failure"}
	ErrSockNonblocking    = &Error{CodeSockNonblocking, "socket non-blocking setup failure"}
	ErrRecvFailed         = &Error{CodeRecvFailed, "socket receive failure"}
	ErrPartialMessage     = &Error{CodePartialMessage, "partial message sent"}
	ErrSendFailed         = &Error{CodeSendFailed, "socket send failure"}
	ErrUninitialized      = &Error{CodeUninitialized, "transport used before initialization"}
	ErrAlreadyInitialized = &Error{CodeAlreadyInitialized, "transport already initialized"}
	ErrPayloadTooLarge    = &Error{CodePayloadTooLarge, "payload needs more fragments than frag_index can address"}
	ErrInvalidAddress     = &Error{CodeInvalidAddress, "destination is not an IPv4 address"}

	// ErrWouldBlock is returned by Socket.Recv when no datagram is pending.
	// It ends a receive cycle and is never surfaced to callers of Recv.
	ErrWouldBlock = errors.New("socket would block")
)

// CodeOf returns the result code carried by err, CodeSuccess for nil.
// Errors that carry no code map to CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}

// wrap annotates a sentinel with its cause while keeping errors.Is working.
func wrap(sentinel *Error, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %v", sentinel, cause)
}
