// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"fmt"

	"github.com/edgewire/uastack/ua"
)

// ErrorKind classifies a transport error by the layer that produced it.
type ErrorKind int

// ErrorKinds
const (
	KindFraming ErrorKind = iota
	KindChannel
	KindTransport
	KindSecurity
	KindApplication
)

func (k ErrorKind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindChannel:
		return "channel"
	case KindTransport:
		return "transport"
	case KindSecurity:
		return "security"
	default:
		return "application"
	}
}

// Error carries the kind, status code and reason of a transport-level
// failure. Framing and channel errors are fatal to the connection;
// application errors fail a single request.
type Error struct {
	Kind   ErrorKind
	Code   ua.StatusCode
	Reason string
}

// NewError returns an Error of the given kind.
func NewError(kind ErrorKind, code ua.StatusCode, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code.Error())
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code.Error(), e.Reason)
}

// Unwrap exposes the status code to errors.Is.
func (e *Error) Unwrap() error {
	return e.Code
}

// IsFatal reports whether the error must close the connection. Only
// application-level failures stay scoped to a single request.
func (e *Error) IsFatal() bool {
	return e.Kind != KindApplication
}

// MessageAborted is the failure delivered to a single pending request
// when the peer sends an abort chunk for its request id.
type MessageAborted struct {
	Code   ua.StatusCode
	Reason string
}

// Error implements the error interface.
func (e *MessageAborted) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("message aborted: %s", e.Code.Error())
	}
	return fmt.Sprintf("message aborted: %s: %s", e.Code.Error(), e.Reason)
}

// Unwrap exposes the status code to errors.Is.
func (e *MessageAborted) Unwrap() error {
	return e.Code
}

// StatusOf maps any error to a status code: transport errors, aborted
// messages and status codes pass through, anything else becomes
// BadUnexpectedError.
func StatusOf(err error) ua.StatusCode {
	switch e := err.(type) {
	case nil:
		return ua.Good
	case ua.StatusCode:
		return e
	case *Error:
		return e.Code
	case *MessageAborted:
		return e.Code
	default:
		return ua.BadUnexpectedError
	}
}
