/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugproto

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage is matched by every error returned from the decoders in this package.
var ErrMalformedMessage = errors.New("malformed debug protocol message")

// DecodeError describes a line that could not be decoded.
type DecodeError struct {
	// Line is the raw protocol line.
	Line string

	// Field is the index of the field (0 = verb) at which decoding failed.
	Field int

	// Reason is a short description of the problem.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func newDecodeError(line string, field int, reason string) *DecodeError {
	return &DecodeError{Line: line, Field: field, Reason: reason}
}

func wrapDecodeError(line string, field int, reason string, err error) *DecodeError {
	return &DecodeError{Line: line, Field: field, Reason: reason, Err: err}
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at field %d: %s: %v", ErrMalformedMessage.Error(), e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s at field %d: %s", ErrMalformedMessage.Error(), e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedMessage}
	}
	return []error{ErrMalformedMessage, e.Err}
}
