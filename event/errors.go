// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBody       = errors.New("empty message body")
	ErrBodyTooLarge    = errors.New("message body exceeds limit")
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrEncoding        = errors.New("unsupported content encoding")
)

// DecodeError is a permanent failure to turn a body into an Event.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("decode %s: %s: %v", e.Field, e.Reason, e.Err)
	case e.Field != "":
		return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	default:
		return "decode: " + e.Reason
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
