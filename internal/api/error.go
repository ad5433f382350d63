// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/minio/lwdir/internal/headers"
)

// Fail responds to the client with err. If err is an
// Error, the response status code is set to err.Status.
// Otherwise, it is set to 500 Internal Server Error.
// Handlers should return after calling Fail.
func Fail(w http.ResponseWriter, err error) error {
	code := http.StatusInternalServerError
	response := ErrorResponse{
		Message: err.Error(),
	}
	if e, ok := IsError(err); ok {
		code, response.Message = e.Status(), e.Error()
	}
	if e, ok := err.(interface{ Result() int }); ok {
		response.Result = e.Result()
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(response); err != nil {
		return err
	}

	w.Header().Set(headers.ContentType, headers.ContentTypeJSON)
	w.Header().Set(headers.ContentLength, strconv.Itoa(buf.Len()))
	w.Header().Set(headers.XContentTypeOptions, "nosniff")
	w.WriteHeader(code)
	_, err = w.Write(buf.Bytes())
	return err
}

// Error is an API error.
//
// Status codes should be within 400 (inclusive) and 600 (exclusive).
// HTTP clients treat status codes between 400 and 499 as client
// errors and status codes between 500 and 599 as server errors.
//
// Refer to the net/http package for a list of HTTP status codes.
type Error interface {
	error

	// Status returns the Error's HTTP status code.
	Status() int
}

// NewError returns a new Error from the given status code
// and error message.
func NewError(code int, msg string) Error {
	return &codeError{
		code: code,
		msg:  msg,
	}
}

// IsError reports whether any error in err's tree is an
// Error. It returns the first error that implements Error,
// if any.
//
// The tree consists of err itself, followed by the errors
// obtained by repeatedly unwrapping the error. When err
// wraps multiple errors, IsError examines err followed by
// a depth-first traversal of its children.
func IsError(err error) (Error, bool) {
	if err == nil {
		return nil, false
	}

	for {
		switch e := err.(type) {
		case Error:
			return e, true
		case interface{ Unwrap() error }:
			if err = e.Unwrap(); err == nil {
				return nil, false
			}
		case interface{ Unwrap() []error }:
			for _, err := range e.Unwrap() {
				if err, ok := IsError(err); ok {
					return err, true
				}
			}
			return nil, false
		default:
			return nil, false
		}
	}
}

type codeError struct {
	code int
	msg  string
}

func (e *codeError) Error() string { return e.msg }

func (e *codeError) Status() int { return e.code }
