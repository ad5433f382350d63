// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"aead.dev/mem"
	"github.com/minio/lwdir/internal/entry"
	"github.com/minio/lwdir/internal/headers"
	"github.com/minio/lwdir/internal/raft"
	"github.com/minio/lwdir/internal/schema"
	"github.com/minio/lwdir/internal/store"
	"github.com/minio/lwdir/internal/watch"
)

// Directory result codes.
const (
	ResultSuccess              = 0
	ResultOperationsError      = 1
	ResultProtocolError        = 2
	ResultTimeLimitExceeded    = 3
	ResultReferral             = 10
	ResultConstraintViolation  = 19
	ResultNoSuchObject         = 32
	ResultInvalidDNSyntax      = 34
	ResultBusy                 = 51
	ResultUnavailable          = 52
	ResultUnwillingToPerform   = 53
	ResultObjectClassViolation = 65
	ResultEntryAlreadyExists   = 68
	ResultOther                = 80
)

// Server API errors
var (
	// ErrInvalidParameter is returned when a request contains
	// a malformed DN, entry or argument.
	ErrInvalidParameter = NewError(http.StatusBadRequest, ResultProtocolError, "invalid parameter")

	// ErrInvalidDN is returned when a DN cannot be parsed.
	ErrInvalidDN = NewError(http.StatusBadRequest, ResultInvalidDNSyntax, "invalid DN syntax")

	// ErrNoSuchObject is returned when an entry does not exist.
	ErrNoSuchObject = NewError(http.StatusNotFound, ResultNoSuchObject, "no such object")

	// ErrAlreadyExists is returned when adding an entry whose
	// DN is already in use.
	ErrAlreadyExists = NewError(http.StatusConflict, ResultEntryAlreadyExists, "entry already exists")

	// ErrSchemaViolation is returned when an entry or a schema
	// change violates the directory schema.
	ErrSchemaViolation = NewError(http.StatusBadRequest, ResultObjectClassViolation, "schema violation")

	// ErrConstraintViolation is returned when a modification
	// adds an existing or removes a missing value.
	ErrConstraintViolation = NewError(http.StatusBadRequest, ResultConstraintViolation, "constraint violation")

	// ErrBackend is returned when the storage engine fails.
	ErrBackend = NewError(http.StatusInternalServerError, ResultOperationsError, "backend failure")

	// ErrUnwillingToPerform is returned when the server refuses
	// a request that is valid but not allowed in its state.
	ErrUnwillingToPerform = NewError(http.StatusUnprocessableEntity, ResultUnwillingToPerform, "unwilling to perform")

	// ErrNotLeader is returned by a server that is not the
	// cluster leader and does not know the current leader.
	ErrNotLeader = NewError(http.StatusServiceUnavailable, ResultReferral, "server is not the cluster leader")

	// ErrBusy is returned by a new leader that has not
	// committed an entry of its term yet.
	ErrBusy = NewError(http.StatusServiceUnavailable, ResultBusy, "server is busy")

	// ErrUnavailable is returned when a write request did not
	// complete since the leader lost its leadership or shut down.
	ErrUnavailable = NewError(http.StatusServiceUnavailable, ResultUnavailable, "server is unavailable")

	// ErrTimeout is returned when a request did not complete
	// in time.
	ErrTimeout = NewError(http.StatusGatewayTimeout, ResultTimeLimitExceeded, "time limit exceeded")

	// ErrNoSuchSession is returned when a watch session
	// does not exist.
	ErrNoSuchSession = NewError(http.StatusNotFound, ResultNoSuchObject, "no such watch session")

	// ErrSessionClosed is returned when a watch session has
	// been canceled or expired.
	ErrSessionClosed = NewError(http.StatusGone, ResultUnwillingToPerform, "watch session closed")

	// ErrCompacted is returned when a watch requests events
	// that have been discarded.
	ErrCompacted = NewError(http.StatusGone, ResultUnwillingToPerform, "revision has been compacted")
)

// Error is a server API error.
type Error struct {
	code    int
	result  int
	message string
}

// NewError returns a new Error with the given HTTP
// status code, directory result code and message.
func NewError(code, result int, msg string) Error {
	return Error{
		code:    code,
		result:  result,
		message: msg,
	}
}

// Status returns the HTTP status code of the error.
func (e Error) Status() int { return e.code }

// Result returns the directory result code of the error.
func (e Error) Result() int { return e.result }

func (e Error) Error() string { return e.message }

// withDetail returns a copy of e whose message is extended
// by the given detail.
func (e Error) withDetail(detail string) Error {
	if detail == "" {
		return e
	}
	return NewError(e.code, e.result, e.message+": "+detail)
}

// Is reports whether target is an Error with the same
// status and result code and a message that e extends.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	if !ok {
		return false
	}
	return e.code == t.code && e.result == t.result && strings.HasPrefix(e.message, t.message)
}

// apiError maps err to an Error that can be sent to
// clients. Errors that are not known to the API are
// reported as backend failures.
func apiError(err error) Error {
	var e Error
	if errors.As(err, &e) {
		return e
	}
	var backendErr *store.BackendError
	switch {
	case errors.As(err, &backendErr):
		return ErrBackend.withDetail(backendErr.Op)
	case errors.Is(err, entry.ErrInvalidDN), errors.Is(err, watch.ErrInvalidBase):
		return ErrInvalidDN
	case errors.Is(err, store.ErrInvalidParameter):
		return ErrInvalidParameter.withDetail(detail(err, store.ErrInvalidParameter))
	case errors.Is(err, store.ErrNotFound):
		return ErrNoSuchObject
	case errors.Is(err, store.ErrExists):
		return ErrAlreadyExists
	case errors.Is(err, schema.ErrConstraintViolation), errors.Is(err, schema.ErrInvalidDefinition):
		return ErrSchemaViolation.withDetail(detail(err, schema.ErrConstraintViolation))
	case errors.Is(err, entry.ErrValueExists), errors.Is(err, entry.ErrNoSuchAttribute):
		return ErrConstraintViolation.withDetail(err.Error())
	case errors.Is(err, raft.ErrNotLeader):
		return ErrNotLeader
	case errors.Is(err, raft.ErrNotReady):
		return ErrBusy
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrClosed), errors.Is(err, watch.ErrClosed):
		return ErrUnavailable
	case errors.Is(err, raft.ErrUnknownPeer):
		return ErrNoSuchObject.withDetail("unknown cluster member")
	case errors.Is(err, raft.ErrPeerBehind):
		return ErrUnwillingToPerform.withDetail("cluster member is not up to date")
	case errors.Is(err, watch.ErrNotFound):
		return ErrNoSuchSession
	case errors.Is(err, watch.ErrSessionClosed):
		return ErrSessionClosed
	case errors.Is(err, watch.ErrCompacted):
		return ErrCompacted
	case errors.Is(err, watch.ErrFutureRevision):
		return ErrInvalidParameter.withDetail("start revision has not been published yet")
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrBackend.withDetail(err.Error())
	}
}

// detail returns the message of err without the
// prefix of the sentinel error it wraps.
func detail(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	return strings.TrimPrefix(msg, ": ")
}

// parseErrorResponse returns an error containing
// the response status code, result code and message
// if the response is an error response - i.e. status
// code >= 400.
//
// If resp is an error response, parseErrorResponse
// reads and closes the response body.
func parseErrorResponse(resp *http.Response) error {
	if resp == nil || resp.StatusCode < 400 {
		return nil
	}
	if resp.Body == nil {
		return NewError(resp.StatusCode, ResultOther, "")
	}
	defer resp.Body.Close()

	const MaxBodySize = 5 * mem.KB
	size := mem.Size(resp.ContentLength)
	if size < 0 || size > MaxBodySize {
		size = MaxBodySize
	}
	body := mem.LimitReader(resp.Body, size)

	if strings.HasPrefix(strings.TrimSpace(resp.Header.Get(headers.ContentType)), headers.ContentTypeJSON) {
		type Response struct {
			Message string `json:"message"`
			Result  int    `json:"result"`
		}
		var response Response
		if err := json.NewDecoder(body).Decode(&response); err != nil {
			return err
		}
		return NewError(resp.StatusCode, response.Result, response.Message)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, body); err != nil {
		return err
	}
	return NewError(resp.StatusCode, ResultOther, sb.String())
}
