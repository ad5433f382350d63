// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ConnError is a network connection error. It is returned
// by a Client when a request cannot be sent to any server
// endpoint.
type ConnError struct {
	Host string // The host that couldn't be reached
	Err  error  // The underlying error, if any.
}

// IsConnError reports whether err is or wraps a ConnError.
// In this case, it returns the ConnError.
func IsConnError(err error) (*ConnError, bool) {
	var cErr *ConnError
	if errors.As(err, &cErr) {
		return cErr, true
	}
	return nil, false
}

func (c *ConnError) Error() string {
	if c.Err == nil {
		return "lwdir: connection error: failed to connect to '" + c.Host + "'"
	}
	return "lwdir: connection error: failed to connect to '" + c.Host + "': " + c.Err.Error()
}

// Unwrap returns the underlying error.
func (c *ConnError) Unwrap() error { return c.Err }

// Timeout reports whether the error is caused
// by a timeout.
func (c *ConnError) Timeout() bool {
	var err net.Error
	return errors.As(c.Err, &err) && err.Timeout()
}

// retryBody takes an io.ReadSeeker and converts it
// into an io.ReadCloser that can be used as request
// body for retryable requests.
//
// The body must implement io.Seeker to ensure that
// the entire body is sent again when retrying a request.
//
// If body is nil, retryBody returns nil.
func retryBody(body io.ReadSeeker) io.ReadCloser {
	if body == nil {
		return nil
	}

	var closer io.Closer
	if c, ok := body.(io.Closer); ok {
		closer = c
	} else {
		closer = io.NopCloser(body)
	}

	type ReadSeekCloser struct {
		io.ReadSeeker
		io.Closer
	}
	return ReadSeekCloser{
		ReadSeeker: body,
		Closer:     closer,
	}
}

// loadBalancer sends HTTP requests to a set of endpoints.
// For each request it picks an endpoint at random and
// retries requests that fail due to a network error or
// HTTP 5xx response.
//
// The loadBalancer marks endpoints as offline when they
// fail to respond. Since an endpoint might have temp.
// issues, offline endpoints will be marked online after
// a while again.
type loadBalancer struct {
	lock      sync.Mutex
	endpoints map[string]time.Time
}

// Send creates a new HTTP request with the given method, context
// request body and headers, if any. It randomly iterates over the
// given endpoints until it receives a HTTP response.
//
// If sending a request to one endpoint fails due to e.g. a network
// or DNS error, Send tries the next endpoint. It aborts once the
// context is canceled or its deadline exceeded.
//
// Any endpoint that fails to respond gets marked offline for some
// time period. Offline endpoints will be marked online periodically.
func (lb *loadBalancer) Send(ctx context.Context, client *retry, method string, endpoints []string, path string, body io.ReadSeeker, header http.Header) (*http.Response, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("lwdir: no server endpoint")
	}
	if len(endpoints) == 1 {
		request, err := newRequest(ctx, method, endpoint(endpoints[0], path), body, header)
		if err != nil {
			return nil, err
		}
		response, err := client.Do(request)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if connErr, ok := IsConnError(err); ok {
			return nil, connErr
		}
		return response, err
	}

	var (
		request  *http.Request
		response *http.Response
		err      error
		R        = rand.Intn(len(endpoints)) // randomize endpoints => avoid hitting the same endpoint all the time.
	)

	lb.lock.Lock()
	if lb.endpoints == nil {
		lb.endpoints = map[string]time.Time{}
	}
	lb.lock.Unlock()

retry:
	for i := range endpoints {
		nextEndpoint := endpoints[(i+R)%len(endpoints)]

		lb.lock.Lock()
		t, ok := lb.endpoints[nextEndpoint]
		switch {
		case ok && !t.IsZero() && time.Since(t) < 5*time.Minute:
			lb.lock.Unlock()
			continue
		case ok && !t.IsZero():
			// Reset time, so we do try this on other threads.
			// A success will reset the time and re-enable the endpoint.
			lb.endpoints[nextEndpoint] = time.Now()
		case !ok:
			lb.endpoints[nextEndpoint] = time.Time{}
		}
		lb.lock.Unlock()

		if body != nil {
			if _, err = body.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
		}
		request, err = newRequest(ctx, method, endpoint(nextEndpoint, path), body, header)
		if err != nil {
			return nil, err
		}

		response, err = client.Do(request)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if err != nil || (response.StatusCode >= http.StatusInternalServerError && response.StatusCode != http.StatusNotImplemented) {
			lb.lock.Lock()
			lb.endpoints[nextEndpoint] = time.Now()
			lb.lock.Unlock()
			if err == nil && i < len(endpoints)-1 {
				response.Body.Close()
			}
			continue
		}

		if !t.IsZero() { // When the request succeeded we mark the endpoint as online again
			lb.lock.Lock()
			lb.endpoints[nextEndpoint] = time.Time{}
			lb.lock.Unlock()
		}
		return response, nil
	}
	if response == nil && err == nil {
		lb.lock.Lock()
		for _, endpoint := range endpoints {
			lb.endpoints[endpoint] = time.Time{}
		}
		lb.lock.Unlock()
		goto retry
	}
	if connErr, ok := IsConnError(err); ok {
		return nil, connErr
	}
	return response, err
}

// retry is an http.Client that implements
// a retry mechanism for requests that fail
// due to a temporary network error or because
// the cluster is electing a new leader.
//
// It provides a similar interface as the http.Client
// but requires that the request body implements io.Seeker.
// Otherwise, it cannot guarantee that the entire request
// body gets sent when retrying a request.
type retry http.Client

// Do sends an HTTP request and returns an HTTP response using
// the underlying http.Client. If the request fails b/c of a
// temporary error Do retries the request a few times. If the
// request keeps failing, Do will give up and return a descriptive
// error.
func (r *retry) Do(req *http.Request) (*http.Response, error) {
	type RetryReader interface {
		io.Reader
		io.Seeker
		io.Closer
	}

	// A request can only be retried if we can seek to the
	// start of the request body. Otherwise, we may send a
	// partial request body when we retry the request.
	var body RetryReader
	if req.Body != nil {
		var ok bool
		if body, ok = req.Body.(RetryReader); !ok {
			return nil, errors.New("lwdir: request cannot be retried")
		}

		// The HTTP stack uses GetBody to obtain a new copy
		// of the request body when following redirects to
		// the cluster leader.
		req.GetBody = func() (io.ReadCloser, error) {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			return io.NopCloser(body), nil
		}
	}

	const (
		MinRetryDelay     = 200 * time.Millisecond
		MaxRandRetryDelay = 800
	)
	var (
		retry  = 3 // Enough to ride out a leader election
		client = (*http.Client)(r)
	)
	resp, err := client.Do(req)
	for retry > 0 && (isNetworkError(err) || (resp != nil && resp.StatusCode == http.StatusServiceUnavailable)) {
		if resp != nil {
			resp.Body.Close()
		}
		randomRetryDelay := time.Duration(rand.Intn(MaxRandRetryDelay)) * time.Millisecond
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(MinRetryDelay + randomRetryDelay):
		}
		retry--

		// If there is a body we have to reset it. Otherwise, we may send
		// only partial data to the server when we retry the request.
		if body != nil {
			if _, err = body.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err = client.Do(req) // Now, retry.
	}
	if isNetworkError(err) {
		// If the request still fails with a temporary error
		// we wrap the error to provide more information to the
		// caller.
		return nil, &url.Error{
			Op:  req.Method,
			URL: req.URL.String(),
			Err: &ConnError{
				Host: req.URL.Host,
				Err:  err,
			},
		}
	}
	return resp, err
}

func newRequest(ctx context.Context, method, url string, body io.ReadSeeker, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, retryBody(body))
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return req, nil
}

// isNetworkError reports whether err is network error.
//
// A network error may occur due to a timeout or other
// network-related issues, like premature closing a
// network connection.
//
// A network error may also indicate that the remote
// peer is not reachable or not responding.
func isNetworkError(err error) bool {
	if err == nil { // fast path
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}

		// If a connection drops (e.g. server dies) while sending the request
		// http.Do returns either io.EOF or io.ErrUnexpected. We treat that as
		// temp. since the server may get restarted such that the retry may succeed.
		if errors.Is(netErr, io.EOF) || errors.Is(netErr, io.ErrUnexpectedEOF) {
			return true
		}

		// The http.Client.Do method always returns an *url.Error.
		// In this case, we check whether its inner error is a
		// net.Error.
		if urlErr, ok := netErr.(*url.Error); ok {
			if errors.As(urlErr.Err, &netErr) {
				return true
			}
		}
	}

	// A best-effort attempt to detect some low-level network timeouts
	switch msg := err.Error(); {
	case strings.Contains(msg, "i/o timeout"): // TCP timeout
		return true
	case strings.Contains(msg, "connection refused"): // Server restarting
		return true
	}
	return false
}
