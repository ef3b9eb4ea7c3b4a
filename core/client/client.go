// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client talks to REST services, either over HTTP or directly through a mux router

The HTTP flavour is used for the upstream services (Expeye, the shipping service and the
auth service). It adds the bearer token, counts requests per service and retries
idempotent requests on transient failures with exponential backoff. POST requests are
never retried, since the upstream services create resources on POST.

The router flavour skips HTTP altogether and serves the request through the mux router
of this service. It is the tool of choice for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/metrics"
)

// DefaultTimeout is the timeout of a single HTTP request
const DefaultTimeout = 20 * time.Second

// DefaultRetryMaxElapsed bounds the time spent retrying a request
const DefaultRetryMaxElapsed = 10 * time.Second

// Client provides easy access to a REST API
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	service    string
	token      string
	ctx        context.Context
	maxElapsed time.Duration

	defaultHeaders map[string]string
}

// NewWithRouter creates a client which serves requests through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		service:        "self",
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the service at url. The
// service name labels the request metrics.
func NewWithURL(service, url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		service:        service,
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		maxElapsed:     DefaultRetryMaxElapsed,
		defaultHeaders: map[string]string{},
	}
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// WithRetry returns a new client which retries idempotent requests for at most
// maxElapsed. Zero disables retries.
func (c Client) WithRetry(maxElapsed time.Duration) Client {
	c.maxElapsed = maxElapsed
	return c
}

// URL returns the base url of the client
func (c Client) URL() string {
	return c.url
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Response is a response of the REST API
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into result
func (r *Response) Decode(result interface{}) error {
	if len(r.Body) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = r.Body
		return nil
	}
	return json.Unmarshal(r.Body, result)
}

// Detail returns the "detail" property of a JSON error body, or the body itself
func (r *Response) Detail() string {
	var body struct {
		Detail interface{} `json:"detail"`
	}
	if err := json.Unmarshal(r.Body, &body); err == nil && body.Detail != nil {
		return fmt.Sprint(body.Detail)
	}
	return strings.TrimSpace(string(r.Body))
}

// StatusError is returned when a service answers with an unexpected status code
type StatusError struct {
	Method   string
	Path     string
	Status   int
	Expected []int
	Detail   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned wrong status code: got %v want %v. Error: %s",
		e.Method, e.Path, e.Status, e.Expected, e.Detail)
}

// Do sends a request and returns the response whatever its status. The error is only
// set if no response could be obtained.
func (c Client) Do(method, path string, body interface{}) (*Response, error) {
	var payload []byte
	if body != nil {
		var ok bool
		if payload, ok = body.([]byte); !ok {
			var err error
			if payload, err = json.Marshal(body); err != nil {
				return nil, fmt.Errorf("%s %s: %w", method, path, err)
			}
		}
	}

	if c.router != nil {
		return c.serve(method, path, payload), nil
	}

	var res *Response
	attempt := func() error {
		var err error
		res, err = c.send(method, path, payload)
		if err != nil {
			return err
		}
		switch res.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%s %s: transient status %d", method, path, res.Status)
		}
		return nil
	}

	if method == http.MethodPost || c.maxElapsed <= 0 {
		err := attempt()
		if res != nil {
			return res, nil
		}
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	err := backoff.RetryNotify(attempt, backoff.WithContext(bo, c.Context()), func(err error, next time.Duration) {
		metrics.UpstreamRetries.WithLabelValues(c.service).Inc()
		logger.FromContext(c.Context()).WithError(err).Warnf("retrying %s request in %s", c.service, next)
	})
	if res != nil {
		// transient statuses which outlived the backoff are handed to the caller
		return res, nil
	}
	return nil, err
}

func (c Client) send(method, path string, payload []byte) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	c.prepare(r, payload != nil)

	res, err := c.httpClient.Do(r)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(c.service, method, "error").Inc()
		if errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	metrics.UpstreamRequests.WithLabelValues(c.service, method, strconv.Itoa(res.StatusCode)).Inc()
	return &Response{Status: res.StatusCode, Header: res.Header, Body: body}, nil
}

func (c Client) serve(method, path string, payload []byte) *Response {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	r := httptest.NewRequest(method, path, reader).WithContext(c.Context())
	c.prepare(r, payload != nil)
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)
	res := rec.Result()
	return &Response{Status: res.StatusCode, Header: res.Header, Body: rec.Body.Bytes()}
}

func (c Client) prepare(r *http.Request, hasBody bool) {
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	if hasBody {
		r.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id := logger.RequestIDFromContext(c.Context()); id != "" {
		r.Header.Set(logger.RequestIDHeader, id)
	}
}

func (c Client) expect(method, path string, body, result interface{}, expected ...int) (int, error) {
	res, err := c.Do(method, path, body)
	if err != nil {
		return http.StatusBadGateway, err
	}
	for _, status := range expected {
		if res.Status == status {
			return res.Status, res.Decode(result)
		}
	}
	return res.Status, &StatusError{
		Method:   method,
		Path:     path,
		Status:   res.Status,
		Expected: expected,
		Detail:   res.Detail(),
	}
}

// RawGet GETs path and decodes the 200 response into result
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.expect(http.MethodGet, path, nil, result, http.StatusOK)
}

// RawPost POSTs body to path and decodes the 200 or 201 response into result
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.expect(http.MethodPost, path, body, result, http.StatusCreated, http.StatusOK)
}

// RawPatch PATCHes path with body and decodes the 200 or 201 response into result
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	return c.expect(http.MethodPatch, path, body, result, http.StatusOK, http.StatusCreated)
}

// RawPut PUTs body to path and decodes the 200 or 201 response into result
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	return c.expect(http.MethodPut, path, body, result, http.StatusOK, http.StatusCreated)
}

// RawDelete DELETEs path and expects 204 or 200
func (c Client) RawDelete(path string) (int, error) {
	return c.expect(http.MethodDelete, path, nil, nil, http.StatusNoContent, http.StatusOK)
}
