// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/rollout/lib/barrier"
	"github.com/bureau-foundation/rollout/lib/codec"
	"github.com/bureau-foundation/rollout/lib/version"
)

// RemoteError is a failure reported by the server. It unwraps to the
// sentinel error its code stands for, when there is one.
type RemoteError struct {
	Operation string
	Status    int
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("api %s: %s", e.Operation, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return sentinel(e.Code)
}

// Client calls the control-plane API. It implements the key source the
// agent uses for registered packages.
type Client struct {
	endpoint   string
	httpClient *http.Client
	userAgent  string
}

// NewClient returns a client for the API at endpoint, for example
// "http://control:8440". A nil httpClient uses http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client) (*Client, error) {
	endpoint = strings.TrimSuffix(endpoint, "/")
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("api endpoint %q: %w", endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api endpoint %q: scheme must be http or https", endpoint)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, httpClient: httpClient, userAgent: version.UserAgent("rollout")}, nil
}

// SetUserAgent replaces the User-Agent sent with every request.
func (c *Client) SetUserAgent(userAgent string) {
	c.userAgent = userAgent
}

// Verify submits checksum for the package and returns its key.
func (c *Client) Verify(ctx context.Context, hostID, packageUUID, checksum string) ([]byte, error) {
	var response VerifyResponse
	err := c.call(ctx, "verify", http.MethodPost, packagePath(hostID, packageUUID, "verify"), nil,
		VerifyRequest{Checksum: checksum}, &response)
	if err != nil {
		return nil, err
	}
	return response.Key, nil
}

// ConfirmDecrypt records that the host decrypted the package.
func (c *Client) ConfirmDecrypt(ctx context.Context, hostID, packageUUID string) error {
	return c.call(ctx, "confirm_decrypt", http.MethodPost, packagePath(hostID, packageUUID, "confirm"), nil, nil, nil)
}

// Status returns the registry state of the package.
func (c *Client) Status(ctx context.Context, hostID, packageUUID string) (PackageStatus, error) {
	var status PackageStatus
	err := c.call(ctx, "status", http.MethodGet, packagePath(hostID, packageUUID), nil, nil, &status)
	return status, err
}

// SetEvent sets a rollout event.
func (c *Client) SetEvent(ctx context.Context, id string, metadata map[string]any) error {
	return c.call(ctx, "set_event", http.MethodPost, eventPath(id), nil, SetEventRequest{Metadata: metadata}, nil)
}

// WaitEvent waits up to timeout for the event and returns its
// metadata. The server bounds each request, so the wait is split into
// several requests; the last one fails with barrier.ErrTimeout.
func (c *Client) WaitEvent(ctx context.Context, id string, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := max(time.Until(deadline), 0)
		query := url.Values{"timeout": {remaining.String()}}
		var response EventResponse
		err := c.call(ctx, "wait_event", http.MethodGet, eventPath(id), query, nil, &response)
		if err == nil {
			return response.Metadata, nil
		}
		if !errors.Is(err, barrier.ErrTimeout) || time.Until(deadline) <= 0 {
			return nil, err
		}
	}
}

func packagePath(hostID, packageUUID string, action ...string) string {
	parts := append([]string{"v1", "packages", url.PathEscape(hostID), url.PathEscape(packageUUID)}, action...)
	return "/" + strings.Join(parts, "/")
}

func eventPath(id string) string {
	return "/v1/events/" + url.PathEscape(id)
}

func (c *Client) call(ctx context.Context, operation, method, path string, query url.Values, request, result any) error {
	var body io.Reader
	if request != nil {
		encoded, err := codec.Marshal(request)
		if err != nil {
			return fmt.Errorf("api %s: encoding request: %w", operation, err)
		}
		body = bytes.NewReader(encoded)
	}

	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("api %s: %w", operation, err)
	}
	if body != nil {
		httpRequest.Header.Set("Content-Type", ContentType)
	}
	httpRequest.Header.Set("Accept", ContentType)
	httpRequest.Header.Set("User-Agent", c.userAgent)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("api %s: %w", operation, err)
	}
	defer httpResponse.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("api %s: reading response: %w", operation, err)
	}
	var response Response
	if err := codec.Unmarshal(data, &response); err != nil {
		return fmt.Errorf("api %s: HTTP %d with undecodable body: %w", operation, httpResponse.StatusCode, err)
	}
	if !response.OK {
		return &RemoteError{
			Operation: operation,
			Status:    httpResponse.StatusCode,
			Code:      response.Code,
			Message:   response.Error,
		}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("api %s: decoding response data: %w", operation, err)
		}
	}
	return nil
}
