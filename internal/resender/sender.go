package resender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSender sends request descriptors with a shared http.Client.
// The client's cookie jar carries the upstream session between the
// authenticator and the resends.
type HTTPSender struct {
	httpClient *http.Client
}

// NewHTTPSender creates a sender. If httpClient is nil a pooled client with a 10s timeout is used.
func NewHTTPSender(httpClient *http.Client) *HTTPSender {
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		httpClient = &http.Client{Transport: transport, Timeout: 10 * time.Second}
	}
	return &HTTPSender{httpClient: httpClient}
}

// Send issues the request and buffers the response.
// Non-2xx statuses are returned as *TransportError with status, headers and body preserved.
func (s *HTTPSender) Send(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	for k, values := range r.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
