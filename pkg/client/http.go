package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/result"
)

// Health returns true if GET /health answers 200.
func (c *client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}

	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// InferenceURL returns the inference endpoint of a workload.
func InferenceURL(endpoint, workloadID string) string {
	return fmt.Sprintf("%s/models/%s/inference", endpoint, url.PathEscape(workloadID))
}

// Invoke posts payload as a flat JSON object to the workload's inference
// endpoint and measures the round trip.
func (c *client) Invoke(ctx context.Context, workloadID string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, InferenceURL(c.endpoint, workloadID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	// Server time is measured from request written to first response byte.
	var wroteRequest, gotFirstByte time.Time

	trace := &httptrace.ClientTrace{
		WroteRequest: func(_ httptrace.WroteRequestInfo) {
			wroteRequest = time.Now()
		},
		GotFirstResponseByte: func() {
			gotFirstByte = time.Now()
		},
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, workloadID, time.Since(start), err)
	}

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if err != nil {
		return nil, classifyTransport(ctx, workloadID, latency, err)
	}

	out := &Response{
		Status:  resp.StatusCode,
		Body:    respBody,
		Latency: latency,
	}

	if !wroteRequest.IsZero() && !gotFirstByte.IsZero() {
		out.ServerTime = gotFirstByte.Sub(wroteRequest)
	}

	return out, nil
}

func classifyTransport(ctx context.Context, id string, elapsed time.Duration, err error) error {
	var netErr net.Error

	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return result.Errorf(result.KindInvocationTimeout, err, "invoking %s timed out after %s", id, elapsed.Round(time.Millisecond))
	}

	return result.Errorf(result.KindInvocationHTTPError, err, "invoking %s", id)
}
