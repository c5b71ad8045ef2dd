// Package remote implements the HTTP client for the time authority's punch
// submission endpoint. Every submission carries the queue item's ID as an
// idempotency key so retried and replayed attempts collapse server-side into
// at most one state change.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fieldpunch/agent/internal/punch/types"
)

const submitPath = "/v1/punches"

// maxResponseBody caps the decoded response size; authoritative session
// fields encode to well under 1 KiB.
const maxResponseBody = 64 * 1024

type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

func New(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) Submit(ctx context.Context, idempotencyKey string, req types.SubmitRequest) (types.AuthoritativeFields, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.AuthoritativeFields{}, fmt.Errorf("marshal submit: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return types.AuthoritativeFields{}, fmt.Errorf("build submit: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Transport failure: connection refused, DNS, client timeout.
		return types.AuthoritativeFields{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return types.AuthoritativeFields{}, &TransientError{
			Err: fmt.Errorf("server responded %d", resp.StatusCode),
		}
	}

	var envelope types.SubmitResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody))
	if err := dec.Decode(&envelope); err != nil {
		// A garbled body from a proxy or captive portal is retryable.
		return types.AuthoritativeFields{}, &TransientError{
			Err: fmt.Errorf("decode response (%d): %w", resp.StatusCode, err),
		}
	}

	switch {
	case envelope.Rejected != nil:
		c.logger.Printf("punch rejected key=%s code=%s: %s", idempotencyKey, envelope.Rejected.Code, envelope.Rejected.Message)
		return types.AuthoritativeFields{}, &PermanentError{
			Code:    envelope.Rejected.Code,
			Message: envelope.Rejected.Message,
		}
	case envelope.Accepted != nil:
		return *envelope.Accepted, nil
	case resp.StatusCode >= 400:
		return types.AuthoritativeFields{}, &PermanentError{
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: http.StatusText(resp.StatusCode),
		}
	default:
		return types.AuthoritativeFields{}, &TransientError{
			Err: fmt.Errorf("response %d carried neither accepted nor rejected", resp.StatusCode),
		}
	}
}
