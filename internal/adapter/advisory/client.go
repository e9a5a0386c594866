// Package advisory provides an HTTP client for the external advisory API
// that hosts the persona, decomposition, convergence and synthesis models.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rtfm-si/boardroom/internal/port/advisory"
	"github.com/rtfm-si/boardroom/internal/resilience"
)

// Client talks to the advisory API. All four collaborator calls share one
// circuit breaker and one concurrency limit.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
	sem        *semaphore.Weighted
}

// NewClient creates an advisory API client. maxConcurrent bounds in-flight
// calls across every session this process drives.
func NewClient(baseURL, apiKey string, timeout time.Duration, maxConcurrent int64) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		sem: semaphore.NewWeighted(maxConcurrent),
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Decompose splits a problem statement into ordered sub-problems.
func (c *Client) Decompose(ctx context.Context, problemStatement string) (*advisory.Decomposition, error) {
	body, err := json.Marshal(map[string]string{"problem_statement": problemStatement})
	if err != nil {
		return nil, fmt.Errorf("marshal decompose: %w", err)
	}

	resp, err := c.doRequest(ctx, "/v1/decompose", body)
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	var result advisory.Decomposition
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal decomposition: %w", err)
	}
	return &result, nil
}

// InvokePersona performs one persona-contribution call.
func (c *Client) InvokePersona(ctx context.Context, req advisory.InvokeRequest) (*advisory.ContributionPayload, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal invoke: %w", err)
	}

	resp, err := c.doRequest(ctx, "/v1/contributions", body)
	if err != nil {
		return nil, fmt.Errorf("invoke persona %s: %w", req.PersonaCode, err)
	}

	var result advisory.ContributionPayload
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal contribution: %w", err)
	}
	return &result, nil
}

// ShouldContinue asks the convergence judge whether another round is worthwhile.
func (c *Client) ShouldContinue(ctx context.Context, req advisory.ConvergenceRequest) (*advisory.ConvergenceDecision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal convergence: %w", err)
	}

	resp, err := c.doRequest(ctx, "/v1/convergence", body)
	if err != nil {
		return nil, fmt.Errorf("convergence check: %w", err)
	}

	var result advisory.ConvergenceDecision
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal convergence decision: %w", err)
	}
	return &result, nil
}

// Synthesize produces the recommendation for one sub-problem.
func (c *Client) Synthesize(ctx context.Context, req advisory.SynthesisRequest) (*advisory.RecommendationPayload, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis: %w", err)
	}

	resp, err := c.doRequest(ctx, "/v1/synthesis", body)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	var result advisory.RecommendationPayload
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal recommendation: %w", err)
	}
	return &result, nil
}

func (c *Client) doRequest(ctx context.Context, path string, body []byte) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire advisory slot: %w", err)
	}
	defer c.sem.Release(1)

	// Correlation ID for upstream log matching.
	requestID := uuid.New().String()

	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		// Client errors will not succeed on retry, so mark them permanent.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: advisory API %d: %s", advisory.ErrPermanent, resp.StatusCode, string(data))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("advisory API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
