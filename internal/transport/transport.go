// Package transport implements the ServerLayer (§4.7): the single outbound
// HTTP call a request makes, including the retry/backoff policy and the
// outcome classification that feeds back into routing health and key
// cooldown state.
package transport

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/routecore/internal/compat"
	"github.com/blueberrycongee/routecore/internal/httputil"
	llmerrors "github.com/blueberrycongee/routecore/pkg/errors"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// maxBackoff caps the exponential retry delay (§4.7).
const maxBackoff = 5 * time.Second

// baseBackoff is the starting point for the exponential backoff sequence.
const baseBackoff = 1 * time.Second

// Result carries the parsed response (on success) plus the classified
// outcome and observed latency, for LoadBalancer.Record.
type Result struct {
	Response  *types.ChatResponse
	Outcome   types.Outcome
	LatencyMs float64
	Attempts  int
	Err       error
}

// Server executes one outbound HTTP POST, retrying per §4.7's policy:
// retry only on timeout or a transient 5xx, with backoff
// min(1000*2^attempt, 5000)ms; never retry on 429 or other 4xx.
type Server struct {
	client *http.Client
}

// New constructs a Server. The caller-supplied timeout is applied per
// attempt via the request context, not via the client's own timeout, so a
// shorter per-attempt deadline can be layered under a longer caller context.
func New() *Server {
	return &Server{client: &http.Client{}}
}

// Do sends out, retrying according to the ServerLayer policy, and returns a
// classified Result. ctx should carry the caller's overall deadline; timeout
// is the per-attempt budget resolved from the pipeline's configuration.
func (s *Server) Do(ctx context.Context, out compat.Outbound, timeout time.Duration, maxRetries int) Result {
	var lastErr error
	attempts := 0
	started := time.Now()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, outcome, err := s.attempt(attemptCtx, out)
		cancel()

		if outcome == types.OutcomeOK {
			return Result{Response: resp, Outcome: outcome, LatencyMs: elapsedMs(started), Attempts: attempts}
		}
		lastErr = err

		if !retryable(outcome) || attempt == maxRetries {
			return Result{Outcome: outcome, LatencyMs: elapsedMs(started), Attempts: attempts, Err: lastErr}
		}

		select {
		case <-time.After(backoffDelay(attempt)):
		case <-ctx.Done():
			return Result{Outcome: types.OutcomeTimeout, LatencyMs: elapsedMs(started), Attempts: attempts, Err: ctx.Err()}
		}
	}

	return Result{Outcome: types.OutcomeFatalError, LatencyMs: elapsedMs(started), Attempts: attempts, Err: lastErr}
}

// attempt performs one HTTP round trip and classifies its outcome.
func (s *Server) attempt(ctx context.Context, out compat.Outbound) (*types.ChatResponse, types.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, bytes.NewReader(out.Body))
	if err != nil {
		return nil, types.OutcomeFatalError, err
	}
	for k, v := range out.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.OutcomeTimeout, llmerrors.NewUpstreamTimeoutError(err.Error())
		}
		return nil, types.OutcomeTransientError, llmerrors.NewUpstreamTransientError(err.Error())
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, types.OutcomeTransientError, llmerrors.NewUpstreamTransientError(err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.OutcomeRateLimited429, llmerrors.NewUpstream429Error("rate limited (429)")
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		return nil, types.OutcomeTransientError, llmerrors.NewUpstreamTransientError("upstream 5xx")
	case resp.StatusCode >= 400:
		return nil, types.OutcomeFatalError, llmerrors.NewUpstreamFatalError("upstream 4xx")
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, types.OutcomeFatalError, llmerrors.NewResponseSchemaInvalidError("malformed JSON: " + err.Error())
	}
	if len(chatResp.Choices) == 0 {
		return nil, types.OutcomeFatalError, llmerrors.NewResponseSchemaInvalidError("missing choices array")
	}

	return &chatResp, types.OutcomeOK, nil
}

// retryable reports whether an outcome is retried under the ServerLayer
// policy: timeout and transient 5xx only (§4.7).
func retryable(outcome types.Outcome) bool {
	return outcome == types.OutcomeTimeout || outcome == types.OutcomeTransientError
}

// backoffDelay computes min(1000*2^attempt, 5000)ms (§4.7).
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func elapsedMs(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000.0
}
