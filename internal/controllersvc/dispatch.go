// Package controllersvc implements the Controller half of the fleet:
// admission, candidate scoring, dispatch-with-fallback to agents, and the
// HTTP surface the UI and agents talk to. Grounded on the teacher's
// internal/web (ServeMux routing, JSON envelope helpers) and
// internal/cluster/server's awaitPending (per-attempt context timeout).
package controllersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parzizou/rdp-fleet/internal/fleet"
	"github.com/parzizou/rdp-fleet/internal/launch"
	"github.com/parzizou/rdp-fleet/internal/metrics"
)

// executeResponse mirrors the Agent's POST /execute response envelope.
type executeResponse struct {
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
	RDPHost        string  `json:"rdp_host,omitempty"`
	RDPPort        int     `json:"rdp_port,omitempty"`
	ContainerID    string  `json:"container_id,omitempty"`
	StartupSeconds float64 `json:"startup_seconds,omitempty"`
}

// DispatchResult is the outcome of placing one launch request.
type DispatchResult struct {
	RDPHost        string
	RDPPort        int
	ContainerID    string
	AgentID        string
	StartupSeconds float64
	Tries          int
	Diagnostics    []string // one line per candidate tried, in order
}

// ErrNoCandidates means the fleet snapshot had no agent able to satisfy
// the request after filtering and scoring.
var ErrNoCandidates = fmt.Errorf("no candidate agent available for this request")

// ErrAllCandidatesFailed means every candidate was tried and none
// succeeded; Diagnostics on the returned error carries the per-agent detail.
type ErrAllCandidatesFailed struct {
	Diagnostics []string
}

func (e *ErrAllCandidatesFailed) Error() string {
	return fmt.Sprintf("all %d candidates failed: %s", len(e.Diagnostics), strings.Join(e.Diagnostics, "; "))
}

// Dispatcher walks a ranked candidate list, POSTing /execute to each in
// turn until one succeeds or the list is exhausted.
type Dispatcher struct {
	httpClient  *http.Client
	apiToken    string
	callTimeout func() time.Duration
	retryDelay  func() time.Duration
}

// NewDispatcher creates a Dispatcher. callTimeout and retryDelay are
// thunks rather than fixed durations so the Controller can adjust them at
// runtime (config.Config.DispatchCallTimeout/FallbackRetryDelay).
func NewDispatcher(apiToken string, callTimeout, retryDelay func() time.Duration) *Dispatcher {
	return &Dispatcher{
		httpClient:  &http.Client{},
		apiToken:    apiToken,
		callTimeout: callTimeout,
		retryDelay:  retryDelay,
	}
}

// Dispatch tries each candidate's /execute endpoint in order, sleeping
// retryDelay between attempts, and returns on the first success. If every
// candidate fails, it returns *ErrAllCandidatesFailed carrying one
// diagnostic line per attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []fleet.Candidate, req launch.Request) (DispatchResult, error) {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	if len(candidates) == 0 {
		return DispatchResult{}, ErrNoCandidates
	}

	var diagnostics []string
	for i, cand := range candidates {
		result, err := d.tryOne(ctx, cand.Agent, req)
		if err == nil {
			result.AgentID = cand.Agent.AgentID
			result.Tries = i + 1
			result.Diagnostics = diagnostics
			return result, nil
		}
		diagnostics = append(diagnostics, fmt.Sprintf("%s: %s", cand.Agent.AgentID, err.Error()))

		if i < len(candidates)-1 {
			metrics.DispatchFallbacksTotal.Inc()
			select {
			case <-ctx.Done():
				return DispatchResult{}, ctx.Err()
			case <-time.After(d.retryDelay()):
			}
		}
	}

	metrics.DispatchFailuresTotal.Inc()
	return DispatchResult{Diagnostics: diagnostics}, &ErrAllCandidatesFailed{Diagnostics: diagnostics}
}

// tryOne makes a single /execute call against one candidate agent.
func (d *Dispatcher) tryOne(ctx context.Context, a fleet.Agent, req launch.Request) (DispatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout())
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.URL, "/")+"/execute", bytes.NewReader(payload))
	if err != nil {
		return DispatchResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiToken)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return DispatchResult{}, fmt.Errorf("http status %d", resp.StatusCode)
	}

	var body executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return DispatchResult{}, fmt.Errorf("invalid response body: %w", err)
	}
	if body.Status != "ok" {
		return DispatchResult{}, fmt.Errorf("agent reported error: %s", body.Error)
	}

	return DispatchResult{
		RDPHost:        body.RDPHost,
		RDPPort:        body.RDPPort,
		ContainerID:    body.ContainerID,
		StartupSeconds: body.StartupSeconds,
	}, nil
}
