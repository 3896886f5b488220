package agentsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parzizou/rdp-fleet/internal/clock"
	"github.com/parzizou/rdp-fleet/internal/docker"
)

// HeartbeatPusher POSTs this Agent's capacity snapshot to the Controller
// every interval, the push-mode half of fleet freshness (spec.md §2).
type HeartbeatPusher struct {
	httpClient *http.Client
	docker     docker.API
	clock      clock.Clock
	log        *slog.Logger

	agentID    string
	url        string
	serverURL  string
	apiToken   string
	totalCPU   int
	totalMemMB int
	gpuCapable bool
	interval   time.Duration
}

// HeartbeatConfig configures one HeartbeatPusher.
type HeartbeatConfig struct {
	AgentID    string
	URL        string
	ServerURL  string
	APIToken   string
	TotalCPU   int
	TotalMemMB int
	GPUCapable bool
	Interval   time.Duration
}

// NewHeartbeatPusher creates a HeartbeatPusher.
func NewHeartbeatPusher(api docker.API, clk clock.Clock, log *slog.Logger, cfg HeartbeatConfig) *HeartbeatPusher {
	return &HeartbeatPusher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		docker:     api,
		clock:      clk,
		log:        log,
		agentID:    cfg.AgentID,
		url:        cfg.URL,
		serverURL:  cfg.ServerURL,
		apiToken:   cfg.APIToken,
		totalCPU:   cfg.TotalCPU,
		totalMemMB: cfg.TotalMemMB,
		gpuCapable: cfg.GPUCapable,
		interval:   cfg.Interval,
	}
}

// heartbeatBody mirrors internal/fleet.Agent's wire shape, minus last_seen
// (the Controller stamps that on receipt).
type heartbeatBody struct {
	AgentID           string  `json:"agent_id"`
	URL               string  `json:"url"`
	TotalCPU          int     `json:"total_cpu"`
	UsedCPU           float64 `json:"used_cpu"`
	TotalMemMB        int     `json:"total_mem_mb"`
	UsedMemMB         int     `json:"used_mem_mb"`
	RunningContainers int     `json:"running_containers"`
	GPUCapable        bool    `json:"gpu_capable"`
}

// Run loops until ctx is cancelled, pushing one heartbeat per interval.
// Errors are logged and the loop continues — a missed heartbeat just lets
// the Controller's online window lapse for this agent.
func (h *HeartbeatPusher) Run(ctx context.Context) {
	for {
		if err := h.pushOnce(ctx); err != nil {
			h.log.Warn("heartbeat push failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(h.interval):
		}
	}
}

func (h *HeartbeatPusher) pushOnce(ctx context.Context) error {
	usedCPU, usedMemMB, running, err := UsedCapacity(ctx, h.docker)
	if err != nil {
		return fmt.Errorf("compute used capacity: %w", err)
	}

	body := heartbeatBody{
		AgentID:           h.agentID,
		URL:               h.url,
		TotalCPU:          h.totalCPU,
		UsedCPU:           usedCPU,
		TotalMemMB:        h.totalMemMB,
		UsedMemMB:         usedMemMB,
		RunningContainers: running,
		GPUCapable:        h.gpuCapable,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.serverURL+"/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiToken)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("heartbeat rejected with status %d", resp.StatusCode)
	}
	return nil
}
