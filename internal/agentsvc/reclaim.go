package agentsvc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/parzizou/rdp-fleet/internal/clock"
	"github.com/parzizou/rdp-fleet/internal/docker"
	"github.com/parzizou/rdp-fleet/internal/metrics"
	"github.com/parzizou/rdp-fleet/internal/notify"
)

const (
	// stalePruneWindow buffers "until" so a container that just exited
	// isn't raced against a concurrent inspect of the same container.
	stalePruneWindow = "1h"
	idleProbeTimeout = 10 // seconds, passed to docker.API.ExecContainer
)

// Reclaimer runs the Agent's idle-container reaping loop: prune stopped
// managed containers, then stop+remove running ones that have no
// established RDP connection and have been up longer than idleTimeout.
type Reclaimer struct {
	docker      docker.API
	clock       clock.Clock
	log         *slog.Logger
	idleTimeout time.Duration
	agentID     string
	notifier    *notify.Multi
}

// NewReclaimer creates a Reclaimer. notifier may be nil, in which case
// reclamation events are logged but not published anywhere.
func NewReclaimer(api docker.API, clk clock.Clock, log *slog.Logger, idleTimeout time.Duration, agentID string, notifier *notify.Multi) *Reclaimer {
	return &Reclaimer{docker: api, clock: clk, log: log, idleTimeout: idleTimeout, agentID: agentID, notifier: notifier}
}

// Run executes one reclamation pass: prune stopped containers first (a
// container that exited between cycles shouldn't count toward "ours but
// leaking"), then evaluate every running managed container for idleness.
func (rc *Reclaimer) Run(ctx context.Context) {
	label := docker.ManagedByFilter()

	if err := rc.docker.PruneStoppedContainers(ctx, label, stalePruneWindow); err != nil {
		rc.log.Warn("prune stopped containers failed", "error", err)
	}

	containers, err := rc.docker.ListContainers(ctx, map[string]string{"label": label})
	if err != nil {
		rc.log.Warn("list managed containers failed", "error", err)
		return
	}

	for _, c := range containers {
		rc.evaluate(ctx, c.ID)
	}
}

// evaluate probes one running managed container for idleness and removes
// it if confirmed idle. Any probe error is fail-safe: the container is
// left running rather than risk a false-positive reclamation.
func (rc *Reclaimer) evaluate(ctx context.Context, id string) {
	active, err := rc.hasEstablishedRDPConnection(ctx, id)
	if err != nil {
		rc.log.Warn("idle probe failed, leaving container active", "container_id", id, "error", err)
		return
	}
	if active {
		return
	}

	inspect, err := rc.docker.InspectContainer(ctx, id)
	if err != nil {
		rc.log.Warn("inspect failed during reclamation, leaving container active", "container_id", id, "error", err)
		return
	}
	if inspect.State == nil || inspect.State.StartedAt == "" {
		return
	}

	startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil {
		rc.log.Warn("could not parse container start time, leaving container active", "container_id", id, "error", err)
		return
	}

	uptime := rc.clock.Now().Sub(startedAt)
	if uptime <= rc.idleTimeout {
		return
	}

	if err := rc.docker.StopContainer(ctx, id, 10); err != nil {
		rc.log.Warn("stop failed during reclamation", "container_id", id, "error", err)
		return
	}
	if err := rc.docker.RemoveContainer(ctx, id); err != nil {
		rc.log.Warn("remove failed during reclamation", "container_id", id, "error", err)
		return
	}

	metrics.ReclamationsTotal.WithLabelValues("idle").Inc()
	rc.log.Info("reclaimed idle container", "container_id", id, "uptime", uptime.String())

	if rc.notifier != nil {
		rc.notifier.Notify(ctx, notify.Event{
			Type:        notify.EventReclaimed,
			AgentID:     rc.agentID,
			ContainerID: id,
			Timestamp:   rc.clock.Now(),
		})
	}
}

// hasEstablishedRDPConnection execs a socket listing inside the container
// and checks for an ESTABLISHED connection on the internal RDP port. Any
// exec error (missing tool, exec denied, timeout) is surfaced to the
// caller, which treats it as fail-safe-active.
func (rc *Reclaimer) hasEstablishedRDPConnection(ctx context.Context, id string) (bool, error) {
	_, out, err := rc.docker.ExecContainer(ctx, id, []string{"ss", "-tn", "state", "established"}, idleProbeTimeout)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, ":3389"), nil
}
