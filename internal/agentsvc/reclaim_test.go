package agentsvc

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/parzizou/rdp-fleet/internal/notify"
)

// spyNotifier records every event sent to it, grounded on the teacher's
// own stub-notifier test pattern in internal/notify/notifier_test.go.
type spyNotifier struct {
	sent []notify.Event
}

func (s *spyNotifier) Name() string { return "spy" }
func (s *spyNotifier) Send(_ context.Context, event notify.Event) error {
	s.sent = append(s.sent, event)
	return nil
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReclaimerLeavesContainerWithActiveConnection(t *testing.T) {
	fd := newFakeDocker()
	fd.containers = []container.Summary{{ID: "c1"}}
	fd.execResult = "ESTAB 0 0 10.0.0.1:3389 10.0.0.2:55512"

	clk := newFakeClock(time.Now())
	rc := NewReclaimer(fd, clk, testLogger(), time.Hour, "agent-1", nil)

	rc.Run(context.Background())

	if len(fd.stopCalls) != 0 {
		t.Errorf("expected no stop calls, got %v", fd.stopCalls)
	}
}

func TestReclaimerRemovesIdleContainerPastTimeout(t *testing.T) {
	fd := newFakeDocker()
	fd.containers = []container.Summary{{ID: "c1"}}
	fd.execResult = "" // no established connection
	startedAt := time.Now().Add(-2 * time.Hour)
	fd.inspectResults["c1"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{StartedAt: startedAt.Format(time.RFC3339Nano)},
		},
	}

	clk := newFakeClock(time.Now())
	rc := NewReclaimer(fd, clk, testLogger(), time.Hour, "agent-1", nil)

	rc.Run(context.Background())

	if len(fd.stopCalls) != 1 || fd.stopCalls[0] != "c1" {
		t.Errorf("expected stop call for c1, got %v", fd.stopCalls)
	}
	if len(fd.removeCalls) != 1 || fd.removeCalls[0] != "c1" {
		t.Errorf("expected remove call for c1, got %v", fd.removeCalls)
	}
}

func TestReclaimerNotifiesOnSuccessfulReclaim(t *testing.T) {
	fd := newFakeDocker()
	fd.containers = []container.Summary{{ID: "c1"}}
	fd.execResult = ""
	startedAt := time.Now().Add(-2 * time.Hour)
	fd.inspectResults["c1"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{StartedAt: startedAt.Format(time.RFC3339Nano)},
		},
	}

	clk := newFakeClock(time.Now())
	spy := &spyNotifier{}
	multi := notify.NewMulti(noopLogger{}, spy)
	rc := NewReclaimer(fd, clk, testLogger(), time.Hour, "agent-1", multi)

	rc.Run(context.Background())

	if len(spy.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(spy.sent))
	}
	if spy.sent[0].Type != notify.EventReclaimed {
		t.Errorf("event type = %q, want %q", spy.sent[0].Type, notify.EventReclaimed)
	}
	if spy.sent[0].ContainerID != "c1" {
		t.Errorf("container_id = %q, want c1", spy.sent[0].ContainerID)
	}
	if spy.sent[0].AgentID != "agent-1" {
		t.Errorf("agent_id = %q, want agent-1", spy.sent[0].AgentID)
	}
}

func TestReclaimerKeepsContainerUnderIdleTimeout(t *testing.T) {
	fd := newFakeDocker()
	fd.containers = []container.Summary{{ID: "c1"}}
	fd.execResult = ""
	startedAt := time.Now().Add(-10 * time.Minute)
	fd.inspectResults["c1"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{StartedAt: startedAt.Format(time.RFC3339Nano)},
		},
	}

	clk := newFakeClock(time.Now())
	rc := NewReclaimer(fd, clk, testLogger(), time.Hour, "agent-1", nil)

	rc.Run(context.Background())

	if len(fd.stopCalls) != 0 {
		t.Errorf("expected no stop calls for fresh container, got %v", fd.stopCalls)
	}
}

func TestReclaimerFailSafeOnProbeError(t *testing.T) {
	fd := newFakeDocker()
	fd.containers = []container.Summary{{ID: "c1"}}
	fd.execErr = errPullFailed
	startedAt := time.Now().Add(-2 * time.Hour)
	fd.inspectResults["c1"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{StartedAt: startedAt.Format(time.RFC3339Nano)},
		},
	}

	clk := newFakeClock(time.Now())
	rc := NewReclaimer(fd, clk, testLogger(), time.Hour, "agent-1", nil)

	rc.Run(context.Background())

	if len(fd.stopCalls) != 0 {
		t.Errorf("expected fail-safe to leave container active, got stop calls %v", fd.stopCalls)
	}
}

func TestReclaimerPrunesStoppedFirst(t *testing.T) {
	fd := newFakeDocker()
	clk := newFakeClock(time.Now())
	rc := NewReclaimer(fd, clk, testLogger(), time.Hour, "agent-1", nil)

	rc.Run(context.Background())

	if len(fd.pruneCalls) != 1 {
		t.Errorf("expected one prune call, got %v", fd.pruneCalls)
	}
}
