package agentsvc

import (
	"context"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// fakeDocker implements docker.API for agentsvc tests, grounded on the
// teacher's mockDocker shape in internal/engine/mock_test.go.
type fakeDocker struct {
	mu sync.Mutex

	containers    []container.Summary
	containersErr error

	inspectResults map[string]container.InspectResponse
	inspectErr     map[string]error

	createID  string
	createErr error
	createCfg *container.Config

	startErr error
	stopErr  error
	removeErr error

	pullErr  error
	pullCalls []string

	pruneCalls []string
	pruneErr   error

	execResult string
	execErr    error
	execCalls  []string

	startCalls  []string
	stopCalls   []string
	removeCalls []string

	pingErr error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		inspectResults: make(map[string]container.InspectResponse),
		inspectErr:     make(map[string]error),
	}
}

func (f *fakeDocker) ListContainers(context.Context, map[string]string) ([]container.Summary, error) {
	return f.containers, f.containersErr
}

func (f *fakeDocker) ListAllContainers(context.Context, map[string]string) ([]container.Summary, error) {
	return f.containers, f.containersErr
}

func (f *fakeDocker) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	if err, ok := f.inspectErr[id]; ok && err != nil {
		return container.InspectResponse{}, err
	}
	return f.inspectResults[id], nil
}

func (f *fakeDocker) CreateContainer(_ context.Context, name string, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	f.mu.Lock()
	f.createCfg = cfg
	f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createID != "" {
		return f.createID, nil
	}
	return "container-" + name, nil
}

func (f *fakeDocker) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	f.startCalls = append(f.startCalls, id)
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeDocker) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	f.stopCalls = append(f.stopCalls, id)
	f.mu.Unlock()
	return f.stopErr
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	f.removeCalls = append(f.removeCalls, id)
	f.mu.Unlock()
	return f.removeErr
}

func (f *fakeDocker) PruneStoppedContainers(_ context.Context, label string, until string) error {
	f.mu.Lock()
	f.pruneCalls = append(f.pruneCalls, label+"|"+until)
	f.mu.Unlock()
	return f.pruneErr
}

func (f *fakeDocker) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	f.pullCalls = append(f.pullCalls, ref)
	f.mu.Unlock()
	return f.pullErr
}

func (f *fakeDocker) ExecContainer(_ context.Context, id string, _ []string, _ int) (int, string, error) {
	f.mu.Lock()
	f.execCalls = append(f.execCalls, id)
	f.mu.Unlock()
	if f.execErr != nil {
		return -1, "", f.execErr
	}
	return 0, f.execResult, nil
}

func (f *fakeDocker) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}
func (f *fakeDocker) Close() error               { return nil }

// fakeClock implements clock.Clock for agentsvc tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
