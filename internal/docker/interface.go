package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API defines the subset of the Docker Engine API the Agent needs to
// launch and reclaim RDP session containers. Implemented by Client for
// production, and by a fake in tests.
type API interface {
	ListContainers(ctx context.Context, filters map[string]string) ([]container.Summary, error)
	ListAllContainers(ctx context.Context, filters map[string]string) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string) error
	PruneStoppedContainers(ctx context.Context, label string, until string) error
	PullImage(ctx context.Context, refStr string) error
	ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
