// Package agentsvc implements the Agent half of the fleet: capacity
// reporting, host RDP-port allocation, container launch via the Docker
// Engine API, and the idle reclamation loop. Grounded on the teacher's
// internal/docker (Client/API) and internal/web (ServeMux route style).
package agentsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/parzizou/rdp-fleet/internal/docker"
	"github.com/parzizou/rdp-fleet/internal/metrics"
)

const (
	runtimeDeadline  = 120 * time.Second
	rdpContainerPort = "3389/tcp"
)

// LaunchRequest is the body of POST /execute.
type LaunchRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Image         string `json:"image"`
	CPULimit      int    `json:"cpu_limit"`
	MemoryLimitMB int    `json:"memory_limit_mb"`
	GPU           bool   `json:"gpu"`
}

// Validate checks the required fields are present and well-formed. It does
// not know about the allowlist or GPU capability — Launch applies those.
func (r LaunchRequest) Validate() error {
	if r.Username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if r.Password == "" {
		return fmt.Errorf("password must not be empty")
	}
	if r.Image == "" {
		return fmt.Errorf("image must not be empty")
	}
	if r.CPULimit < 1 {
		return fmt.Errorf("cpu_limit must be >= 1")
	}
	if r.MemoryLimitMB < 256 {
		return fmt.Errorf("memory_limit_mb must be >= 256")
	}
	return nil
}

// ValidationError marks a request as rejected before any Docker API call
// was made — a malformed or disallowed request, not a runtime failure —
// so the caller can map it to HTTP 4xx instead of folding it into the
// business-failure envelope (spec.md §6/§7).
type ValidationError struct {
	err error
}

func (e *ValidationError) Error() string { return e.err.Error() }
func (e *ValidationError) Unwrap() error { return e.err }

// LaunchResult is the success payload for POST /execute.
type LaunchResult struct {
	RDPHost        string
	RDPPort        int
	ContainerID    string
	StartupSeconds float64
}

// Launcher owns the container-launch pipeline: validate, sanitize,
// allocate a port, invoke the Docker Engine API, resolve the advertised
// host, and report back the coordinates.
type Launcher struct {
	docker     docker.API
	portLo     int
	portHi     int
	gpuCapable bool
	publicHost string
}

// NewLauncher creates a Launcher bound to one Docker API client and port range.
func NewLauncher(api docker.API, portLo, portHi int, gpuCapable bool, publicHost string) *Launcher {
	return &Launcher{docker: api, portLo: portLo, portHi: portHi, gpuCapable: gpuCapable, publicHost: publicHost}
}

// Launch runs the full pipeline for one request: validate, sanitize the
// image, allocate a port, create+start the container, and resolve the
// host to advertise. Returns a descriptive error on any failure; the
// caller is responsible for surfacing it as status:"error".
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	if err := req.Validate(); err != nil {
		return LaunchResult{}, &ValidationError{err}
	}
	if req.GPU && !l.gpuCapable {
		return LaunchResult{}, &ValidationError{fmt.Errorf("gpu requested on a non-GPU-capable agent")}
	}

	image, err := docker.SanitizeImage(req.Image)
	if err != nil {
		return LaunchResult{}, err
	}

	port, attempts, err := AllocatePort(l.portLo, l.portHi)
	if err != nil {
		return LaunchResult{}, err
	}
	metrics.PortAllocationRetries.Observe(float64(attempts))

	ctx, cancel := context.WithTimeout(ctx, runtimeDeadline)
	defer cancel()

	start := time.Now()
	name := fmt.Sprintf("rdp_%s_%d", req.Username, time.Now().Unix())

	cfg, hostCfg, netCfg := buildContainerSpec(image, req, port)

	if err := l.docker.PullImage(ctx, image); err != nil {
		return LaunchResult{}, fmt.Errorf("pull image %s: %w", image, err)
	}

	id, err := l.docker.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("create container: %w", err)
	}
	if err := l.docker.StartContainer(ctx, id); err != nil {
		return LaunchResult{}, fmt.Errorf("start container: %w", err)
	}

	return LaunchResult{
		RDPHost:        ResolveHost(l.publicHost),
		RDPPort:        port,
		ContainerID:    id,
		StartupSeconds: time.Since(start).Seconds(),
	}, nil
}

// buildContainerSpec assembles the Docker Engine API create parameters for
// one RDP session container: the management label, the host port binding,
// CPU/memory limits, the username/password passed through to the
// container's own init, and (if requested) a GPU device request.
func buildContainerSpec(image string, req LaunchRequest, hostPort int) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	cfg := &container.Config{
		Image: image,
		Env: []string{
			"RDP_USERNAME=" + req.Username,
			"RDP_PASSWORD=" + req.Password,
		},
		Labels: map[string]string{
			docker.ManagedByLabelKey: docker.ManagedByLabelValue,
		},
		ExposedPorts: nat.PortSet{
			nat.Port(rdpContainerPort): {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(rdpContainerPort): []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(req.CPULimit) * 1_000_000_000,
			Memory:   int64(req.MemoryLimitMB) * 1024 * 1024,
		},
	}

	if req.GPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				Count:        -1,
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}

	return cfg, hostCfg, &network.NetworkingConfig{}
}
