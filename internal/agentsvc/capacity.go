package agentsvc

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/parzizou/rdp-fleet/internal/docker"
)

// DetectTotalCPU returns the number of logical cores visible to this
// process — the ceiling the Agent advertises as total_cpu.
func DetectTotalCPU() int {
	return runtime.NumCPU()
}

// DetectTotalMemMB returns total host memory in MiB, read from
// /proc/meminfo. No third-party library in this stack exposes host memory
// without pulling in a much larger system-info dependency (see DESIGN.md);
// a direct /proc/meminfo parse is a two-line affair on the Linux hosts
// this Agent targets, and a missing/unreadable file just falls back to a
// conservative default rather than failing startup.
func DetectTotalMemMB() int {
	const fallbackMB = 4096

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return fallbackMB
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fallbackMB
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return fallbackMB
		}
		return kb / 1024
	}
	return fallbackMB
}

// UsedCapacity sums the CPU and memory reservations of every currently
// running managed container, the Agent's own view of "how much of my
// capacity is spoken for". Inspect failures on an individual container are
// skipped rather than aborting the whole snapshot.
func UsedCapacity(ctx context.Context, api docker.API) (usedCPU float64, usedMemMB int, running int, err error) {
	containers, listErr := api.ListContainers(ctx, map[string]string{"label": docker.ManagedByFilter()})
	if listErr != nil {
		return 0, 0, 0, listErr
	}

	for _, c := range containers {
		inspect, inspectErr := api.InspectContainer(ctx, c.ID)
		if inspectErr != nil {
			continue
		}
		if inspect.HostConfig != nil {
			usedCPU += float64(inspect.HostConfig.NanoCPUs) / 1_000_000_000
			usedMemMB += int(inspect.HostConfig.Memory / (1024 * 1024))
		}
	}
	return usedCPU, usedMemMB, len(containers), nil
}
